// Package quantity implements the fixed-scale stock quantity used by every
// ledger component. Values are stored as int64 thousandths so that sums and
// comparisons against zero never go through binary floating point.
package quantity

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every quantity.
const Scale = 3

const unit = 1000

// Quantity is a stock amount in thousandths of the item's unit of measure.
type Quantity int64

const Zero Quantity = 0

var (
	ErrNotFinite = errors.New("quantity must be a finite number")
	ErrOverflow  = errors.New("quantity out of range")
)

// limit keeps NUMERIC(18,3) columns and int64 arithmetic on the same range.
var limit = decimal.New(1, 15)

// ToStorage rounds value to Scale fractional digits, half away from zero.
func ToStorage(value float64) (Quantity, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Zero, ErrNotFinite
	}
	return FromDecimal(decimal.NewFromFloat(value))
}

// MustFromFloat is ToStorage for constants and tests.
func MustFromFloat(value float64) Quantity {
	q, err := ToStorage(value)
	if err != nil {
		panic(err)
	}
	return q
}

func FromInt(n int64) Quantity {
	return Quantity(n * unit)
}

func FromDecimal(d decimal.Decimal) (Quantity, error) {
	rounded := d.Round(Scale)
	if rounded.Abs().GreaterThanOrEqual(limit) {
		return Zero, ErrOverflow
	}
	return Quantity(rounded.Shift(Scale).IntPart()), nil
}

// Parse reads a decimal string such as "12", "-0.5" or "3.1415".
func Parse(raw string) (Quantity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Zero, fmt.Errorf("parse quantity: empty value")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Zero, fmt.Errorf("parse quantity %q: %w", raw, err)
	}
	return FromDecimal(d)
}

// ToNumber converts back to float64 for analytics and transport.
func (q Quantity) ToNumber() float64 {
	return q.Decimal().InexactFloat64()
}

func (q Quantity) Decimal() decimal.Decimal {
	return decimal.New(int64(q), -Scale)
}

func (q Quantity) Add(other Quantity) Quantity { return q + other }
func (q Quantity) Sub(other Quantity) Quantity { return q - other }
func (q Quantity) Neg() Quantity               { return -q }

func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

func (q Quantity) Sign() int {
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	}
	return 0
}

func (q Quantity) IsZero() bool     { return q == 0 }
func (q Quantity) IsPositive() bool { return q > 0 }
func (q Quantity) IsNegative() bool { return q < 0 }

func (q Quantity) Cmp(other Quantity) int {
	switch {
	case q < other:
		return -1
	case q > other:
		return 1
	}
	return 0
}

// String always prints Scale fractional digits, e.g. "10.000".
func (q Quantity) String() string {
	return q.Decimal().StringFixed(Scale)
}

// MarshalJSON writes a bare JSON number without trailing zeros.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.Decimal().String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
