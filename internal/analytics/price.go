package analytics

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

var priceKeys = []string{"unitPrice", "unit_price", "price"}

// UnitPrice reads an item's price from its metadata. The first key present
// wins; anything that is not a non-negative number counts as zero.
func UnitPrice(metadata map[string]any) decimal.Decimal {
	for _, key := range priceKeys {
		raw, ok := metadata[key]
		if !ok {
			continue
		}
		price, ok := toDecimal(raw)
		if !ok || price.IsNegative() {
			return decimal.Zero
		}
		return price
	}
	return decimal.Zero
}

func toDecimal(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt32(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case decimal.Decimal:
		return v, true
	}
	return decimal.Zero, false
}
