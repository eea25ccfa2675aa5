package ledger

import (
	"fmt"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
)

// InvalidMovementError is a rejected request. errors.Is matches
// store.ErrInvalidMovement, and store.ErrNotFound when Err carries it.
type InvalidMovementError struct {
	Kind   domain.TransactionType
	Field  string
	Reason string
	Err    error
}

func (e *InvalidMovementError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s movement: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s movement: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *InvalidMovementError) Is(target error) bool {
	return target == store.ErrInvalidMovement
}

func (e *InvalidMovementError) Unwrap() error {
	return e.Err
}

// InsufficientStockError reports a debit larger than what the warehouse holds.
type InsufficientStockError struct {
	ItemID      string
	WarehouseID string
	Available   quantity.Quantity
	Requested   quantity.Quantity
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s at warehouse %s: available %s, requested %s",
		e.ItemID, e.WarehouseID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == store.ErrInsufficientStock
}

func invalid(kind domain.TransactionType, field string, reason string) error {
	return &InvalidMovementError{Kind: kind, Field: field, Reason: reason}
}
