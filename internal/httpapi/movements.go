package httpapi

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
)

// movementRequest is the body of every POST /movements/* call. Which warehouse
// fields are required depends on the movement type and is checked by the
// ledger.
type movementRequest struct {
	ItemID            string            `json:"item_id" validate:"required,max=64"`
	WarehouseID       string            `json:"warehouse_id" validate:"omitempty,max=64"`
	SourceWarehouseID string            `json:"source_warehouse_id" validate:"omitempty,max=64"`
	TargetWarehouseID string            `json:"target_warehouse_id" validate:"omitempty,max=64"`
	Quantity          quantity.Quantity `json:"quantity"`
	Delta             quantity.Quantity `json:"delta"`
	Reference         string            `json:"reference" validate:"omitempty,max=120"`
	Notes             string            `json:"notes" validate:"omitempty,max=500"`
	OccurredAt        *time.Time        `json:"occurred_at"`
}

func (m movementRequest) params() domain.MovementParams {
	return domain.MovementParams{
		ItemID:            m.ItemID,
		WarehouseID:       m.WarehouseID,
		SourceWarehouseID: m.SourceWarehouseID,
		TargetWarehouseID: m.TargetWarehouseID,
		Quantity:          m.Quantity,
		Delta:             m.Delta,
		Reference:         m.Reference,
		Notes:             m.Notes,
		OccurredAt:        m.OccurredAt,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationFields flattens validator errors to field -> failed tag.
func validationFields(err error) map[string]string {
	fields := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fields
	}
	for _, fe := range validationErrors {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}

// requiresManagerPIN lists movements that correct stock outside the normal
// purchase and sale flow.
func requiresManagerPIN(kind domain.TransactionType) bool {
	return kind == domain.TxAdjustment || kind == domain.TxWriteOff
}

func (a *API) handleMovement(kind domain.TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiresManagerPIN(kind) && a.auth.PINRequired() {
			if !a.pinLimiter.Allow(clientKey(r)) {
				writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
				return
			}
			if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
				writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
				return
			}
		}

		var req movementRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationFields(err),
			})
			return
		}

		result, err := a.service.Apply(r.Context(), kind, req.params(), r.Header.Get("Idempotency-Key"))
		if err != nil {
			a.fail(w, r, err)
			return
		}

		status := http.StatusCreated
		if result.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, result)
	}
}
