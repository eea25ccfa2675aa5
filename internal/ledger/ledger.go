// Package ledger applies stock movements. Each movement is one unit of work
// that updates one or two stock levels and appends exactly one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 25 * time.Millisecond
	// maxFutureSkew tolerates terminal clocks running slightly ahead.
	maxFutureSkew = 5 * time.Minute
)

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
}

type Ledger struct {
	repo        store.Repository
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func New(repo store.Repository, logger *zap.Logger, opts Options) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		repo:        repo,
		logger:      logger.Named("ledger"),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         opts.Now,
	}
}

// leg is the signed on-hand change at one warehouse.
type leg struct {
	warehouseID string
	delta       quantity.Quantity
}

type plan struct {
	kind domain.TransactionType
	legs []leg
	tx   domain.StockTransaction
}

// ApplyMovement validates params for kind and applies it atomically.
// Serialization conflicts are replayed up to MaxAttempts times; validation and
// stock errors are returned on the first attempt.
func (l *Ledger) ApplyMovement(ctx context.Context, kind domain.TransactionType, params domain.MovementParams) (domain.MovementResult, error) {
	p, err := l.prepare(kind, params)
	if err != nil {
		return domain.MovementResult{}, err
	}

	for attempt := 1; ; attempt++ {
		result, err := l.apply(ctx, p)
		if err == nil {
			return result, nil
		}

		switch {
		case errors.Is(err, store.ErrInvalidMovement), errors.Is(err, store.ErrInsufficientStock):
			return domain.MovementResult{}, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return domain.MovementResult{}, err
		case !errors.Is(err, store.ErrConflict):
			l.logger.Error("apply movement failed",
				zap.String("kind", string(kind)),
				zap.String("item_id", p.tx.ItemID),
				zap.Error(err),
			)
			return domain.MovementResult{}, err
		}

		if attempt >= l.maxAttempts {
			l.logger.Warn("movement conflict retries exhausted",
				zap.String("kind", string(kind)),
				zap.String("item_id", p.tx.ItemID),
				zap.Int("attempts", attempt),
			)
			return domain.MovementResult{}, fmt.Errorf("apply %s movement after %d attempts: %w", kind, attempt, err)
		}

		l.logger.Warn("movement conflict, retrying",
			zap.String("kind", string(kind)),
			zap.String("item_id", p.tx.ItemID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(time.Duration(attempt) * l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.MovementResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// prepare validates inputs without touching the store.
func (l *Ledger) prepare(kind domain.TransactionType, params domain.MovementParams) (plan, error) {
	if _, ok := domain.ParseTransactionType(string(kind)); !ok {
		return plan{}, invalid(kind, "type", "is not supported")
	}

	itemID := strings.TrimSpace(params.ItemID)
	if itemID == "" {
		return plan{}, invalid(kind, "item_id", "is required")
	}

	now := l.now()
	occurredAt := now
	if params.OccurredAt != nil {
		if params.OccurredAt.IsZero() {
			return plan{}, invalid(kind, "occurred_at", "is not a valid time")
		}
		if params.OccurredAt.After(now.Add(maxFutureSkew)) {
			return plan{}, invalid(kind, "occurred_at", "is in the future")
		}
		occurredAt = params.OccurredAt.UTC()
	}

	p := plan{
		kind: kind,
		tx: domain.StockTransaction{
			ID:          xid.New("stx"),
			ItemID:      itemID,
			Type:        kind,
			Reference:   strings.TrimSpace(params.Reference),
			Notes:       strings.TrimSpace(params.Notes),
			PerformedBy: strings.TrimSpace(params.PerformedBy),
			OccurredAt:  occurredAt,
		},
	}

	if kind == domain.TxAdjustment {
		if params.Delta.IsZero() {
			return plan{}, invalid(kind, "delta", "must not be zero")
		}
		warehouseID := strings.TrimSpace(params.WarehouseID)
		if warehouseID == "" {
			return plan{}, invalid(kind, "warehouse_id", "is required")
		}
		p.legs = []leg{{warehouseID: warehouseID, delta: params.Delta}}
		p.tx.Quantity = params.Delta.Abs()
		p.tx.Delta = params.Delta
		if params.Delta.IsPositive() {
			p.tx.TargetWarehouseID = &warehouseID
		} else {
			p.tx.SourceWarehouseID = &warehouseID
		}
		return p, nil
	}

	if !params.Quantity.IsPositive() {
		return plan{}, invalid(kind, "quantity", "must be greater than zero")
	}
	qty := params.Quantity
	p.tx.Quantity = qty

	switch {
	case kind == domain.TxTransfer:
		source := strings.TrimSpace(params.SourceWarehouseID)
		target := strings.TrimSpace(params.TargetWarehouseID)
		if source == "" {
			return plan{}, invalid(kind, "source_warehouse_id", "is required")
		}
		if target == "" {
			return plan{}, invalid(kind, "target_warehouse_id", "is required")
		}
		if source == target {
			return plan{}, invalid(kind, "target_warehouse_id", "must differ from the source warehouse")
		}
		p.legs = []leg{{warehouseID: source, delta: qty.Neg()}, {warehouseID: target, delta: qty}}
		p.tx.SourceWarehouseID = &source
		p.tx.TargetWarehouseID = &target
		return p, nil

	case kind == domain.TxInbound || kind == domain.TxReturn:
		warehouseID := strings.TrimSpace(params.WarehouseID)
		if warehouseID == "" {
			return plan{}, invalid(kind, "warehouse_id", "is required")
		}
		if kind == domain.TxReturn && p.tx.Reference == "" {
			return plan{}, invalid(kind, "reference", "is required to tie the return to its sale")
		}
		p.legs = []leg{{warehouseID: warehouseID, delta: qty}}
		p.tx.Delta = qty
		p.tx.TargetWarehouseID = &warehouseID
		return p, nil

	case kind.Debits():
		warehouseID := strings.TrimSpace(params.WarehouseID)
		if warehouseID == "" {
			return plan{}, invalid(kind, "warehouse_id", "is required")
		}
		p.legs = []leg{{warehouseID: warehouseID, delta: qty.Neg()}}
		p.tx.Delta = qty.Neg()
		p.tx.SourceWarehouseID = &warehouseID
		return p, nil
	}

	return plan{}, invalid(kind, "type", "is not supported")
}

func (l *Ledger) apply(ctx context.Context, p plan) (domain.MovementResult, error) {
	uow, err := l.repo.Begin(ctx)
	if err != nil {
		return domain.MovementResult{}, err
	}
	defer func() { _ = uow.Rollback(context.WithoutCancel(ctx)) }()

	item, err := uow.GetItem(ctx, p.tx.ItemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.MovementResult{}, &InvalidMovementError{Kind: p.kind, Field: "item_id", Reason: "does not exist", Err: err}
		}
		return domain.MovementResult{}, err
	}
	if item.Deleted() {
		return domain.MovementResult{}, &InvalidMovementError{Kind: p.kind, Field: "item_id", Reason: "has been deleted", Err: store.ErrNotFound}
	}

	for _, lg := range p.legs {
		if _, err := uow.GetWarehouse(ctx, lg.warehouseID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.MovementResult{}, &InvalidMovementError{Kind: p.kind, Field: "warehouse_id", Reason: fmt.Sprintf("%q does not exist", lg.warehouseID), Err: err}
			}
			return domain.MovementResult{}, err
		}
	}

	// Lock in warehouse order so two opposite transfers cannot deadlock.
	ordered := slices.Clone(p.legs)
	slices.SortFunc(ordered, func(a, b leg) int {
		return strings.Compare(a.warehouseID, b.warehouseID)
	})
	for _, lg := range ordered {
		level, err := uow.LockStockLevel(ctx, p.tx.ItemID, lg.warehouseID)
		if err != nil {
			return domain.MovementResult{}, err
		}
		next := level.QuantityOnHand.Add(lg.delta)
		if next.IsNegative() {
			return domain.MovementResult{}, &InsufficientStockError{
				ItemID:      p.tx.ItemID,
				WarehouseID: lg.warehouseID,
				Available:   level.QuantityOnHand,
				Requested:   lg.delta.Abs(),
			}
		}
		level.QuantityOnHand = next
		if err := uow.SaveStockLevel(ctx, level); err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				return domain.MovementResult{}, &InsufficientStockError{
					ItemID:      p.tx.ItemID,
					WarehouseID: lg.warehouseID,
					Available:   level.QuantityOnHand.Sub(lg.delta),
					Requested:   lg.delta.Abs(),
				}
			}
			return domain.MovementResult{}, err
		}
	}

	tx := p.tx
	tx.CreatedAt = l.now()
	if err := uow.InsertTransaction(ctx, tx); err != nil {
		return domain.MovementResult{}, err
	}

	levels := make([]domain.StockLevel, 0, len(p.legs))
	for _, lg := range p.legs {
		level, err := uow.LockStockLevel(ctx, p.tx.ItemID, lg.warehouseID)
		if err != nil {
			return domain.MovementResult{}, err
		}
		levels = append(levels, level)
	}

	if err := uow.Commit(ctx); err != nil {
		return domain.MovementResult{}, err
	}

	return domain.MovementResult{
		TransactionID: tx.ID,
		Transaction:   tx,
		Levels:        levels,
	}, nil
}
