package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
)

const (
	itemID  = "item-kopi-250"
	central = "wh-central"
	front   = "wh-pos-front"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo, nil, Options{Backoff: time.Millisecond}), repo
}

func onHand(t *testing.T, repo store.Repository, item string, warehouse string) quantity.Quantity {
	t.Helper()
	levels, err := repo.GetStockLevels(context.Background(), item)
	require.NoError(t, err)
	for _, level := range levels {
		if level.WarehouseID == warehouse {
			return level.QuantityOnHand
		}
	}
	return quantity.Zero
}

func historyTotal(t *testing.T, repo store.Repository, item string) int {
	t.Helper()
	_, total, err := repo.ListTransactions(context.Background(), item, domain.HistoryFilter{})
	require.NoError(t, err)
	return total
}

func qty(n int64) quantity.Quantity { return quantity.FromInt(n) }

func TestInboundCreatesLevelFromZero(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	result, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{
		ItemID: itemID, WarehouseID: central, Quantity: qty(10), Reference: "PO-1",
	})
	require.NoError(t, err)

	assert.Equal(t, qty(10), onHand(t, repo, itemID, central))
	require.Len(t, result.Levels, 1)
	assert.Equal(t, qty(10), result.Levels[0].QuantityOnHand)
	assert.NotEmpty(t, result.TransactionID)

	tx := result.Transaction
	assert.Equal(t, domain.TxInbound, tx.Type)
	assert.Equal(t, qty(10), tx.Quantity)
	assert.Equal(t, qty(10), tx.Delta)
	require.NotNil(t, tx.TargetWarehouseID)
	assert.Equal(t, central, *tx.TargetWarehouseID)
	assert.Nil(t, tx.SourceWarehouseID)
	assert.Equal(t, 1, historyTotal(t, repo, itemID))
}

func TestSaleBeyondStockIsRejected(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(10)})
	require.NoError(t, err)

	_, err = l.ApplyMovement(ctx, domain.TxSale, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(12)})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, qty(10), stockErr.Available)
	assert.Equal(t, qty(12), stockErr.Requested)

	assert.Equal(t, qty(10), onHand(t, repo, itemID, central))
	assert.Equal(t, 1, historyTotal(t, repo, itemID))
}

func TestDebitingKindsDrawFromSource(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(30)})
	require.NoError(t, err)

	remaining := qty(30)
	for _, kind := range domain.TransactionTypes {
		if !kind.Debits() {
			continue
		}
		result, err := l.ApplyMovement(ctx, kind, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(4)})
		require.NoError(t, err, kind)
		remaining = remaining.Sub(qty(4))

		tx := result.Transaction
		assert.Equal(t, qty(4).Neg(), tx.Delta, kind)
		require.NotNil(t, tx.SourceWarehouseID, kind)
		assert.Equal(t, central, *tx.SourceWarehouseID, kind)
		assert.Nil(t, tx.TargetWarehouseID, kind)
	}
	assert.Equal(t, qty(18), remaining)
	assert.Equal(t, remaining, onHand(t, repo, itemID, central))
}

func TestTransferIsZeroSum(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(10)})
	require.NoError(t, err)

	result, err := l.ApplyMovement(ctx, domain.TxTransfer, domain.MovementParams{
		ItemID: itemID, SourceWarehouseID: central, TargetWarehouseID: front, Quantity: qty(4),
	})
	require.NoError(t, err)

	assert.Equal(t, qty(6), onHand(t, repo, itemID, central))
	assert.Equal(t, qty(4), onHand(t, repo, itemID, front))

	require.Len(t, result.Levels, 2)
	assert.Equal(t, central, result.Levels[0].WarehouseID)
	assert.Equal(t, front, result.Levels[1].WarehouseID)

	tx := result.Transaction
	assert.Equal(t, domain.TxTransfer, tx.Type)
	assert.Equal(t, qty(4), tx.Quantity)
	assert.True(t, tx.Delta.IsZero())
	require.NotNil(t, tx.SourceWarehouseID)
	require.NotNil(t, tx.TargetWarehouseID)
	assert.Equal(t, central, *tx.SourceWarehouseID)
	assert.Equal(t, front, *tx.TargetWarehouseID)
}

func TestAdjustmentCannotGoBelowZero(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(10)})
	require.NoError(t, err)
	_, err = l.ApplyMovement(ctx, domain.TxTransfer, domain.MovementParams{ItemID: itemID, SourceWarehouseID: central, TargetWarehouseID: front, Quantity: qty(4)})
	require.NoError(t, err)

	result, err := l.ApplyMovement(ctx, domain.TxAdjustment, domain.MovementParams{ItemID: itemID, WarehouseID: central, Delta: qty(-6)})
	require.NoError(t, err)
	assert.Equal(t, qty(6), result.Transaction.Quantity)
	assert.Equal(t, qty(-6), result.Transaction.Delta)
	require.NotNil(t, result.Transaction.SourceWarehouseID)
	assert.Nil(t, result.Transaction.TargetWarehouseID)

	_, err = l.ApplyMovement(ctx, domain.TxAdjustment, domain.MovementParams{ItemID: itemID, WarehouseID: central, Delta: qty(-1)})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, quantity.Zero, onHand(t, repo, itemID, central))

	result, err = l.ApplyMovement(ctx, domain.TxAdjustment, domain.MovementParams{ItemID: itemID, WarehouseID: central, Delta: quantity.MustFromFloat(2.5)})
	require.NoError(t, err)
	require.NotNil(t, result.Transaction.TargetWarehouseID)
	assert.Equal(t, quantity.MustFromFloat(2.5), onHand(t, repo, itemID, central))
}

func TestRejectedTransferLeavesNoTrace(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(3)})
	require.NoError(t, err)

	_, err = l.ApplyMovement(ctx, domain.TxTransfer, domain.MovementParams{ItemID: itemID, SourceWarehouseID: central, TargetWarehouseID: front, Quantity: qty(5)})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	assert.Equal(t, qty(3), onHand(t, repo, itemID, central))
	levels, err := repo.GetStockLevels(ctx, itemID)
	require.NoError(t, err)
	assert.Len(t, levels, 1, "target row must not be materialized by a rejected transfer")
	assert.Equal(t, 1, historyTotal(t, repo, itemID))
}

func TestDebitFromMissingRowIsRejected(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	for _, kind := range []domain.TransactionType{domain.TxSale, domain.TxWriteOff, domain.TxDonation} {
		_, err := l.ApplyMovement(ctx, kind, domain.MovementParams{ItemID: itemID, WarehouseID: front, Quantity: quantity.MustFromFloat(0.001)})
		require.ErrorIs(t, err, store.ErrInsufficientStock, kind)
	}
	assert.Equal(t, 0, historyTotal(t, repo, itemID))
}

func TestValidationHappensBeforeStore(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		kind   domain.TransactionType
		params domain.MovementParams
		field  string
	}{
		{"zero quantity", domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central}, "quantity"},
		{"negative quantity", domain.TxSale, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(-1)}, "quantity"},
		{"missing item", domain.TxInbound, domain.MovementParams{WarehouseID: central, Quantity: qty(1)}, "item_id"},
		{"missing warehouse", domain.TxDonation, domain.MovementParams{ItemID: itemID, Quantity: qty(1)}, "warehouse_id"},
		{"same warehouse transfer", domain.TxTransfer, domain.MovementParams{ItemID: itemID, SourceWarehouseID: central, TargetWarehouseID: central, Quantity: qty(1)}, "target_warehouse_id"},
		{"transfer without source", domain.TxTransfer, domain.MovementParams{ItemID: itemID, TargetWarehouseID: front, Quantity: qty(1)}, "source_warehouse_id"},
		{"return without reference", domain.TxReturn, domain.MovementParams{ItemID: itemID, WarehouseID: front, Quantity: qty(1), Reference: "  "}, "reference"},
		{"zero delta", domain.TxAdjustment, domain.MovementParams{ItemID: itemID, WarehouseID: central}, "delta"},
		{"unknown kind", domain.TransactionType("shrink"), domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(1)}, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.ApplyMovement(ctx, tc.kind, tc.params)
			require.ErrorIs(t, err, store.ErrInvalidMovement)
			var invalidErr *InvalidMovementError
			require.True(t, errors.As(err, &invalidErr))
			assert.Equal(t, tc.field, invalidErr.Field)
		})
	}
}

func TestUnknownReferencesAreInvalid(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: "item-nope", WarehouseID: central, Quantity: qty(1)})
	require.ErrorIs(t, err, store.ErrInvalidMovement)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: "wh-nope", Quantity: qty(1)})
	require.ErrorIs(t, err, store.ErrInvalidMovement)

	_, err = repo.DeleteItem(ctx, itemID)
	require.NoError(t, err)
	_, err = l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(1)})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReturnRestocksWithReference(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	result, err := l.ApplyMovement(ctx, domain.TxReturn, domain.MovementParams{
		ItemID: itemID, WarehouseID: front, Quantity: qty(2), Reference: "RCPT-88", Notes: "damaged box", PerformedBy: "kasir-1",
	})
	require.NoError(t, err)
	assert.Equal(t, qty(2), onHand(t, repo, itemID, front))
	assert.Equal(t, "RCPT-88", result.Transaction.Reference)
	assert.Equal(t, "kasir-1", result.Transaction.PerformedBy)
}

func TestBackdatedOccurredAt(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	repo := memory.NewSeeded()
	l := New(repo, nil, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	backdated := now.Add(-72 * time.Hour)
	result, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(1), OccurredAt: &backdated})
	require.NoError(t, err)
	assert.True(t, result.Transaction.OccurredAt.Equal(backdated))

	future := now.Add(time.Hour)
	_, err = l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(1), OccurredAt: &future})
	require.ErrorIs(t, err, store.ErrInvalidMovement)
}

func TestConcurrentSalesOnLastUnits(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: front, Quantity: qty(5)})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.ApplyMovement(ctx, domain.TxSale, domain.MovementParams{
				ItemID: itemID, WarehouseID: front, Quantity: qty(1), Reference: fmt.Sprintf("RCPT-%d", i),
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, store.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 5, succeeded.Load())
	assert.EqualValues(t, 15, rejected.Load())
	assert.Equal(t, quantity.Zero, onHand(t, repo, itemID, front))
	assert.Equal(t, 6, historyTotal(t, repo, itemID))
}

// conflictRepo fails the first n commits with a serialization conflict.
type conflictRepo struct {
	*memory.Store
	remaining atomic.Int32
	begins    atomic.Int32
}

type conflictingUnit struct {
	store.UnitOfWork
}

func (c conflictingUnit) Commit(ctx context.Context) error {
	_ = c.UnitOfWork.Rollback(ctx)
	return fmt.Errorf("%w: could not serialize access", store.ErrConflict)
}

func (r *conflictRepo) Begin(ctx context.Context) (store.UnitOfWork, error) {
	r.begins.Add(1)
	uow, err := r.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if r.remaining.Add(-1) >= 0 {
		return conflictingUnit{uow}, nil
	}
	return uow, nil
}

func TestConflictsAreRetried(t *testing.T) {
	repo := &conflictRepo{Store: memory.NewSeeded()}
	repo.remaining.Store(2)
	l := New(repo, nil, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	result, err := l.ApplyMovement(context.Background(), domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(3)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, repo.begins.Load())
	assert.Equal(t, qty(3), result.Levels[0].QuantityOnHand)
	assert.Equal(t, qty(3), onHand(t, repo, itemID, central))
	assert.Equal(t, 1, historyTotal(t, repo, itemID))
}

func TestConflictRetriesAreBounded(t *testing.T) {
	repo := &conflictRepo{Store: memory.NewSeeded()}
	repo.remaining.Store(10)
	l := New(repo, nil, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	_, err := l.ApplyMovement(context.Background(), domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(3)})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.EqualValues(t, 3, repo.begins.Load())
	assert.Equal(t, quantity.Zero, onHand(t, repo, itemID, central))
	assert.Equal(t, 0, historyTotal(t, repo, itemID))
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	repo := &conflictRepo{Store: memory.NewSeeded()}
	l := New(repo, nil, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	_, err := l.ApplyMovement(context.Background(), domain.TxSale, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(1)})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.EqualValues(t, 1, repo.begins.Load())
}

func TestCancelledContextRollsBack(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.ApplyMovement(ctx, domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(3)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, quantity.Zero, onHand(t, repo, itemID, central))

	_, err = l.ApplyMovement(context.Background(), domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: central, Quantity: qty(3)})
	require.NoError(t, err)
}

func TestRandomSequencesNeverGoNegative(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 42))
	warehouses := []string{central, front, "wh-pos-kiosk"}
	kinds := []domain.TransactionType{
		domain.TxInbound, domain.TxTransfer, domain.TxSale, domain.TxWriteOff,
		domain.TxDonation, domain.TxReturn, domain.TxAdjustment,
	}

	expected := map[string]quantity.Quantity{}
	for i := 0; i < 400; i++ {
		kind := kinds[rng.IntN(len(kinds))]
		amount := quantity.Quantity(rng.IntN(8000) + 1)
		wh := warehouses[rng.IntN(len(warehouses))]
		params := domain.MovementParams{ItemID: itemID, WarehouseID: wh, Quantity: amount, Reference: "R"}
		if kind == domain.TxAdjustment {
			params.Delta = amount
			if rng.IntN(2) == 0 {
				params.Delta = amount.Neg()
			}
		}
		if kind == domain.TxTransfer {
			params.SourceWarehouseID = wh
			params.TargetWarehouseID = warehouses[(rng.IntN(len(warehouses)-1)+1+indexOf(warehouses, wh))%len(warehouses)]
		}

		before := map[string]quantity.Quantity{}
		for _, w := range warehouses {
			before[w] = onHand(t, repo, itemID, w)
		}
		_, err := l.ApplyMovement(ctx, kind, params)
		if err != nil {
			require.ErrorIs(t, err, store.ErrInsufficientStock, "step %d kind %s", i, kind)
			for _, w := range warehouses {
				require.Equal(t, before[w], onHand(t, repo, itemID, w), "rejected step %d changed %s", i, w)
			}
			continue
		}

		switch kind {
		case domain.TxInbound, domain.TxReturn:
			expected[wh] = expected[wh].Add(amount)
		case domain.TxSale, domain.TxWriteOff, domain.TxDonation:
			expected[wh] = expected[wh].Sub(amount)
		case domain.TxAdjustment:
			expected[wh] = expected[wh].Add(params.Delta)
		case domain.TxTransfer:
			expected[params.SourceWarehouseID] = expected[params.SourceWarehouseID].Sub(amount)
			expected[params.TargetWarehouseID] = expected[params.TargetWarehouseID].Add(amount)
		}
		for _, w := range warehouses {
			got := onHand(t, repo, itemID, w)
			require.False(t, got.IsNegative(), "step %d left %s negative", i, w)
			require.Equal(t, expected[w], got, "step %d warehouse %s", i, w)
		}
	}
}

func indexOf(values []string, v string) int {
	for i, candidate := range values {
		if candidate == v {
			return i
		}
	}
	return -1
}
