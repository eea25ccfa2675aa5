package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store/memory"
)

type fixture struct {
	t      *testing.T
	now    time.Time
	repo   *memory.Store
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := memory.NewSeeded()
	return &fixture{
		t:      t,
		now:    now,
		repo:   repo,
		ledger: ledger.New(repo, nil, ledger.Options{Now: clock}),
		engine: NewEngine(repo, WithClock(clock)),
	}
}

func (f *fixture) move(kind domain.TransactionType, params domain.MovementParams, ago time.Duration) {
	f.t.Helper()
	at := f.now.Add(-ago)
	params.OccurredAt = &at
	_, err := f.ledger.ApplyMovement(context.Background(), kind, params)
	require.NoError(f.t, err)
}

func (f *fixture) stock(itemID, warehouseID string, n int64) {
	f.move(domain.TxInbound, domain.MovementParams{ItemID: itemID, WarehouseID: warehouseID, Quantity: quantity.FromInt(n)}, 60*day)
}

func (f *fixture) sell(itemID, warehouseID string, n float64, ago time.Duration) {
	f.move(domain.TxSale, domain.MovementParams{ItemID: itemID, WarehouseID: warehouseID, Quantity: quantity.MustFromFloat(n)}, ago)
}

func TestSalesDeltaUnitsAcrossWindows(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 10, 2*day)
	f.sell("item-kopi-250", "wh-pos-front", 5, 9*day)

	delta, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{}, 7, domain.MetricUnits)
	require.NoError(t, err)
	assert.Equal(t, 10.0, delta.Current)
	assert.Equal(t, 5.0, delta.Prior)
	assert.Equal(t, 5.0, delta.Absolute)
	require.NotNil(t, delta.Percentage)
	assert.Equal(t, 100.0, *delta.Percentage)
	assert.Equal(t, domain.DirectionUp, delta.Direction)
}

func TestSalesDeltaWithoutBaselineIsNA(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 4, day)

	delta, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{ItemIDs: []string{"item-kopi-250"}}, 7, domain.MetricUnits)
	require.NoError(t, err)
	assert.Equal(t, 4.0, delta.Absolute)
	assert.Nil(t, delta.Percentage)
	assert.Equal(t, domain.DirectionNA, delta.Direction)

	empty, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{ItemIDs: []string{"item-teh-25"}}, 7, domain.MetricUnits)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionNA, empty.Direction)
}

func TestSalesDeltaFlatAndDown(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 3, 2*day)
	f.sell("item-kopi-250", "wh-pos-front", 3, 10*day)

	delta, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{}, 7, domain.MetricUnits)
	require.NoError(t, err)
	require.NotNil(t, delta.Percentage)
	assert.Equal(t, 0.0, *delta.Percentage)
	assert.Equal(t, domain.DirectionFlat, delta.Direction)

	f.sell("item-kopi-250", "wh-pos-front", 6, 12*day)
	delta, err = f.engine.SalesDelta(context.Background(), domain.DeltaScope{}, 7, domain.MetricUnits)
	require.NoError(t, err)
	require.NotNil(t, delta.Percentage)
	assert.Equal(t, -66.67, *delta.Percentage)
	assert.Equal(t, domain.DirectionDown, delta.Direction)
}

func TestSalesDeltaWindowBoundary(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 2, 7*day)

	delta, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{}, 7, domain.MetricUnits)
	require.NoError(t, err)
	assert.Equal(t, 2.0, delta.Current, "a sale exactly rangeDays ago belongs to the current window")
	assert.Equal(t, 0.0, delta.Prior)
}

func TestSalesDeltaScopedToSeveralItems(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"item-kopi-250", "item-teh-25", "item-beras-5kg"} {
		f.stock(id, "wh-central", 50)
		f.sell(id, "wh-central", 10, 2*day)
	}

	delta, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{ItemIDs: []string{"item-kopi-250", "item-teh-25"}}, 7, domain.MetricUnits)
	require.NoError(t, err)
	assert.Equal(t, 20.0, delta.Current)

	delta, err = f.engine.SalesDelta(context.Background(), domain.DeltaScope{WarehouseIDs: []string{"wh-pos-front", "wh-pos-kiosk"}}, 7, domain.MetricUnits)
	require.NoError(t, err)
	assert.Equal(t, 0.0, delta.Current)
}

func TestSalesDeltaRevenue(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.stock("item-gula-1kg", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 2, day)
	// gula carries its price as a string
	f.sell("item-gula-1kg", "wh-pos-front", 1.5, 2*day)
	f.sell("item-kopi-250", "wh-pos-front", 1, 8*day)

	delta, err := f.engine.SalesDelta(context.Background(), domain.DeltaScope{WarehouseIDs: []string{"wh-pos-front"}}, 7, domain.MetricRevenue)
	require.NoError(t, err)
	assert.Equal(t, 90100.0, delta.Current)
	assert.Equal(t, 32000.0, delta.Prior)
	assert.Equal(t, 58100.0, delta.Absolute)
	require.NotNil(t, delta.Percentage)
	assert.Equal(t, 181.56, *delta.Percentage)
	assert.Equal(t, domain.DirectionUp, delta.Direction)

	_, err = f.engine.SalesDelta(context.Background(), domain.DeltaScope{}, 7, "margin")
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestVelocityNeedsThreeObservedDays(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 1, day)

	v, err := f.engine.Velocity(context.Background(), "item-kopi-250", "", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, v.ObservedDays)
	assert.Equal(t, quantity.FromInt(1), v.TotalSold)
	assert.Nil(t, v.AverageDaily)

	f.sell("item-kopi-250", "wh-pos-front", 8, 4*day-time.Hour)
	v, err = f.engine.Velocity(context.Background(), "item-kopi-250", "wh-pos-front", 7)
	require.NoError(t, err)
	assert.Equal(t, 4, v.ObservedDays)
	require.NotNil(t, v.AverageDaily)
	assert.Equal(t, 2.25, *v.AverageDaily)
}

func TestVelocityObservedDaysCappedByRange(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 14, 7*day)
	f.sell("item-kopi-250", "wh-pos-front", 50, 20*day)

	v, err := f.engine.Velocity(context.Background(), "item-kopi-250", "", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v.ObservedDays)
	assert.Equal(t, quantity.FromInt(14), v.TotalSold)
	require.NotNil(t, v.AverageDaily)
	assert.Equal(t, 2.0, *v.AverageDaily)
}

func TestVelocityWithoutSales(t *testing.T) {
	f := newFixture(t)
	v, err := f.engine.Velocity(context.Background(), "item-teh-25", "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRangeDays, v.RangeDays)
	assert.Nil(t, v.AverageDaily)
	assert.True(t, v.TotalSold.IsZero())

	v, err = f.engine.Velocity(context.Background(), "item-teh-25", "", 5000)
	require.NoError(t, err)
	assert.Equal(t, MaxRangeDays, v.RangeDays)
}

func TestDaysOfCover(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 9, 3*day)

	cover, err := f.engine.DaysOfCover(context.Background(), "item-kopi-250", "wh-pos-front", quantity.FromInt(10), 7, 0)
	require.NoError(t, err)
	require.NotNil(t, cover.Days)
	assert.Equal(t, 3.3, *cover.Days)
	assert.Equal(t, domain.CoverOK, cover.Status)
	assert.Equal(t, DefaultRiskThresholdDays, cover.RiskThresholdDays)

	cover, err = f.engine.DaysOfCover(context.Background(), "item-kopi-250", "wh-pos-front", quantity.FromInt(9), 7, 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, *cover.Days)
	assert.Equal(t, domain.CoverRisk, cover.Status, "cover equal to the threshold is a risk")

	cover, err = f.engine.DaysOfCover(context.Background(), "item-teh-25", "wh-pos-front", quantity.FromInt(9), 7, 3)
	require.NoError(t, err)
	assert.Nil(t, cover.Days)
	assert.Equal(t, domain.CoverInsufficientData, cover.Status)
}

func TestCoverWithoutSoldUnitsIsInsufficient(t *testing.T) {
	tiny := 1e-320
	cover := coverFromVelocity(domain.Velocity{AverageDaily: &tiny, ObservedDays: 7}, quantity.FromInt(1_000_000_000), 3)
	assert.Equal(t, domain.CoverInsufficientData, cover.Status)
	assert.Nil(t, cover.Days)
}

func TestCoverUsesUnroundedDailyRate(t *testing.T) {
	f := newFixture(t)
	f.stock("item-kopi-250", "wh-pos-front", 100)
	f.sell("item-kopi-250", "wh-pos-front", 1, 7*day)

	cover, err := f.engine.DaysOfCover(context.Background(), "item-kopi-250", "wh-pos-front", quantity.FromInt(20), 7, 0)
	require.NoError(t, err)
	require.NotNil(t, cover.Velocity.AverageDaily)
	assert.Equal(t, 0.143, *cover.Velocity.AverageDaily)
	require.NotNil(t, cover.Days)
	assert.Equal(t, 140.0, *cover.Days)
}

func TestCoverStatusNotFlippedByRounding(t *testing.T) {
	f := newFixture(t)
	f.stock("item-gula-1kg", "wh-central", 10)
	f.sell("item-gula-1kg", "wh-central", 0.045, 30*day)

	cover, err := f.engine.DaysOfCover(context.Background(), "item-gula-1kg", "wh-central", quantity.MustFromFloat(0.006), 30, 3)
	require.NoError(t, err)
	assert.Equal(t, 30, cover.Velocity.ObservedDays)
	require.NotNil(t, cover.Days)
	assert.Equal(t, 4.0, *cover.Days)
	assert.Equal(t, domain.CoverOK, cover.Status)
}

func TestInboundCoverage(t *testing.T) {
	f := newFixture(t)
	refs := []string{"PO-3", "PO-1", "PO-3", "", "PO-2", "PO-4", "PO-5", "PO-6"}
	for i, ref := range refs {
		f.move(domain.TxInbound, domain.MovementParams{
			ItemID: "item-beras-5kg", WarehouseID: "wh-central", Quantity: quantity.FromInt(2), Reference: ref,
		}, time.Duration(10-i)*day)
	}
	f.move(domain.TxInbound, domain.MovementParams{ItemID: "item-beras-5kg", WarehouseID: "wh-central", Quantity: quantity.FromInt(50), Reference: "PO-OLD"}, 40*day)

	coverage, err := f.engine.InboundCoverage(context.Background(), "item-beras-5kg", 14)
	require.NoError(t, err)
	assert.Equal(t, quantity.FromInt(16), coverage.TotalInbound)
	require.NotNil(t, coverage.NextArrival)
	assert.True(t, coverage.NextArrival.Equal(f.now.Add(-10*day)))
	assert.Equal(t, []string{"PO-3", "PO-1", "PO-2", "PO-4", "PO-5"}, coverage.References)

	none, err := f.engine.InboundCoverage(context.Background(), "item-teh-25", 14)
	require.NoError(t, err)
	assert.Nil(t, none.NextArrival)
	assert.Empty(t, none.References)
}

func TestUnitPrice(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]any
		want     string
	}{
		{"nil metadata", nil, "0"},
		{"camel case", map[string]any{"unitPrice": 1250.5}, "1250.5"},
		{"snake case string", map[string]any{"unit_price": " 99.90 "}, "99.9"},
		{"plain price", map[string]any{"price": 7}, "7"},
		{"first key wins", map[string]any{"unitPrice": 3, "price": 9}, "3"},
		{"json number", map[string]any{"price": json.Number("12.75")}, "12.75"},
		{"non numeric", map[string]any{"unitPrice": "free"}, "0"},
		{"negative", map[string]any{"unitPrice": -5}, "0"},
		{"wrong type", map[string]any{"unitPrice": []int{1}}, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := UnitPrice(tc.metadata)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s", got)
		})
	}
}

func TestStockWarnings(t *testing.T) {
	snapshot := domain.Snapshot{Items: []domain.ItemSnapshot{
		{ItemID: "a", SKU: "A", Warehouses: []domain.WarehouseQuantity{
			{WarehouseID: "wh-central", QuantityOnHand: quantity.FromInt(40)},
			{WarehouseID: "wh-pos-front", QuantityOnHand: quantity.FromInt(9)},
		}},
		{ItemID: "b", SKU: "B", Warehouses: []domain.WarehouseQuantity{
			{WarehouseID: "wh-pos-front", QuantityOnHand: quantity.FromInt(2)},
			{WarehouseID: "wh-none", QuantityOnHand: quantity.Zero},
		}},
	}}
	warehouses := []domain.Warehouse{
		{ID: "wh-central", Type: domain.WarehouseCentral, StockThreshold: quantity.FromInt(40)},
		{ID: "wh-pos-front", Type: domain.WarehousePOS, StockThreshold: quantity.FromInt(8)},
		{ID: "wh-none", Type: domain.WarehousePOS},
	}

	warnings := StockWarnings(snapshot, warehouses)
	require.Len(t, warnings, 2)
	assert.Equal(t, domain.WarningBelowReorderPoint, warnings[0].Kind)
	assert.Equal(t, "a", warnings[0].ItemID)
	assert.Equal(t, domain.WarningBelowSafetyStock, warnings[1].Kind)
	assert.Equal(t, "b", warnings[1].ItemID)
}
