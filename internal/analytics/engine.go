// Package analytics derives sales velocity, days of cover, inbound coverage
// and sales deltas from the ledger. It never writes.
package analytics

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
)

const (
	DefaultRangeDays         = 30
	MaxRangeDays             = 365
	DefaultRiskThresholdDays = 3
	// MinObservedDays guards against a single early sale producing a
	// misleadingly high daily rate.
	MinObservedDays = 3
	MaxReferences   = 5
)

const day = 24 * time.Hour

var ErrUnknownMetric = errors.New("unknown sales delta metric")

type Engine struct {
	repo             store.Repository
	now              func() time.Time
	defaultRangeDays int
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultRange sets the window used when a caller passes rangeDays <= 0.
func WithDefaultRange(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.defaultRangeDays = min(days, MaxRangeDays)
		}
	}
}

func NewEngine(repo store.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:             repo,
		now:              func() time.Time { return time.Now().UTC() },
		defaultRangeDays: DefaultRangeDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RangeDays(rangeDays int) int {
	switch {
	case rangeDays <= 0:
		return e.defaultRangeDays
	case rangeDays > MaxRangeDays:
		return MaxRangeDays
	}
	return rangeDays
}

func (e *Engine) Velocity(ctx context.Context, itemID string, warehouseID string, rangeDays int) (domain.Velocity, error) {
	return e.velocityAt(ctx, e.now(), itemID, warehouseID, e.RangeDays(rangeDays))
}

func (e *Engine) velocityAt(ctx context.Context, now time.Time, itemID string, warehouseID string, rangeDays int) (domain.Velocity, error) {
	agg, err := e.repo.AggregateMovements(ctx, domain.MovementFilter{
		ItemID:      itemID,
		WarehouseID: warehouseID,
		Types:       []domain.TransactionType{domain.TxSale},
		Since:       now.Add(-time.Duration(rangeDays) * day),
	})
	if err != nil {
		return domain.Velocity{}, err
	}

	v := domain.Velocity{
		ItemID:      itemID,
		WarehouseID: warehouseID,
		RangeDays:   rangeDays,
		TotalSold:   agg.Total,
	}
	if agg.Earliest == nil {
		return v, nil
	}

	elapsed := now.Sub(*agg.Earliest)
	observed := int(math.Ceil(elapsed.Hours() / 24))
	v.ObservedDays = max(1, min(rangeDays, observed))

	if agg.Total.IsPositive() && v.ObservedDays >= MinObservedDays {
		avg := agg.Total.Decimal().
			DivRound(decimal.NewFromInt(int64(v.ObservedDays)), quantity.Scale).
			InexactFloat64()
		v.AverageDaily = &avg
	}
	return v, nil
}

// DaysOfCover estimates how long onHand lasts at the recent sales rate.
func (e *Engine) DaysOfCover(ctx context.Context, itemID string, warehouseID string, onHand quantity.Quantity, rangeDays int, riskThresholdDays int) (domain.DaysOfCover, error) {
	v, err := e.Velocity(ctx, itemID, warehouseID, rangeDays)
	if err != nil {
		return domain.DaysOfCover{}, err
	}
	return coverFromVelocity(v, onHand, riskThresholdDays), nil
}

func coverFromVelocity(v domain.Velocity, onHand quantity.Quantity, riskThresholdDays int) domain.DaysOfCover {
	if riskThresholdDays <= 0 {
		riskThresholdDays = DefaultRiskThresholdDays
	}
	result := domain.DaysOfCover{
		ItemID:            v.ItemID,
		WarehouseID:       v.WarehouseID,
		OnHand:            onHand,
		Status:            domain.CoverInsufficientData,
		RiskThresholdDays: riskThresholdDays,
		Velocity:          v,
	}
	if v.AverageDaily == nil || !v.TotalSold.IsPositive() || v.ObservedDays <= 0 {
		return result
	}

	// AverageDaily is rounded for display; cover divides by the exact rate.
	cover := onHand.Decimal().
		Mul(decimal.NewFromInt(int64(v.ObservedDays))).
		Div(v.TotalSold.Decimal()).
		Round(1).
		InexactFloat64()
	result.Days = &cover
	if cover <= float64(riskThresholdDays) {
		result.Status = domain.CoverRisk
	} else {
		result.Status = domain.CoverOK
	}
	return result
}

func (e *Engine) InboundCoverage(ctx context.Context, itemID string, rangeDays int) (domain.InboundCoverage, error) {
	rangeDays = e.RangeDays(rangeDays)
	filter := domain.MovementFilter{
		ItemID: itemID,
		Types:  []domain.TransactionType{domain.TxInbound},
		Since:  e.now().Add(-time.Duration(rangeDays) * day),
	}

	agg, err := e.repo.AggregateMovements(ctx, filter)
	if err != nil {
		return domain.InboundCoverage{}, err
	}
	refs, err := e.repo.DistinctReferences(ctx, filter, MaxReferences)
	if err != nil {
		return domain.InboundCoverage{}, err
	}
	if refs == nil {
		refs = []string{}
	}

	return domain.InboundCoverage{
		ItemID:       itemID,
		RangeDays:    rangeDays,
		TotalInbound: agg.Total,
		NextArrival:  agg.Earliest,
		References:   refs,
	}, nil
}

// SalesDelta compares the last rangeDays against the equal window before it.
func (e *Engine) SalesDelta(ctx context.Context, scope domain.DeltaScope, rangeDays int, metric domain.DeltaMetric) (domain.SalesDelta, error) {
	if metric != domain.MetricUnits && metric != domain.MetricRevenue {
		return domain.SalesDelta{}, ErrUnknownMetric
	}
	rangeDays = e.RangeDays(rangeDays)
	now := e.now()
	window := time.Duration(rangeDays) * day

	currentFilter := domain.MovementFilter{
		ItemIDs:      scope.ItemIDs,
		WarehouseIDs: scope.WarehouseIDs,
		Types:        []domain.TransactionType{domain.TxSale},
		Since:        now.Add(-window),
	}
	priorFilter := currentFilter
	priorFilter.Since = now.Add(-2 * window)
	priorFilter.Until = now.Add(-window)

	var current, prior decimal.Decimal
	var err error
	if metric == domain.MetricUnits {
		current, err = e.unitsIn(ctx, currentFilter)
		if err == nil {
			prior, err = e.unitsIn(ctx, priorFilter)
		}
	} else {
		current, prior, err = e.revenueIn(ctx, currentFilter, priorFilter)
	}
	if err != nil {
		return domain.SalesDelta{}, err
	}

	return compareWindows(metric, rangeDays, current, prior), nil
}

func (e *Engine) unitsIn(ctx context.Context, filter domain.MovementFilter) (decimal.Decimal, error) {
	agg, err := e.repo.AggregateMovements(ctx, filter)
	if err != nil {
		return decimal.Zero, err
	}
	return agg.Total.Decimal(), nil
}

func (e *Engine) revenueIn(ctx context.Context, currentFilter, priorFilter domain.MovementFilter) (decimal.Decimal, decimal.Decimal, error) {
	currentByItem, err := e.repo.SumMovementsByItem(ctx, currentFilter)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	priorByItem, err := e.repo.SumMovementsByItem(ctx, priorFilter)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	ids := make([]string, 0, len(currentByItem)+len(priorByItem))
	for id := range currentByItem {
		ids = append(ids, id)
	}
	for id := range priorByItem {
		if _, dup := currentByItem[id]; !dup {
			ids = append(ids, id)
		}
	}
	items, err := e.repo.GetItemsByIDs(ctx, ids)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	revenue := func(byItem map[string]domain.MovementAggregate) decimal.Decimal {
		total := decimal.Zero
		for id, agg := range byItem {
			price := UnitPrice(items[id].Metadata)
			total = total.Add(agg.Total.Decimal().Mul(price))
		}
		return total
	}
	return revenue(currentByItem), revenue(priorByItem), nil
}

func compareWindows(metric domain.DeltaMetric, rangeDays int, current, prior decimal.Decimal) domain.SalesDelta {
	absolute := current.Sub(prior)
	result := domain.SalesDelta{
		Metric:    metric,
		RangeDays: rangeDays,
		Current:   current.InexactFloat64(),
		Prior:     prior.InexactFloat64(),
		Absolute:  absolute.InexactFloat64(),
		Direction: domain.DirectionNA,
	}
	if !prior.IsPositive() {
		return result
	}

	pct := absolute.Div(prior).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	result.Percentage = &pct
	switch absolute.Sign() {
	case 1:
		result.Direction = domain.DirectionUp
	case -1:
		result.Direction = domain.DirectionDown
	default:
		result.Direction = domain.DirectionFlat
	}
	return result
}
