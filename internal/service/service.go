package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/analytics"
	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/inventory"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
)

var (
	ErrIdempotencyInFlight  = errors.New("a request with this idempotency key is still in progress")
	ErrIdempotencyKeyReused = errors.New("idempotency key was already used with a different request")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Logger            *zap.Logger
	Idempotency       cache.IdempotencyStore
	IdempotencyTTL    time.Duration
	MaxAttempts       int
	DefaultRangeDays  int
	RiskThresholdDays int
	Now               func() time.Time
}

type Service struct {
	repo              store.Repository
	ledger            *ledger.Ledger
	snapshots         *inventory.Builder
	history           *inventory.History
	analytics         *analytics.Engine
	idempotency       cache.IdempotencyStore
	idempotencyTTL    time.Duration
	riskThresholdDays int
	logger            *zap.Logger
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Idempotency == nil {
		opts.Idempotency = cache.NoopIdempotencyStore{}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.RiskThresholdDays <= 0 {
		opts.RiskThresholdDays = analytics.DefaultRiskThresholdDays
	}

	return &Service{
		repo: repo,
		ledger: ledger.New(repo, opts.Logger, ledger.Options{
			MaxAttempts: opts.MaxAttempts,
			Now:         opts.Now,
		}),
		snapshots: inventory.NewBuilder(repo),
		history:   inventory.NewHistory(repo),
		analytics: analytics.NewEngine(repo,
			analytics.WithClock(opts.Now),
			analytics.WithDefaultRange(opts.DefaultRangeDays),
		),
		idempotency:       opts.Idempotency,
		idempotencyTTL:    opts.IdempotencyTTL,
		riskThresholdDays: opts.RiskThresholdDays,
		logger:            opts.Logger.Named("service"),
	}
}

func (s *Service) Inbound(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxInbound, params, idempotencyKey)
}

func (s *Service) Transfer(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxTransfer, params, idempotencyKey)
}

func (s *Service) Sale(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxSale, params, idempotencyKey)
}

func (s *Service) WriteOff(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxWriteOff, params, idempotencyKey)
}

func (s *Service) Donation(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxDonation, params, idempotencyKey)
}

func (s *Service) Return(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxReturn, params, idempotencyKey)
}

func (s *Service) Adjust(ctx context.Context, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	return s.Apply(ctx, domain.TxAdjustment, params, idempotencyKey)
}

// Apply runs one movement through the ledger. The authenticated actor, when
// present, is recorded as the performer. A non-empty idempotency key makes a
// retried request return the first result instead of moving stock again.
func (s *Service) Apply(ctx context.Context, kind domain.TransactionType, params domain.MovementParams, idempotencyKey string) (domain.MovementResult, error) {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		params.PerformedBy = actor.Username
	}

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return s.ledger.ApplyMovement(ctx, kind, params)
	}

	key := fmt.Sprintf("%s:%s", kind, idempotencyKey)
	fingerprint, err := movementFingerprint(kind, params)
	if err != nil {
		return domain.MovementResult{}, err
	}
	existing, claimed, err := s.idempotency.Claim(ctx, key, fingerprint, s.idempotencyTTL)
	if err != nil {
		s.logger.Warn("idempotency claim failed, applying without replay protection",
			zap.String("key", key), zap.Error(err))
		return s.ledger.ApplyMovement(ctx, kind, params)
	}
	if !claimed {
		switch {
		case existing == nil:
			return domain.MovementResult{}, ErrIdempotencyInFlight
		case existing.Fingerprint != fingerprint:
			return domain.MovementResult{}, ErrIdempotencyKeyReused
		case existing.Result == nil:
			return domain.MovementResult{}, ErrIdempotencyInFlight
		}
		replay := *existing.Result
		replay.Duplicate = true
		return replay, nil
	}

	result, err := s.ledger.ApplyMovement(ctx, kind, params)
	if err != nil {
		s.releaseKey(ctx, key)
		return domain.MovementResult{}, err
	}
	if err := s.idempotency.Complete(context.WithoutCancel(ctx), key, cache.Entry{Fingerprint: fingerprint, Result: &result}, s.idempotencyTTL); err != nil {
		s.logger.Warn("idempotency store failed, releasing key", zap.String("key", key), zap.Error(err))
		s.releaseKey(ctx, key)
	}
	return result, nil
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if err := s.idempotency.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
	}
}

// movementFingerprint identifies the request body behind an idempotency key.
// PerformedBy comes from the caller's token, not the body, so it is left out.
func movementFingerprint(kind domain.TransactionType, params domain.MovementParams) (string, error) {
	params.PerformedBy = ""
	payload, err := json.Marshal(struct {
		Kind   domain.TransactionType
		Params domain.MovementParams
	}{kind, params})
	if err != nil {
		return "", fmt.Errorf("fingerprint movement: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Service) History(ctx context.Context, itemID string, filter domain.HistoryFilter) (domain.TransactionPage, error) {
	return s.history.Query(ctx, itemID, filter)
}

func (s *Service) Snapshot(ctx context.Context, scope domain.SnapshotScope) (domain.Snapshot, error) {
	return s.snapshots.Build(ctx, scope)
}

func (s *Service) Velocity(ctx context.Context, itemID string, warehouseID string, rangeDays int) (domain.Velocity, error) {
	if err := s.requireItem(ctx, itemID); err != nil {
		return domain.Velocity{}, err
	}
	return s.analytics.Velocity(ctx, itemID, warehouseID, rangeDays)
}

// DaysOfCover uses the current on-hand quantity at warehouseID, or across all
// warehouses when warehouseID is empty.
func (s *Service) DaysOfCover(ctx context.Context, itemID string, warehouseID string, rangeDays int, riskThresholdDays int) (domain.DaysOfCover, error) {
	if err := s.requireItem(ctx, itemID); err != nil {
		return domain.DaysOfCover{}, err
	}
	levels, err := s.repo.GetStockLevels(ctx, itemID)
	if err != nil {
		return domain.DaysOfCover{}, err
	}
	onHand := quantity.Zero
	for _, level := range levels {
		if warehouseID == "" || level.WarehouseID == warehouseID {
			onHand = onHand.Add(level.QuantityOnHand)
		}
	}
	return s.analytics.DaysOfCover(ctx, itemID, warehouseID, onHand, rangeDays, s.riskThreshold(riskThresholdDays))
}

func (s *Service) InboundCoverage(ctx context.Context, itemID string, rangeDays int) (domain.InboundCoverage, error) {
	if err := s.requireItem(ctx, itemID); err != nil {
		return domain.InboundCoverage{}, err
	}
	return s.analytics.InboundCoverage(ctx, itemID, rangeDays)
}

func (s *Service) SalesDelta(ctx context.Context, scope domain.DeltaScope, rangeDays int, metric domain.DeltaMetric) (domain.SalesDelta, error) {
	return s.analytics.SalesDelta(ctx, scope, rangeDays, metric)
}

// Dashboard assembles the snapshot with cover, inbound, delta and warning
// figures. Each figure is its own read; the payload as a whole is not one
// point-in-time view.
func (s *Service) Dashboard(ctx context.Context, req domain.DashboardRequest) (domain.Dashboard, error) {
	rangeDays := s.analytics.RangeDays(req.RangeDays)
	risk := s.riskThreshold(req.RiskThresholdDays)

	snapshot, err := s.snapshots.Build(ctx, req.Scope)
	if err != nil {
		return domain.Dashboard{}, err
	}
	warehouses, err := s.repo.ListWarehouses(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}

	dashboard := domain.Dashboard{
		Snapshot:    snapshot,
		RangeDays:   rangeDays,
		ItemCover:   make([]domain.DaysOfCover, 0, len(snapshot.Items)),
		LevelCover:  make([]domain.DaysOfCover, 0, len(snapshot.Items)),
		Inbound:     make([]domain.InboundCoverage, 0, len(snapshot.Items)),
		Warnings:    analytics.StockWarnings(snapshot, warehouses),
		GeneratedAt: snapshot.GeneratedAt,
	}

	for _, item := range snapshot.Items {
		cover, err := s.analytics.DaysOfCover(ctx, item.ItemID, "", item.TotalOnHand, rangeDays, risk)
		if err != nil {
			return domain.Dashboard{}, err
		}
		dashboard.ItemCover = append(dashboard.ItemCover, cover)

		for _, level := range item.Warehouses {
			cover, err := s.analytics.DaysOfCover(ctx, item.ItemID, level.WarehouseID, level.QuantityOnHand, rangeDays, risk)
			if err != nil {
				return domain.Dashboard{}, err
			}
			dashboard.LevelCover = append(dashboard.LevelCover, cover)
		}

		inbound, err := s.analytics.InboundCoverage(ctx, item.ItemID, rangeDays)
		if err != nil {
			return domain.Dashboard{}, err
		}
		dashboard.Inbound = append(dashboard.Inbound, inbound)
	}

	scope := domain.DeltaScope{ItemIDs: req.Scope.ItemIDs, WarehouseIDs: req.Scope.WarehouseIDs}
	if dashboard.UnitsDelta, err = s.analytics.SalesDelta(ctx, scope, rangeDays, domain.MetricUnits); err != nil {
		return domain.Dashboard{}, err
	}
	if dashboard.RevenueDelta, err = s.analytics.SalesDelta(ctx, scope, rangeDays, domain.MetricRevenue); err != nil {
		return domain.Dashboard{}, err
	}

	return dashboard, nil
}

func (s *Service) ListItems(ctx context.Context, includeInactive bool) ([]domain.Item, error) {
	return s.repo.ListItems(ctx, includeInactive)
}

func (s *Service) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

// DeleteItem tombstones the item. Its stock levels and ledger history stay
// readable; new movements on it are rejected.
func (s *Service) DeleteItem(ctx context.Context, itemID string) (domain.Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.Item{}, inventory.ErrItemRequired
	}
	item, err := s.repo.DeleteItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	actor, _ := ActorFromContext(ctx)
	s.logger.Info("item deleted", zap.String("item_id", item.ID), zap.String("sku", item.SKU), zap.String("actor", actor.Username))
	return *item, nil
}

func (s *Service) requireItem(ctx context.Context, itemID string) error {
	if strings.TrimSpace(itemID) == "" {
		return inventory.ErrItemRequired
	}
	_, err := s.repo.GetItem(ctx, itemID)
	return err
}

func (s *Service) riskThreshold(days int) int {
	if days > 0 {
		return days
	}
	return s.riskThresholdDays
}
