package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

type levelKey struct {
	warehouseID string
	itemID      string
}

// Store keeps the catalog, stock levels and ledger in process memory. A unit
// of work holds the write lock from Begin until Commit or Rollback, so
// movements are serialized; aggregate reads share the read lock.
type Store struct {
	mu           sync.RWMutex
	now          func() time.Time
	items        map[string]domain.Item
	skuIndex     map[string]string
	warehouses   map[string]domain.Warehouse
	slugIndex    map[string]string
	levels       map[levelKey]domain.StockLevel
	transactions []domain.StockTransaction
}

func New() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		items:        make(map[string]domain.Item),
		skuIndex:     make(map[string]string),
		warehouses:   make(map[string]domain.Warehouse),
		slugIndex:    make(map[string]string),
		levels:       make(map[levelKey]domain.StockLevel),
		transactions: make([]domain.StockTransaction, 0, 256),
	}
}

// NewSeeded returns a store with a demo catalog: one central warehouse, two
// POS locations and a handful of items. Stock starts empty; opening balances
// are expected to arrive through the ledger.
func NewSeeded() *Store {
	s := New()
	now := s.now()

	warehouses := []domain.Warehouse{
		{ID: "wh-central", Slug: "central", Name: "Central Warehouse", Type: domain.WarehouseCentral, StockThreshold: quantity.FromInt(40)},
		{ID: "wh-pos-front", Slug: "pos-front", Name: "Front Counter", Type: domain.WarehousePOS, StockThreshold: quantity.FromInt(8)},
		{ID: "wh-pos-kiosk", Slug: "pos-kiosk", Name: "Mall Kiosk", Type: domain.WarehousePOS, StockThreshold: quantity.FromInt(5)},
	}
	for _, w := range warehouses {
		w.CreatedAt = now
		s.warehouses[w.ID] = w
		s.slugIndex[w.Slug] = w.ID
	}

	items := []domain.Item{
		{ID: "item-kopi-250", SKU: "KOPI-250", Name: "Kopi Bubuk 250g", Unit: "pack", Metadata: map[string]any{"unitPrice": 32000}},
		{ID: "item-teh-25", SKU: "TEH-25", Name: "Teh Celup 25s", Unit: "box", Metadata: map[string]any{"unitPrice": 9800}},
		{ID: "item-gula-1kg", SKU: "GULA-1KG", Name: "Gula Pasir 1kg", Unit: "kg", Metadata: map[string]any{"unitPrice": "17400"}},
		{ID: "item-susu-1l", SKU: "SUSU-1L", Name: "Susu UHT 1L", Unit: "bottle", Metadata: map[string]any{"unitPrice": 18900}},
		{ID: "item-beras-5kg", SKU: "BERAS-5KG", Name: "Beras Premium 5kg", Unit: "sack", Metadata: map[string]any{"unitPrice": 74500}},
	}
	for _, item := range items {
		item.Active = true
		item.CreatedAt = now
		s.items[item.ID] = item
		s.skuIndex[item.SKU] = item.ID
	}

	return s
}

func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &unitOfWork{
		store:  s,
		locked: make(map[levelKey]domain.StockLevel, 2),
		dirty:  make(map[levelKey]domain.StockLevel, 2),
	}, nil
}

type unitOfWork struct {
	store  *Store
	locked map[levelKey]domain.StockLevel
	dirty  map[levelKey]domain.StockLevel
	txs    []domain.StockTransaction
	done   bool
}

func (u *unitOfWork) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	if u.done {
		return nil, errUnitClosed
	}
	item, ok := u.store.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := cloneItem(item)
	return &copied, nil
}

func (u *unitOfWork) GetWarehouse(_ context.Context, warehouseID string) (*domain.Warehouse, error) {
	if u.done {
		return nil, errUnitClosed
	}
	warehouse, ok := u.store.warehouses[warehouseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &warehouse, nil
}

func (u *unitOfWork) LockStockLevel(ctx context.Context, itemID string, warehouseID string) (domain.StockLevel, error) {
	if u.done {
		return domain.StockLevel{}, errUnitClosed
	}
	if err := ctx.Err(); err != nil {
		return domain.StockLevel{}, err
	}
	key := levelKey{warehouseID: warehouseID, itemID: itemID}
	if level, ok := u.dirty[key]; ok {
		return level, nil
	}
	if level, ok := u.locked[key]; ok {
		return level, nil
	}
	level, ok := u.store.levels[key]
	if !ok {
		level = domain.StockLevel{WarehouseID: warehouseID, ItemID: itemID, UpdatedAt: u.store.now()}
	}
	u.locked[key] = level
	return level, nil
}

func (u *unitOfWork) SaveStockLevel(_ context.Context, level domain.StockLevel) error {
	if u.done {
		return errUnitClosed
	}
	key := levelKey{warehouseID: level.WarehouseID, itemID: level.ItemID}
	if _, ok := u.locked[key]; !ok {
		return errors.New("stock level saved without lock")
	}
	if level.QuantityOnHand.IsNegative() || level.QuantityReserved.IsNegative() {
		return store.ErrInsufficientStock
	}
	level.UpdatedAt = u.store.now()
	u.dirty[key] = level
	return nil
}

func (u *unitOfWork) InsertTransaction(_ context.Context, tx domain.StockTransaction) error {
	if u.done {
		return errUnitClosed
	}
	if tx.ID == "" {
		tx.ID = xid.New("stx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = u.store.now()
	}
	u.txs = append(u.txs, tx)
	return nil
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return errUnitClosed
	}
	if err := ctx.Err(); err != nil {
		_ = u.Rollback(ctx)
		return err
	}
	for key, level := range u.dirty {
		u.store.levels[key] = level
	}
	u.store.transactions = append(u.store.transactions, u.txs...)
	u.done = true
	u.store.mu.Unlock()
	return nil
}

func (u *unitOfWork) Rollback(_ context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	u.store.mu.Unlock()
	return nil
}

var errUnitClosed = errors.New("unit of work already finished")

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	item.SKU = strings.TrimSpace(item.SKU)
	item.Name = strings.TrimSpace(item.Name)
	if item.SKU == "" || item.Name == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.skuIndex[item.SKU]; exists {
		return nil, store.ErrInvalidRecord
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	if _, exists := s.items[item.ID]; exists {
		return nil, store.ErrInvalidRecord
	}
	if item.Unit == "" {
		item.Unit = "pcs"
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	item.Active = true
	item.DeletedAt = nil
	s.items[item.ID] = cloneItem(item)
	s.skuIndex[item.SKU] = item.ID

	created := cloneItem(item)
	return &created, nil
}

func (s *Store) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := cloneItem(item)
	return &copied, nil
}

func (s *Store) ListItems(_ context.Context, includeInactive bool) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		if item.Deleted() {
			continue
		}
		if !item.Active && !includeInactive {
			continue
		}
		items = append(items, cloneItem(item))
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		return strings.Compare(a.SKU, b.SKU)
	})
	return items, nil
}

func (s *Store) GetItemsByIDs(_ context.Context, itemIDs []string) (map[string]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Item, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := s.items[id]; ok {
			result[id] = cloneItem(item)
		}
	}
	return result, nil
}

// DeleteItem tombstones the item. Stock levels and ledger rows stay.
func (s *Store) DeleteItem(_ context.Context, itemID string) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.Deleted() {
		return nil, store.ErrNotFound
	}
	deletedAt := s.now()
	item.Active = false
	item.DeletedAt = &deletedAt
	s.items[itemID] = item

	deleted := cloneItem(item)
	return &deleted, nil
}

func (s *Store) CreateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	warehouse.Slug = strings.TrimSpace(warehouse.Slug)
	if warehouse.Slug == "" || strings.TrimSpace(warehouse.Name) == "" || !warehouse.Type.Valid() {
		return nil, store.ErrInvalidRecord
	}
	if warehouse.StockThreshold.IsNegative() {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.slugIndex[warehouse.Slug]; exists {
		return nil, store.ErrInvalidRecord
	}
	if warehouse.ID == "" {
		warehouse.ID = xid.New("wh")
	}
	if _, exists := s.warehouses[warehouse.ID]; exists {
		return nil, store.ErrInvalidRecord
	}
	if warehouse.CreatedAt.IsZero() {
		warehouse.CreatedAt = s.now()
	}
	s.warehouses[warehouse.ID] = warehouse
	s.slugIndex[warehouse.Slug] = warehouse.ID

	created := warehouse
	return &created, nil
}

func (s *Store) ListWarehouses(_ context.Context) ([]domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedWarehouses(nil), nil
}

func (s *Store) GetStockLevels(_ context.Context, itemID string) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make([]domain.StockLevel, 0, len(s.warehouses))
	for key, level := range s.levels {
		if key.itemID == itemID {
			levels = append(levels, level)
		}
	}
	slices.SortFunc(levels, func(a, b domain.StockLevel) int {
		return strings.Compare(a.WarehouseID, b.WarehouseID)
	})
	return levels, nil
}

func (s *Store) LoadInventory(_ context.Context, scope domain.SnapshotScope) (domain.InventoryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	itemFilter := toSet(scope.ItemIDs)
	warehouseFilter := toSet(scope.WarehouseIDs)

	state := domain.InventoryState{
		Items:      make([]domain.Item, 0, len(s.items)),
		Warehouses: s.sortedWarehouses(warehouseFilter),
		Levels:     make([]domain.StockLevel, 0, len(s.levels)),
		ReadAt:     s.now(),
	}

	included := make(map[string]struct{}, len(s.items))
	for _, item := range s.items {
		if !item.Active || item.Deleted() {
			continue
		}
		if itemFilter != nil {
			if _, ok := itemFilter[item.ID]; !ok {
				continue
			}
		}
		included[item.ID] = struct{}{}
		state.Items = append(state.Items, cloneItem(item))
	}
	slices.SortFunc(state.Items, func(a, b domain.Item) int {
		return strings.Compare(a.SKU, b.SKU)
	})

	for key, level := range s.levels {
		if _, ok := included[key.itemID]; !ok {
			continue
		}
		if warehouseFilter != nil {
			if _, ok := warehouseFilter[key.warehouseID]; !ok {
				continue
			}
		}
		state.Levels = append(state.Levels, level)
	}
	slices.SortFunc(state.Levels, func(a, b domain.StockLevel) int {
		if c := strings.Compare(a.ItemID, b.ItemID); c != 0 {
			return c
		}
		return strings.Compare(a.WarehouseID, b.WarehouseID)
	})

	return state, nil
}

func (s *Store) ListTransactions(_ context.Context, itemID string, filter domain.HistoryFilter) ([]domain.StockTransaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := domain.MovementFilter{ItemID: itemID, WarehouseID: filter.WarehouseID, Types: filter.Types}
	matched := make([]domain.StockTransaction, 0, 64)
	for _, tx := range s.transactions {
		if !match.Matches(tx) {
			continue
		}
		if filter.From != nil && tx.OccurredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && tx.OccurredAt.After(*filter.To) {
			continue
		}
		matched = append(matched, tx)
	}

	slices.SortStableFunc(matched, func(a, b domain.StockTransaction) int {
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return b.OccurredAt.Compare(a.OccurredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return b.CreatedAt.Compare(a.CreatedAt)
		}
		return strings.Compare(b.ID, a.ID)
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	page := make([]domain.StockTransaction, end-start)
	copy(page, matched[start:end])
	return page, total, nil
}

func (s *Store) AggregateMovements(_ context.Context, filter domain.MovementFilter) (domain.MovementAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg domain.MovementAggregate
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			accumulate(&agg, tx)
		}
	}
	return agg, nil
}

func (s *Store) SumMovementsByItem(_ context.Context, filter domain.MovementFilter) (map[string]domain.MovementAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.MovementAggregate)
	for _, tx := range s.transactions {
		if !filter.Matches(tx) {
			continue
		}
		agg := result[tx.ItemID]
		accumulate(&agg, tx)
		result[tx.ItemID] = agg
	}
	return result, nil
}

func (s *Store) DistinctReferences(_ context.Context, filter domain.MovementFilter, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.StockTransaction, 0, 16)
	for _, tx := range s.transactions {
		if filter.Matches(tx) && strings.TrimSpace(tx.Reference) != "" {
			matched = append(matched, tx)
		}
	}
	slices.SortStableFunc(matched, func(a, b domain.StockTransaction) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})

	refs := make([]string, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, tx := range matched {
		if limit > 0 && len(refs) >= limit {
			break
		}
		if _, dup := seen[tx.Reference]; dup {
			continue
		}
		seen[tx.Reference] = struct{}{}
		refs = append(refs, tx.Reference)
	}
	return refs, nil
}

func (s *Store) sortedWarehouses(filter map[string]struct{}) []domain.Warehouse {
	warehouses := make([]domain.Warehouse, 0, len(s.warehouses))
	for _, w := range s.warehouses {
		if filter != nil {
			if _, ok := filter[w.ID]; !ok {
				continue
			}
		}
		warehouses = append(warehouses, w)
	}
	slices.SortFunc(warehouses, func(a, b domain.Warehouse) int {
		return strings.Compare(a.Slug, b.Slug)
	})
	return warehouses
}

func accumulate(agg *domain.MovementAggregate, tx domain.StockTransaction) {
	agg.Total = agg.Total.Add(tx.Quantity)
	agg.Count++
	at := tx.OccurredAt
	if agg.Earliest == nil || at.Before(*agg.Earliest) {
		earliest := at
		agg.Earliest = &earliest
	}
	if agg.Latest == nil || at.After(*agg.Latest) {
		latest := at
		agg.Latest = &latest
	}
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func cloneItem(src domain.Item) domain.Item {
	dst := src
	if src.Metadata != nil {
		dst.Metadata = maps.Clone(src.Metadata)
	}
	if src.DeletedAt != nil {
		deletedAt := *src.DeletedAt
		dst.DeletedAt = &deletedAt
	}
	return dst
}
