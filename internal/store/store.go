package store

import (
	"context"
	"errors"

	"stockledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidMovement   = errors.New("invalid movement")
	ErrInvalidRecord     = errors.New("invalid record")
	// ErrConflict marks a transient serialization failure; the unit of work
	// can be replayed from scratch.
	ErrConflict = errors.New("concurrent update conflict")
)

// UnitOfWork is one atomic stock mutation. Callers must defer Rollback right
// after Begin; Rollback after a successful Commit is a no-op.
type UnitOfWork interface {
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	GetWarehouse(ctx context.Context, warehouseID string) (*domain.Warehouse, error)
	// LockStockLevel returns the level row for (item, warehouse), creating a
	// zero row if none exists, and holds it for the rest of the unit of work.
	LockStockLevel(ctx context.Context, itemID string, warehouseID string) (domain.StockLevel, error)
	SaveStockLevel(ctx context.Context, level domain.StockLevel) error
	InsertTransaction(ctx context.Context, tx domain.StockTransaction) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Repository interface {
	Begin(ctx context.Context) (UnitOfWork, error)

	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	ListItems(ctx context.Context, includeInactive bool) ([]domain.Item, error)
	GetItemsByIDs(ctx context.Context, itemIDs []string) (map[string]domain.Item, error)
	DeleteItem(ctx context.Context, itemID string) (*domain.Item, error)

	CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)
	ListWarehouses(ctx context.Context) ([]domain.Warehouse, error)

	GetStockLevels(ctx context.Context, itemID string) ([]domain.StockLevel, error)
	LoadInventory(ctx context.Context, scope domain.SnapshotScope) (domain.InventoryState, error)

	ListTransactions(ctx context.Context, itemID string, filter domain.HistoryFilter) ([]domain.StockTransaction, int, error)
	AggregateMovements(ctx context.Context, filter domain.MovementFilter) (domain.MovementAggregate, error)
	SumMovementsByItem(ctx context.Context, filter domain.MovementFilter) (map[string]domain.MovementAggregate, error)
	// DistinctReferences returns non-empty references in first-seen order,
	// oldest occurrence first, at most limit entries.
	DistinctReferences(ctx context.Context, filter domain.MovementFilter, limit int) ([]string, error)
}
