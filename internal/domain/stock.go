package domain

import (
	"slices"
	"time"

	"stockledger/backend/internal/quantity"
)

type WarehouseType string

const (
	WarehouseCentral WarehouseType = "central"
	WarehousePOS     WarehouseType = "pos"
)

func (t WarehouseType) Valid() bool {
	return t == WarehouseCentral || t == WarehousePOS
}

type TransactionType string

const (
	TxInbound    TransactionType = "inbound"
	TxTransfer   TransactionType = "transfer"
	TxSale       TransactionType = "sale"
	TxAdjustment TransactionType = "adjustment"
	TxWriteOff   TransactionType = "writeoff"
	TxDonation   TransactionType = "donation"
	TxReturn     TransactionType = "return"
)

var TransactionTypes = []TransactionType{
	TxInbound, TxTransfer, TxSale, TxAdjustment, TxWriteOff, TxDonation, TxReturn,
}

func ParseTransactionType(raw string) (TransactionType, bool) {
	for _, t := range TransactionTypes {
		if string(t) == raw {
			return t, true
		}
	}
	return "", false
}

// Debits reports whether the movement removes stock from a single source warehouse.
func (t TransactionType) Debits() bool {
	return t == TxSale || t == TxWriteOff || t == TxDonation
}

type Item struct {
	ID          string         `json:"id"`
	SKU         string         `json:"sku"`
	Name        string         `json:"name"`
	Unit        string         `json:"unit"`
	Barcode     string         `json:"barcode,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

func (i Item) Deleted() bool {
	return i.DeletedAt != nil
}

type Warehouse struct {
	ID   string        `json:"id"`
	Slug string        `json:"slug"`
	Name string        `json:"name"`
	Type WarehouseType `json:"type"`
	// StockThreshold is a reorder point for central warehouses and a
	// safety-stock floor for POS locations.
	StockThreshold quantity.Quantity `json:"stock_threshold"`
	CreatedAt      time.Time         `json:"created_at"`
}

type StockLevel struct {
	WarehouseID      string            `json:"warehouse_id"`
	ItemID           string            `json:"item_id"`
	QuantityOnHand   quantity.Quantity `json:"quantity_on_hand"`
	QuantityReserved quantity.Quantity `json:"quantity_reserved"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// StockTransaction is one append-only ledger row. Quantity is always the
// magnitude; Delta is the signed change at the single touched warehouse and
// stays zero for transfers.
type StockTransaction struct {
	ID                string            `json:"id"`
	ItemID            string            `json:"item_id"`
	Type              TransactionType   `json:"type"`
	Quantity          quantity.Quantity `json:"quantity"`
	Delta             quantity.Quantity `json:"delta"`
	SourceWarehouseID *string           `json:"source_warehouse_id,omitempty"`
	TargetWarehouseID *string           `json:"target_warehouse_id,omitempty"`
	Reference         string            `json:"reference,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	PerformedBy       string            `json:"performed_by,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Touches reports whether the transaction names warehouseID as source or target.
func (t StockTransaction) Touches(warehouseID string) bool {
	if t.SourceWarehouseID != nil && *t.SourceWarehouseID == warehouseID {
		return true
	}
	return t.TargetWarehouseID != nil && *t.TargetWarehouseID == warehouseID
}

type MovementParams struct {
	ItemID            string
	WarehouseID       string
	SourceWarehouseID string
	TargetWarehouseID string
	Quantity          quantity.Quantity
	Delta             quantity.Quantity
	Reference         string
	Notes             string
	PerformedBy       string
	OccurredAt        *time.Time
}

type MovementResult struct {
	TransactionID string           `json:"transaction_id"`
	Transaction   StockTransaction `json:"transaction"`
	Levels        []StockLevel     `json:"levels"`
	Duplicate     bool             `json:"duplicate"`
}

type HistoryFilter struct {
	Types       []TransactionType
	WarehouseID string
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

type TransactionPage struct {
	ItemID       string             `json:"item_id"`
	Transactions []StockTransaction `json:"transactions"`
	Total        int                `json:"total"`
	Limit        int                `json:"limit"`
	Offset       int                `json:"offset"`
}

// MovementFilter selects ledger rows for aggregate scans. Since is inclusive,
// Until is exclusive; zero times leave that side open.
// ItemIDs and WarehouseIDs narrow further to any of the listed values.
type MovementFilter struct {
	ItemID       string
	WarehouseID  string
	ItemIDs      []string
	WarehouseIDs []string
	Types        []TransactionType
	Since        time.Time
	Until        time.Time
}

func (f MovementFilter) Matches(tx StockTransaction) bool {
	if f.ItemID != "" && tx.ItemID != f.ItemID {
		return false
	}
	if f.WarehouseID != "" && !tx.Touches(f.WarehouseID) {
		return false
	}
	if len(f.ItemIDs) > 0 && !slices.Contains(f.ItemIDs, tx.ItemID) {
		return false
	}
	if len(f.WarehouseIDs) > 0 && !slices.ContainsFunc(f.WarehouseIDs, tx.Touches) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, tx.Type) {
		return false
	}
	if !f.Since.IsZero() && tx.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !tx.OccurredAt.Before(f.Until) {
		return false
	}
	return true
}

type MovementAggregate struct {
	Total    quantity.Quantity
	Count    int
	Earliest *time.Time
	Latest   *time.Time
}

type SnapshotScope struct {
	ItemIDs      []string
	WarehouseIDs []string
}

// InventoryState is everything the snapshot builder needs, read at one instant.
type InventoryState struct {
	Items      []Item
	Warehouses []Warehouse
	Levels     []StockLevel
	ReadAt     time.Time
}
