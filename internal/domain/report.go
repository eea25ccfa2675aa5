package domain

import (
	"time"

	"stockledger/backend/internal/quantity"
)

type WarehouseQuantity struct {
	WarehouseID      string            `json:"warehouse_id"`
	WarehouseSlug    string            `json:"warehouse_slug"`
	WarehouseType    WarehouseType     `json:"warehouse_type"`
	QuantityOnHand   quantity.Quantity `json:"quantity_on_hand"`
	QuantityReserved quantity.Quantity `json:"quantity_reserved"`
}

type ItemSnapshot struct {
	ItemID        string              `json:"item_id"`
	SKU           string              `json:"sku"`
	Name          string              `json:"name"`
	Unit          string              `json:"unit"`
	TotalOnHand   quantity.Quantity   `json:"total_on_hand"`
	TotalReserved quantity.Quantity   `json:"total_reserved"`
	Warehouses    []WarehouseQuantity `json:"warehouses"`
}

type WarehouseSnapshot struct {
	WarehouseID   string            `json:"warehouse_id"`
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Type          WarehouseType     `json:"type"`
	TotalOnHand   quantity.Quantity `json:"total_on_hand"`
	TotalReserved quantity.Quantity `json:"total_reserved"`
	ItemCount     int               `json:"item_count"`
}

type Snapshot struct {
	Items         []ItemSnapshot      `json:"items"`
	Warehouses    []WarehouseSnapshot `json:"warehouses"`
	TotalOnHand   quantity.Quantity   `json:"total_on_hand"`
	TotalReserved quantity.Quantity   `json:"total_reserved"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

type Velocity struct {
	ItemID       string            `json:"item_id"`
	WarehouseID  string            `json:"warehouse_id,omitempty"`
	RangeDays    int               `json:"range_days"`
	TotalSold    quantity.Quantity `json:"total_sold"`
	ObservedDays int               `json:"observed_days"`
	// AverageDaily is nil when the sample is too small to be meaningful.
	AverageDaily *float64 `json:"average_daily"`
}

type CoverStatus string

const (
	CoverOK               CoverStatus = "ok"
	CoverRisk             CoverStatus = "risk"
	CoverInsufficientData CoverStatus = "insufficient-data"
)

type DaysOfCover struct {
	ItemID            string            `json:"item_id"`
	WarehouseID       string            `json:"warehouse_id,omitempty"`
	OnHand            quantity.Quantity `json:"on_hand"`
	Days              *float64          `json:"days"`
	Status            CoverStatus       `json:"status"`
	RiskThresholdDays int               `json:"risk_threshold_days"`
	Velocity          Velocity          `json:"velocity"`
}

type InboundCoverage struct {
	ItemID       string            `json:"item_id"`
	RangeDays    int               `json:"range_days"`
	TotalInbound quantity.Quantity `json:"total_inbound"`
	NextArrival  *time.Time        `json:"next_arrival"`
	References   []string          `json:"references"`
}

type DeltaMetric string

const (
	MetricUnits   DeltaMetric = "units"
	MetricRevenue DeltaMetric = "revenue"
)

type DeltaDirection string

const (
	DirectionUp   DeltaDirection = "up"
	DirectionDown DeltaDirection = "down"
	DirectionFlat DeltaDirection = "flat"
	DirectionNA   DeltaDirection = "na"
)

// DeltaScope limits a sales delta to any of the listed items and warehouses.
// Empty slices leave that dimension unrestricted.
type DeltaScope struct {
	ItemIDs      []string
	WarehouseIDs []string
}

type SalesDelta struct {
	Metric     DeltaMetric    `json:"metric"`
	RangeDays  int            `json:"range_days"`
	Current    float64        `json:"current"`
	Prior      float64        `json:"prior"`
	Absolute   float64        `json:"absolute"`
	Percentage *float64       `json:"percentage"`
	Direction  DeltaDirection `json:"direction"`
}

type WarningKind string

const (
	WarningBelowReorderPoint WarningKind = "below-reorder-point"
	WarningBelowSafetyStock  WarningKind = "below-safety-stock"
)

type StockWarning struct {
	Kind        WarningKind       `json:"kind"`
	ItemID      string            `json:"item_id"`
	SKU         string            `json:"sku"`
	WarehouseID string            `json:"warehouse_id"`
	OnHand      quantity.Quantity `json:"on_hand"`
	Threshold   quantity.Quantity `json:"threshold"`
}

type DashboardRequest struct {
	Scope             SnapshotScope
	RangeDays         int
	RiskThresholdDays int
}

type Dashboard struct {
	Snapshot     Snapshot          `json:"snapshot"`
	RangeDays    int               `json:"range_days"`
	ItemCover    []DaysOfCover     `json:"item_cover"`
	LevelCover   []DaysOfCover     `json:"level_cover"`
	Inbound      []InboundCoverage `json:"inbound"`
	UnitsDelta   SalesDelta        `json:"units_delta"`
	RevenueDelta SalesDelta        `json:"revenue_delta"`
	Warnings     []StockWarning    `json:"warnings"`
	GeneratedAt  time.Time         `json:"generated_at"`
}
