package analytics

import (
	"stockledger/backend/internal/domain"
)

// StockWarnings flags every level at or under its warehouse threshold. Central
// warehouses compare against a reorder point, POS locations against a
// safety-stock floor. A zero threshold disables the check.
func StockWarnings(snapshot domain.Snapshot, warehouses []domain.Warehouse) []domain.StockWarning {
	byID := make(map[string]domain.Warehouse, len(warehouses))
	for _, w := range warehouses {
		byID[w.ID] = w
	}

	warnings := make([]domain.StockWarning, 0)
	for _, item := range snapshot.Items {
		for _, level := range item.Warehouses {
			w, ok := byID[level.WarehouseID]
			if !ok || !w.StockThreshold.IsPositive() {
				continue
			}
			if level.QuantityOnHand.Cmp(w.StockThreshold) > 0 {
				continue
			}
			kind := domain.WarningBelowSafetyStock
			if w.Type == domain.WarehouseCentral {
				kind = domain.WarningBelowReorderPoint
			}
			warnings = append(warnings, domain.StockWarning{
				Kind:        kind,
				ItemID:      item.ItemID,
				SKU:         item.SKU,
				WarehouseID: w.ID,
				OnHand:      level.QuantityOnHand,
				Threshold:   w.StockThreshold,
			})
		}
	}
	return warnings
}
