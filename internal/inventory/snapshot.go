// Package inventory holds the read paths over stock levels and the ledger.
package inventory

import (
	"context"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type Builder struct {
	repo store.Repository
}

func NewBuilder(repo store.Repository) *Builder {
	return &Builder{repo: repo}
}

// Build aggregates the current levels of active items. Items without any
// level row still appear with zero totals.
func (b *Builder) Build(ctx context.Context, scope domain.SnapshotScope) (domain.Snapshot, error) {
	state, err := b.repo.LoadInventory(ctx, scope)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return Summarize(state), nil
}

// Summarize is the pure half of Build.
func Summarize(state domain.InventoryState) domain.Snapshot {
	warehouses := make(map[string]domain.Warehouse, len(state.Warehouses))
	for _, w := range state.Warehouses {
		warehouses[w.ID] = w
	}

	levelsByItem := make(map[string][]domain.StockLevel, len(state.Items))
	for _, level := range state.Levels {
		if _, ok := warehouses[level.WarehouseID]; !ok {
			continue
		}
		levelsByItem[level.ItemID] = append(levelsByItem[level.ItemID], level)
	}

	snapshot := domain.Snapshot{
		Items:       make([]domain.ItemSnapshot, 0, len(state.Items)),
		Warehouses:  make([]domain.WarehouseSnapshot, 0, len(state.Warehouses)),
		GeneratedAt: state.ReadAt,
	}

	perWarehouse := make(map[string]*domain.WarehouseSnapshot, len(state.Warehouses))
	for _, w := range state.Warehouses {
		snapshot.Warehouses = append(snapshot.Warehouses, domain.WarehouseSnapshot{
			WarehouseID: w.ID,
			Slug:        w.Slug,
			Name:        w.Name,
			Type:        w.Type,
		})
	}
	for i := range snapshot.Warehouses {
		perWarehouse[snapshot.Warehouses[i].WarehouseID] = &snapshot.Warehouses[i]
	}

	for _, item := range state.Items {
		entry := domain.ItemSnapshot{
			ItemID:     item.ID,
			SKU:        item.SKU,
			Name:       item.Name,
			Unit:       item.Unit,
			Warehouses: make([]domain.WarehouseQuantity, 0, len(levelsByItem[item.ID])),
		}
		for _, level := range levelsByItem[item.ID] {
			w := warehouses[level.WarehouseID]
			entry.Warehouses = append(entry.Warehouses, domain.WarehouseQuantity{
				WarehouseID:      w.ID,
				WarehouseSlug:    w.Slug,
				WarehouseType:    w.Type,
				QuantityOnHand:   level.QuantityOnHand,
				QuantityReserved: level.QuantityReserved,
			})
			entry.TotalOnHand = entry.TotalOnHand.Add(level.QuantityOnHand)
			entry.TotalReserved = entry.TotalReserved.Add(level.QuantityReserved)

			agg := perWarehouse[w.ID]
			agg.TotalOnHand = agg.TotalOnHand.Add(level.QuantityOnHand)
			agg.TotalReserved = agg.TotalReserved.Add(level.QuantityReserved)
			if level.QuantityOnHand.IsPositive() {
				agg.ItemCount++
			}
		}

		snapshot.TotalOnHand = snapshot.TotalOnHand.Add(entry.TotalOnHand)
		snapshot.TotalReserved = snapshot.TotalReserved.Add(entry.TotalReserved)
		snapshot.Items = append(snapshot.Items, entry)
	}

	return snapshot
}
