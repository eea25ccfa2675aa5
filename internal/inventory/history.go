package inventory

import (
	"context"
	"errors"
	"strings"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var ErrItemRequired = errors.New("item id is required")

type History struct {
	repo store.Repository
}

func NewHistory(repo store.Repository) *History {
	return &History{repo: repo}
}

// Query pages through an item's ledger, newest first. Tombstoned items stay
// readable; an item that never existed is store.ErrNotFound.
func (h *History) Query(ctx context.Context, itemID string, filter domain.HistoryFilter) (domain.TransactionPage, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.TransactionPage{}, ErrItemRequired
	}
	if _, err := h.repo.GetItem(ctx, itemID); err != nil {
		return domain.TransactionPage{}, err
	}

	filter = normalizeFilter(filter)
	transactions, total, err := h.repo.ListTransactions(ctx, itemID, filter)
	if err != nil {
		return domain.TransactionPage{}, err
	}
	if transactions == nil {
		transactions = []domain.StockTransaction{}
	}

	return domain.TransactionPage{
		ItemID:       itemID,
		Transactions: transactions,
		Total:        total,
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	}, nil
}

func normalizeFilter(filter domain.HistoryFilter) domain.HistoryFilter {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultPageSize
	case filter.Limit > MaxPageSize:
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.WarehouseID = strings.TrimSpace(filter.WarehouseID)
	return filter
}
