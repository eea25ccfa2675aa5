package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/inventory"
)

func (a *API) handleItems(w http.ResponseWriter, r *http.Request) {
	includeInactive := strings.EqualFold(r.URL.Query().Get("include_inactive"), "true")
	items, err := a.service.ListItems(r.Context(), includeInactive)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := a.service.ListWarehouses(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"warehouses": warehouses})
}

func (a *API) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.DeleteItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.HistoryFilter{
		WarehouseID: strings.TrimSpace(query.Get("warehouse_id")),
		Limit:       parsePositiveLimit(query.Get("limit"), inventory.DefaultPageSize, inventory.MaxPageSize),
	}

	var err error
	if filter.Offset, err = parseOffset(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, raw := range listParam(query, "types") {
		kind, ok := domain.ParseTransactionType(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown transaction type %q", raw))
			return
		}
		filter.Types = append(filter.Types, kind)
	}
	if filter.From, err = parseTime(query.Get("from"), "from"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.To, err = parseTime(query.Get("to"), "to"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := a.service.History(r.Context(), chi.URLParam(r, "itemID"), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.service.Snapshot(r.Context(), scopeFromQuery(r.URL.Query()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rangeDays, err := parseDays(query.Get("range_days"), "range_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	risk, err := parseDays(query.Get("risk_threshold_days"), "risk_threshold_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dashboard, err := a.service.Dashboard(r.Context(), domain.DashboardRequest{
		Scope:             scopeFromQuery(query),
		RangeDays:         rangeDays,
		RiskThresholdDays: risk,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (a *API) handleVelocity(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rangeDays, err := parseDays(query.Get("range_days"), "range_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	velocity, err := a.service.Velocity(r.Context(), query.Get("item_id"), query.Get("warehouse_id"), rangeDays)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, velocity)
}

func (a *API) handleDaysOfCover(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rangeDays, err := parseDays(query.Get("range_days"), "range_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	risk, err := parseDays(query.Get("risk_threshold_days"), "risk_threshold_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cover, err := a.service.DaysOfCover(r.Context(), query.Get("item_id"), query.Get("warehouse_id"), rangeDays, risk)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cover)
}

func (a *API) handleInboundCoverage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rangeDays, err := parseDays(query.Get("range_days"), "range_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	coverage, err := a.service.InboundCoverage(r.Context(), query.Get("item_id"), rangeDays)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coverage)
}

func (a *API) handleSalesDelta(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rangeDays, err := parseDays(query.Get("range_days"), "range_days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	metric := domain.DeltaMetric(strings.TrimSpace(query.Get("metric")))
	if metric == "" {
		metric = domain.MetricUnits
	}
	delta, err := a.service.SalesDelta(r.Context(), domain.DeltaScope{
		ItemIDs:      listParam(query, "item_id"),
		WarehouseIDs: listParam(query, "warehouse_id"),
	}, rangeDays, metric)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

// listParam accepts both repeated keys and comma-separated values.
func listParam(query url.Values, key string) []string {
	var out []string
	for _, raw := range query[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func scopeFromQuery(query url.Values) domain.SnapshotScope {
	return domain.SnapshotScope{
		ItemIDs:      listParam(query, "item_id"),
		WarehouseIDs: listParam(query, "warehouse_id"),
	}
}

func parseOffset(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		return 0, errors.New("offset must be a non-negative integer")
	}
	return offset, nil
}

// parseDays returns 0 for an absent value so the service default applies.
func parseDays(raw string, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return days, nil
}

func parseTime(raw string, name string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", name)
	}
	at = at.UTC()
	return &at, nil
}
