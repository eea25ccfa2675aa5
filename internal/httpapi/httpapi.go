package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"stockledger/backend/internal/analytics"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/inventory"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
	validate      *validator.Validate
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.Named("http"),
		validate:      newValidator(),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(a.withSecurity)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/movements/inbound", a.requireAuth(a.handleMovement(domain.TxInbound), domain.RoleAdmin))
		r.Post("/movements/transfer", a.requireAuth(a.handleMovement(domain.TxTransfer), domain.RoleAdmin))
		r.Post("/movements/sale", a.requireAuth(a.handleMovement(domain.TxSale), domain.RoleCashier, domain.RoleAdmin))
		r.Post("/movements/writeoff", a.requireAuth(a.handleMovement(domain.TxWriteOff), domain.RoleAdmin))
		r.Post("/movements/donation", a.requireAuth(a.handleMovement(domain.TxDonation), domain.RoleAdmin))
		r.Post("/movements/return", a.requireAuth(a.handleMovement(domain.TxReturn), domain.RoleCashier, domain.RoleAdmin))
		r.Post("/movements/adjustment", a.requireAuth(a.handleMovement(domain.TxAdjustment), domain.RoleAdmin))

		r.Get("/items", a.requireAuth(a.handleItems, domain.RoleCashier, domain.RoleAdmin))
		r.Get("/items/{itemID}/history", a.requireAuth(a.handleHistory, domain.RoleCashier, domain.RoleAdmin))
		r.Delete("/items/{itemID}", a.requireAuth(a.handleDeleteItem, domain.RoleAdmin))
		r.Get("/warehouses", a.requireAuth(a.handleWarehouses, domain.RoleCashier, domain.RoleAdmin))

		r.Get("/inventory/snapshot", a.requireAuth(a.handleSnapshot, domain.RoleCashier, domain.RoleAdmin))
		r.Get("/dashboard", a.requireAuth(a.handleDashboard, domain.RoleAdmin))

		r.Get("/analytics/velocity", a.requireAuth(a.handleVelocity, domain.RoleAdmin))
		r.Get("/analytics/days-of-cover", a.requireAuth(a.handleDaysOfCover, domain.RoleAdmin))
		r.Get("/analytics/inbound-coverage", a.requireAuth(a.handleInboundCoverage, domain.RoleAdmin))
		r.Get("/analytics/sales-delta", a.requireAuth(a.handleSalesDelta, domain.RoleAdmin))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) withSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

// fail maps a service error to its status code. 5xx causes are logged and
// replaced with a generic message.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientStockError
	switch {
	case errors.Is(err, store.ErrInvalidMovement),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, inventory.ErrItemRequired),
		errors.Is(err, analytics.ErrUnknownMetric):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        err.Error(),
			"item_id":      insufficient.ItemID,
			"warehouse_id": insufficient.WarehouseID,
			"available":    insufficient.Available,
			"requested":    insufficient.Requested,
		})
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, service.ErrIdempotencyInFlight):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrIdempotencyKeyReused):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		a.logger.Warn("movement abandoned after conflicts",
			zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, errors.New("stock is busy, retry shortly"))
	default:
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
