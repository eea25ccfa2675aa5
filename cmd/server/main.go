package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/config"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/httpapi"
	"stockledger/backend/internal/logger"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
	pgstore "stockledger/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg := config.Load()

	// server token <username> <role> prints a bearer token for local testing.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2:]); err != nil {
			log.Fatalf("issue token: %v", err)
		}
		return
	}

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	lg, err := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
		Development: cfg.Development(),
	})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)
	seedStock := false

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			lg.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.DatabaseMigrate {
			if err := pg.Migrate(ctx); err != nil {
				lg.Fatal("apply schema", zap.Error(err))
			}
			lg.Info("schema applied")
		}
		repo = pg
		closers = append(closers, pg.Close)
		lg.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		seedStock = true
		lg.Info("repository: in-memory")
	}

	var idempotency cache.IdempotencyStore = cache.NewMemoryIdempotencyStore()
	if cfg.RedisAddr != "" {
		redisStore := cache.NewRedisIdempotencyStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			lg.Warn("redis unavailable, keeping idempotency keys in memory", zap.Error(err))
			_ = redisStore.Close()
		} else {
			idempotency = redisStore
			closers = append(closers, redisStore.Close)
			lg.Info("idempotency: redis")
		}
	} else {
		lg.Info("idempotency: memory")
	}

	svc := service.New(repo, service.Options{
		Logger:            lg,
		Idempotency:       idempotency,
		IdempotencyTTL:    time.Duration(cfg.IdempotencyTTLSeconds) * time.Second,
		MaxAttempts:       cfg.MovementMaxAttempts,
		DefaultRangeDays:  cfg.DefaultRangeDays,
		RiskThresholdDays: cfg.RiskThresholdDays,
	})
	if seedStock {
		if err := seedOpeningStock(ctx, svc); err != nil {
			lg.Fatal("seed opening stock", zap.Error(err))
		}
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, 0, cfg.ManagerPIN)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, lg)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		lg.Info("stock ledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			lg.Error("close error", zap.Error(err))
		}
	}

	lg.Info("server stopped")
}

type openingStock struct {
	itemID      string
	warehouseID string
	quantity    int64
}

// openingStocks gives the in-memory catalog something to sell. Every unit
// enters through the ledger so history and levels agree from the start.
var openingStocks = []openingStock{
	{"item-kopi-250", "wh-central", 120},
	{"item-kopi-250", "wh-pos-front", 24},
	{"item-teh-25", "wh-central", 80},
	{"item-teh-25", "wh-pos-front", 12},
	{"item-gula-1kg", "wh-central", 60},
	{"item-gula-1kg", "wh-pos-kiosk", 6},
	{"item-susu-1l", "wh-central", 48},
	{"item-susu-1l", "wh-pos-front", 10},
	{"item-beras-5kg", "wh-central", 30},
}

func seedOpeningStock(ctx context.Context, svc *service.Service) error {
	ctx = service.WithActor(ctx, domain.Actor{Username: "system", Role: domain.RoleAdmin})
	for _, stock := range openingStocks {
		_, err := svc.Inbound(ctx, domain.MovementParams{
			ItemID:      stock.itemID,
			WarehouseID: stock.warehouseID,
			Quantity:    quantity.FromInt(stock.quantity),
			Reference:   "opening-stock",
		}, "")
		if err != nil {
			return fmt.Errorf("opening stock %s at %s: %w", stock.itemID, stock.warehouseID, err)
		}
	}
	return nil
}

func printToken(cfg config.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: server token <username> <cashier|admin>")
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret, 0, "")
	token, expiresAt, err := auth.IssueToken(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ManagerPIN == "" {
		return nil
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
