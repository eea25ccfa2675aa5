package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/quantity"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = 30
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded DDL. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapError(err)
	}
	return &unitOfWork{tx: tx}, nil
}

type unitOfWork struct {
	tx pgx.Tx
}

func (u *unitOfWork) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanItem(u.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID))
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (u *unitOfWork) GetWarehouse(ctx context.Context, warehouseID string) (*domain.Warehouse, error) {
	warehouse, err := scanWarehouse(u.tx.QueryRow(ctx, `SELECT `+warehouseColumns+` FROM warehouses WHERE id = $1`, warehouseID))
	if err != nil {
		return nil, mapError(err)
	}
	return &warehouse, nil
}

// LockStockLevel materializes a zero row when missing and takes the row lock
// in the same transaction, so concurrent first movements on a pair serialize
// on the primary key instead of racing an existence check.
func (u *unitOfWork) LockStockLevel(ctx context.Context, itemID string, warehouseID string) (domain.StockLevel, error) {
	if _, err := u.tx.Exec(ctx, `
		INSERT INTO stock_levels (warehouse_id, item_id, quantity_on_hand, quantity_reserved, updated_at)
		VALUES ($1, $2, 0, 0, now())
		ON CONFLICT (warehouse_id, item_id) DO NOTHING
	`, warehouseID, itemID); err != nil {
		return domain.StockLevel{}, mapError(err)
	}

	level, err := scanLevel(u.tx.QueryRow(ctx, `
		SELECT `+levelColumns+`
		FROM stock_levels
		WHERE warehouse_id = $1 AND item_id = $2
		FOR UPDATE
	`, warehouseID, itemID))
	if err != nil {
		return domain.StockLevel{}, mapError(err)
	}
	return level, nil
}

func (u *unitOfWork) SaveStockLevel(ctx context.Context, level domain.StockLevel) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE stock_levels
		SET quantity_on_hand = $3, quantity_reserved = $4, updated_at = now()
		WHERE warehouse_id = $1 AND item_id = $2
	`, level.WarehouseID, level.ItemID, level.QuantityOnHand.Decimal(), level.QuantityReserved.Decimal())
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (u *unitOfWork) InsertTransaction(ctx context.Context, tx domain.StockTransaction) error {
	if tx.ID == "" {
		tx.ID = xid.New("stx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := u.tx.Exec(ctx, `
		INSERT INTO stock_transactions (
			id, item_id, type, quantity, delta, source_warehouse_id, target_warehouse_id,
			reference, notes, performed_by, occurred_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, tx.ID, tx.ItemID, string(tx.Type), tx.Quantity.Decimal(), tx.Delta.Decimal(),
		tx.SourceWarehouseID, tx.TargetWarehouseID,
		nullIfEmpty(tx.Reference), nullIfEmpty(tx.Notes), nullIfEmpty(tx.PerformedBy),
		tx.OccurredAt, tx.CreatedAt)
	return mapError(err)
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	return mapError(u.tx.Commit(ctx))
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	item.SKU = strings.TrimSpace(item.SKU)
	item.Name = strings.TrimSpace(item.Name)
	if item.SKU == "" || item.Name == "" {
		return nil, store.ErrInvalidRecord
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	if item.Unit == "" {
		item.Unit = "pcs"
	}
	metadata, err := encodeMetadata(item.Metadata)
	if err != nil {
		return nil, err
	}

	created, err := scanItem(s.pool.QueryRow(ctx, `
		INSERT INTO items (id, sku, name, unit, barcode, description, metadata, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,true,now())
		RETURNING `+itemColumns, item.ID, item.SKU, item.Name, item.Unit,
		nullIfEmpty(item.Barcode), nullIfEmpty(item.Description), metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, mapError(err)
	}
	return &created, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID))
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, includeInactive bool) ([]domain.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE deleted_at IS NULL AND (active OR $1)
		ORDER BY sku
	`, includeInactive)
	if err != nil {
		return nil, mapError(err)
	}
	return collectItems(rows)
}

func (s *Store) GetItemsByIDs(ctx context.Context, itemIDs []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, mapError(err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		result[item.ID] = item
	}
	return result, nil
}

// DeleteItem tombstones the item. Stock levels and ledger rows stay.
func (s *Store) DeleteItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE items
		SET active = false, deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+itemColumns, itemID))
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (s *Store) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	warehouse.Slug = strings.TrimSpace(warehouse.Slug)
	if warehouse.Slug == "" || strings.TrimSpace(warehouse.Name) == "" || !warehouse.Type.Valid() {
		return nil, store.ErrInvalidRecord
	}
	if warehouse.StockThreshold.IsNegative() {
		return nil, store.ErrInvalidRecord
	}
	if warehouse.ID == "" {
		warehouse.ID = xid.New("wh")
	}

	created, err := scanWarehouse(s.pool.QueryRow(ctx, `
		INSERT INTO warehouses (id, slug, name, type, stock_threshold, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING `+warehouseColumns, warehouse.ID, warehouse.Slug, warehouse.Name,
		string(warehouse.Type), warehouse.StockThreshold.Decimal()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, mapError(err)
	}
	return &created, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+warehouseColumns+` FROM warehouses ORDER BY slug`)
	if err != nil {
		return nil, mapError(err)
	}
	return collectWarehouses(rows)
}

func (s *Store) GetStockLevels(ctx context.Context, itemID string) ([]domain.StockLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+levelColumns+`
		FROM stock_levels
		WHERE item_id = $1
		ORDER BY warehouse_id
	`, itemID)
	if err != nil {
		return nil, mapError(err)
	}
	return collectLevels(rows)
}

// LoadInventory reads items, warehouses and levels from one REPEATABLE READ
// snapshot so totals never mix two points in time.
func (s *Store) LoadInventory(ctx context.Context, scope domain.SnapshotScope) (domain.InventoryState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.InventoryState{}, mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var itemIDs, warehouseIDs any
	if len(scope.ItemIDs) > 0 {
		itemIDs = scope.ItemIDs
	}
	if len(scope.WarehouseIDs) > 0 {
		warehouseIDs = scope.WarehouseIDs
	}

	var state domain.InventoryState
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&state.ReadAt); err != nil {
		return domain.InventoryState{}, mapError(err)
	}
	state.ReadAt = state.ReadAt.UTC()

	rows, err := tx.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE active AND deleted_at IS NULL AND ($1::text[] IS NULL OR id = ANY($1))
		ORDER BY sku
	`, itemIDs)
	if err != nil {
		return domain.InventoryState{}, mapError(err)
	}
	if state.Items, err = collectItems(rows); err != nil {
		return domain.InventoryState{}, err
	}

	rows, err = tx.Query(ctx, `
		SELECT `+warehouseColumns+`
		FROM warehouses
		WHERE ($1::text[] IS NULL OR id = ANY($1))
		ORDER BY slug
	`, warehouseIDs)
	if err != nil {
		return domain.InventoryState{}, mapError(err)
	}
	if state.Warehouses, err = collectWarehouses(rows); err != nil {
		return domain.InventoryState{}, err
	}

	rows, err = tx.Query(ctx, `
		SELECT l.warehouse_id, l.item_id, l.quantity_on_hand, l.quantity_reserved, l.updated_at
		FROM stock_levels l
		JOIN items i ON i.id = l.item_id
		WHERE i.active AND i.deleted_at IS NULL
		  AND ($1::text[] IS NULL OR l.item_id = ANY($1))
		  AND ($2::text[] IS NULL OR l.warehouse_id = ANY($2))
		ORDER BY l.item_id, l.warehouse_id
	`, itemIDs, warehouseIDs)
	if err != nil {
		return domain.InventoryState{}, mapError(err)
	}
	if state.Levels, err = collectLevels(rows); err != nil {
		return domain.InventoryState{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.InventoryState{}, mapError(err)
	}
	return state, nil
}

func (s *Store) ListTransactions(ctx context.Context, itemID string, filter domain.HistoryFilter) ([]domain.StockTransaction, int, error) {
	where, args := movementWhere(domain.MovementFilter{
		ItemID:      itemID,
		WarehouseID: filter.WarehouseID,
		Types:       filter.Types,
	})
	if filter.From != nil {
		args = append(args, *filter.From)
		where += fmt.Sprintf(" AND t.occurred_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where += fmt.Sprintf(" AND t.occurred_at <= $%d", len(args))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM stock_transactions t WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	pageArgs := append(append([]any{}, args...), limit, filter.Offset)
	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT `+transactionColumns+`
		FROM stock_transactions t
		WHERE %s
		ORDER BY t.occurred_at DESC, t.created_at DESC, t.id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(pageArgs)-1, len(pageArgs)), pageArgs...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	transactions, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, mapError(err)
	}
	return transactions, total, nil
}

func (s *Store) AggregateMovements(ctx context.Context, filter domain.MovementFilter) (domain.MovementAggregate, error) {
	where, args := movementWhere(filter)

	var (
		agg   domain.MovementAggregate
		total decimal.Decimal
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(t.quantity), 0), COUNT(*), MIN(t.occurred_at), MAX(t.occurred_at)
		FROM stock_transactions t
		WHERE `+where, args...).Scan(&total, &agg.Count, &agg.Earliest, &agg.Latest)
	if err != nil {
		return domain.MovementAggregate{}, mapError(err)
	}
	if agg.Total, err = quantity.FromDecimal(total); err != nil {
		return domain.MovementAggregate{}, err
	}
	agg.Earliest = utcPtr(agg.Earliest)
	agg.Latest = utcPtr(agg.Latest)
	return agg, nil
}

func (s *Store) SumMovementsByItem(ctx context.Context, filter domain.MovementFilter) (map[string]domain.MovementAggregate, error) {
	where, args := movementWhere(filter)

	rows, err := s.pool.Query(ctx, `
		SELECT t.item_id, SUM(t.quantity), COUNT(*), MIN(t.occurred_at), MAX(t.occurred_at)
		FROM stock_transactions t
		WHERE `+where+`
		GROUP BY t.item_id
	`, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := make(map[string]domain.MovementAggregate)
	for rows.Next() {
		var (
			itemID string
			total  decimal.Decimal
			agg    domain.MovementAggregate
		)
		if err := rows.Scan(&itemID, &total, &agg.Count, &agg.Earliest, &agg.Latest); err != nil {
			return nil, err
		}
		if agg.Total, err = quantity.FromDecimal(total); err != nil {
			return nil, err
		}
		agg.Earliest = utcPtr(agg.Earliest)
		agg.Latest = utcPtr(agg.Latest)
		result[itemID] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) DistinctReferences(ctx context.Context, filter domain.MovementFilter, limit int) ([]string, error) {
	where, args := movementWhere(filter)
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	args = append(args, limitArg)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT reference
		FROM (
			SELECT t.reference, MIN(t.occurred_at) AS first_seen, MIN(t.created_at) AS first_created
			FROM stock_transactions t
			WHERE %s AND COALESCE(btrim(t.reference), '') <> ''
			GROUP BY t.reference
		) refs
		ORDER BY first_seen, first_created, reference
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	refs := make([]string, 0, 8)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return refs, nil
}

// movementWhere renders filter as a WHERE body over alias t.
func movementWhere(filter domain.MovementFilter) (string, []any) {
	clauses := make([]string, 0, 7)
	args := make([]any, 0, 7)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}

	if filter.ItemID != "" {
		add("t.item_id = ?", filter.ItemID)
	}
	if filter.WarehouseID != "" {
		add("(t.source_warehouse_id = ? OR t.target_warehouse_id = ?)", filter.WarehouseID)
	}
	if len(filter.ItemIDs) > 0 {
		add("t.item_id = ANY(?)", filter.ItemIDs)
	}
	if len(filter.WarehouseIDs) > 0 {
		add("(t.source_warehouse_id = ANY(?) OR t.target_warehouse_id = ANY(?))", filter.WarehouseIDs)
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		add("t.type = ANY(?)", types)
	}
	if !filter.Since.IsZero() {
		add("t.occurred_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("t.occurred_at < ?", filter.Until)
	}
	if len(clauses) == 0 {
		return "true", args
	}
	return strings.Join(clauses, " AND "), args
}

const (
	itemColumns        = `id, sku, name, unit, COALESCE(barcode, ''), COALESCE(description, ''), metadata, active, created_at, deleted_at`
	warehouseColumns   = `id, slug, name, type, stock_threshold, created_at`
	levelColumns       = `warehouse_id, item_id, quantity_on_hand, quantity_reserved, updated_at`
	transactionColumns = `t.id, t.item_id, t.type, t.quantity, t.delta, t.source_warehouse_id, t.target_warehouse_id,
		COALESCE(t.reference, ''), COALESCE(t.notes, ''), COALESCE(t.performed_by, ''), t.occurred_at, t.created_at`
)

func scanItem(row pgx.Row) (domain.Item, error) {
	var (
		item     domain.Item
		metadata []byte
	)
	if err := row.Scan(&item.ID, &item.SKU, &item.Name, &item.Unit, &item.Barcode, &item.Description,
		&metadata, &item.Active, &item.CreatedAt, &item.DeletedAt); err != nil {
		return domain.Item{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return domain.Item{}, fmt.Errorf("decode item %s metadata: %w", item.ID, err)
		}
	}
	if len(item.Metadata) == 0 {
		item.Metadata = nil
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.DeletedAt = utcPtr(item.DeletedAt)
	return item, nil
}

func scanWarehouse(row pgx.Row) (domain.Warehouse, error) {
	var (
		warehouse domain.Warehouse
		kind      string
		threshold decimal.Decimal
	)
	if err := row.Scan(&warehouse.ID, &warehouse.Slug, &warehouse.Name, &kind, &threshold, &warehouse.CreatedAt); err != nil {
		return domain.Warehouse{}, err
	}
	warehouse.Type = domain.WarehouseType(kind)
	q, err := quantity.FromDecimal(threshold)
	if err != nil {
		return domain.Warehouse{}, err
	}
	warehouse.StockThreshold = q
	warehouse.CreatedAt = warehouse.CreatedAt.UTC()
	return warehouse, nil
}

func scanLevel(row pgx.Row) (domain.StockLevel, error) {
	var (
		level    domain.StockLevel
		onHand   decimal.Decimal
		reserved decimal.Decimal
		err      error
	)
	if err = row.Scan(&level.WarehouseID, &level.ItemID, &onHand, &reserved, &level.UpdatedAt); err != nil {
		return domain.StockLevel{}, err
	}
	if level.QuantityOnHand, err = quantity.FromDecimal(onHand); err != nil {
		return domain.StockLevel{}, err
	}
	if level.QuantityReserved, err = quantity.FromDecimal(reserved); err != nil {
		return domain.StockLevel{}, err
	}
	level.UpdatedAt = level.UpdatedAt.UTC()
	return level, nil
}

func scanTransaction(row pgx.Row) (domain.StockTransaction, error) {
	var (
		tx    domain.StockTransaction
		kind  string
		qty   decimal.Decimal
		delta decimal.Decimal
		err   error
	)
	if err = row.Scan(&tx.ID, &tx.ItemID, &kind, &qty, &delta, &tx.SourceWarehouseID, &tx.TargetWarehouseID,
		&tx.Reference, &tx.Notes, &tx.PerformedBy, &tx.OccurredAt, &tx.CreatedAt); err != nil {
		return domain.StockTransaction{}, err
	}
	tx.Type = domain.TransactionType(kind)
	if tx.Quantity, err = quantity.FromDecimal(qty); err != nil {
		return domain.StockTransaction{}, err
	}
	if tx.Delta, err = quantity.FromDecimal(delta); err != nil {
		return domain.StockTransaction{}, err
	}
	tx.OccurredAt = tx.OccurredAt.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func collectItems(rows pgx.Rows) ([]domain.Item, error) {
	defer rows.Close()
	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

func collectWarehouses(rows pgx.Rows) ([]domain.Warehouse, error) {
	defer rows.Close()
	warehouses := make([]domain.Warehouse, 0, 8)
	for rows.Next() {
		warehouse, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		warehouses = append(warehouses, warehouse)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return warehouses, nil
}

func collectLevels(rows pgx.Rows) ([]domain.StockLevel, error) {
	defer rows.Close()
	levels := make([]domain.StockLevel, 0, 64)
	for rows.Next() {
		level, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return levels, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.StockTransaction, error) {
	defer rows.Close()
	transactions := make([]domain.StockTransaction, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return transactions, nil
}

// mapError folds driver errors into the store sentinels the ledger branches on.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func utcPtr(val *time.Time) *time.Time {
	if val == nil {
		return nil
	}
	utc := val.UTC()
	return &utc
}
