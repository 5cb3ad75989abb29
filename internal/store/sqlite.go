package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"tickrelay/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creating
// the parent directory and running migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS orders (
			id              TEXT PRIMARY KEY,
			connection_id   TEXT NOT NULL,
			instrument      TEXT NOT NULL,
			side            TEXT NOT NULL,
			quantity        TEXT NOT NULL,
			order_type      TEXT NOT NULL,
			limit_price     TEXT NULL,
			client_ref      TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			broker_order_id TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL DEFAULT '',
			created_unix_ms INTEGER NOT NULL,
			updated_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created
			ON orders(status, created_unix_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created
			ON orders(created_unix_ms)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveIntent inserts a pending order row. Saving the same intent twice is a
// no-op.
func (s *SQLiteStore) SaveIntent(ctx context.Context, intent domain.TradeIntent) error {
	r := RecordFromIntent(intent)
	var limit sql.NullString
	if r.LimitPrice != nil {
		limit = sql.NullString{String: r.LimitPrice.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, connection_id, instrument, side, quantity, order_type,
			limit_price, client_ref, status, created_unix_ms, updated_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.ConnectionID, r.Instrument, string(r.Side), r.Quantity.String(), string(r.OrderType),
		limit, r.ClientRef, string(r.Status), r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", r.ID, err)
	}
	return nil
}

// SaveResult updates the order row for res.TradeIntentID.
func (s *SQLiteStore) SaveResult(ctx context.Context, res domain.OrderResult) error {
	at := res.At
	if at.IsZero() {
		at = time.Now()
	}
	out, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, broker_order_id = ?, reason = ?, updated_unix_ms = ?
		WHERE id = ?`,
		string(res.Status), res.BrokerOrderID, res.Reason, at.UnixMilli(), res.TradeIntentID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", res.TradeIntentID, err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("updating order %s: %w", res.TradeIntentID, ErrNotFound)
	}
	return nil
}

const selectOrder = `SELECT id, connection_id, instrument, side, quantity, order_type, limit_price,
	client_ref, status, broker_order_id, reason, created_unix_ms, updated_unix_ms FROM orders`

// GetOrder retrieves a single order by its intent ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, id)
	r, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	return &r, nil
}

// ListOrders returns orders newest first, filtered by status when set.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, selectOrder+` ORDER BY created_unix_ms DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectOrder+` WHERE status = ? ORDER BY created_unix_ms DESC, id DESC LIMIT ?`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		r, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (OrderRecord, error) {
	var (
		r                      OrderRecord
		side, otype, stat, qty string
		limit                  sql.NullString
		createdMs, updMs       int64
	)
	err := sc.Scan(&r.ID, &r.ConnectionID, &r.Instrument, &side, &qty, &otype, &limit,
		&r.ClientRef, &stat, &r.BrokerOrderID, &r.Reason, &createdMs, &updMs)
	if err != nil {
		return OrderRecord{}, err
	}

	r.Side = domain.Side(side)
	r.OrderType = domain.OrderType(otype)
	r.Status = domain.OrderStatus(stat)
	if r.Quantity, err = decimal.NewFromString(qty); err != nil {
		return OrderRecord{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	if limit.Valid {
		lp, err := decimal.NewFromString(limit.String)
		if err != nil {
			return OrderRecord{}, fmt.Errorf("limit price %q: %w", limit.String, err)
		}
		r.LimitPrice = &lp
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	r.UpdatedAt = time.UnixMilli(updMs).UTC()
	return r, nil
}
