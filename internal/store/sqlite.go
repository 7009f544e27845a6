package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"perpcore/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	id                  TEXT    NOT NULL UNIQUE,
	symbol              TEXT    NOT NULL,
	direction           TEXT    NOT NULL,
	quantity            REAL    NOT NULL,
	leverage            REAL    NOT NULL,
	order_kind          TEXT    NOT NULL,
	limit_price         REAL    NOT NULL DEFAULT 0,
	status              TEXT    NOT NULL,
	reason              TEXT    NOT NULL DEFAULT '',
	expiry              INTEGER NOT NULL DEFAULT 0,
	fill_price          REAL    NOT NULL DEFAULT 0,
	fee                 REAL    NOT NULL DEFAULT 0,
	close_price         REAL    NOT NULL DEFAULT 0,
	payout              REAL    NOT NULL DEFAULT 0,
	settlement_pending  INTEGER NOT NULL DEFAULT 0,
	settlement_kind     TEXT    NOT NULL DEFAULT '',
	settlement_attempts INTEGER NOT NULL DEFAULT 0,
	channel_id          TEXT    NOT NULL DEFAULT '',
	invoice             TEXT    NOT NULL DEFAULT '',
	version             INTEGER NOT NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at, seq);
`

const orderColumns = `id, symbol, direction, quantity, leverage, order_kind, limit_price,
	status, reason, expiry, fill_price, fee, close_price, payout,
	settlement_pending, settlement_kind, settlement_attempts, channel_id, invoice,
	version, created_at, updated_at`

// SQLiteStore implements OrderStore backed by a SQLite database. The pool is
// limited to one connection, which serializes all writes.
type SQLiteStore struct {
	db *sql.DB

	stampMu     sync.Mutex
	lastCreated time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(created_at) FROM orders`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading last created_at: %w", err)
	}
	if last.Valid {
		s.lastCreated = time.Unix(0, last.Int64).UTC()
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// Insert adds a new order.
func (s *SQLiteStore) Insert(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		return fmt.Errorf("%w: empty order id", domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, order.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, order.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking order %s: %w", order.ID, err)
	}

	o := *order
	s.stamp(&o)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		orderArgs(&o)...,
	); err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing order %s: %w", o.ID, err)
	}
	*order = o
	return nil
}

// Get retrieves a single order by its ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	return o, nil
}

// List returns all orders by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at, seq`)
}

// ListByStatus returns the orders in any of statuses.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	if len(statuses) == 0 {
		return s.List(ctx)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN (`+placeholders+`) ORDER BY created_at, seq`,
		args...)
}

// UpdateStatus moves the order to status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	return s.Update(ctx, id, setStatus(status))
}

// Update applies fn to the order inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn MutateFunc) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}

	next, err := applyUpdate(*cur, fn)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET
		status = ?, reason = ?, fill_price = ?, fee = ?, close_price = ?, payout = ?,
		settlement_pending = ?, settlement_kind = ?, settlement_attempts = ?,
		channel_id = ?, invoice = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		string(next.Status), string(next.Reason), next.FillPrice, next.Fee, next.ClosePrice, next.Payout,
		boolToInt(next.SettlementPending), string(next.SettlementKind), next.SettlementAttempts,
		next.ChannelID, next.Invoice, next.Version, next.UpdatedAt.UnixNano(),
		id,
	); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing order %s: %w", id, err)
	}
	return &next, nil
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// stamp assigns a creation time strictly after every earlier insert.
func (s *SQLiteStore) stamp(o *domain.Order) {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	if o.CreatedAt.IsZero() {
		now := time.Now().UTC()
		if !now.After(s.lastCreated) {
			now = s.lastCreated.Add(time.Nanosecond)
		}
		o.CreatedAt = now
	}
	if o.CreatedAt.After(s.lastCreated) {
		s.lastCreated = o.CreatedAt
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Version == 0 {
		o.Version = 1
	}
}

func orderArgs(o *domain.Order) []any {
	var expiry int64
	if !o.Expiry.IsZero() {
		expiry = o.Expiry.UnixNano()
	}
	return []any{
		o.ID, string(o.Symbol), string(o.Direction), o.Quantity, o.Leverage,
		string(o.Type.Kind), o.Type.Price,
		string(o.Status), string(o.Reason), expiry,
		o.FillPrice, o.Fee, o.ClosePrice, o.Payout,
		boolToInt(o.SettlementPending), string(o.SettlementKind), o.SettlementAttempts,
		o.ChannelID, o.Invoice,
		o.Version, o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(),
	}
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                                       domain.Order
		symbol, direction, kind, status, reason string
		settlementKind                          string
		expiry, pending, createdAt, updatedAt   int64
	)
	err := r.Scan(
		&o.ID, &symbol, &direction, &o.Quantity, &o.Leverage, &kind, &o.Type.Price,
		&status, &reason, &expiry, &o.FillPrice, &o.Fee, &o.ClosePrice, &o.Payout,
		&pending, &settlementKind, &o.SettlementAttempts, &o.ChannelID, &o.Invoice,
		&o.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Symbol = domain.ContractSymbol(symbol)
	o.Direction = domain.Direction(direction)
	o.Type.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.Reason = domain.Reason(reason)
	o.SettlementPending = pending != 0
	o.SettlementKind = domain.SettlementKind(settlementKind)
	if expiry != 0 {
		o.Expiry = time.Unix(0, expiry).UTC()
	}
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
