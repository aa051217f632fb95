package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"autotrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TradeStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	status     TEXT NOT NULL,
	snapshot   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
`

// SQLiteStore implements TradeStore backed by a SQLite database. Each row
// holds the JSON snapshot of one trade with its status broken out for
// filtering.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTrade upserts the snapshot. An existing terminal row is left untouched
// and ErrImmutable is returned.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	snap, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding trade %s: %w", t.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, symbol, status, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
		WHERE trades.status NOT IN ('closed', 'rejected', 'cancelled')`,
		t.ID, t.Symbol, string(t.Status), string(snap), t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("saving trade %s: %w", t.ID, ErrImmutable)
	}
	return nil
}

// GetTrade retrieves a single trade by its ID.
func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*domain.Trade, error) {
	var snap string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM trades WHERE id = ?`, id).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeTrade(snap)
}

// ListTrades returns trades with the given status, or all trades when
// status is empty, ordered by creation time.
func (s *SQLiteStore) ListTrades(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	query := `SELECT snapshot FROM trades ORDER BY created_at, id`
	var args []any
	if status != "" {
		query = `SELECT snapshot FROM trades WHERE status = ? ORDER BY created_at, id`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, err
		}
		t, err := decodeTrade(snap)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func decodeTrade(snap string) (*domain.Trade, error) {
	var t domain.Trade
	if err := json.Unmarshal([]byte(snap), &t); err != nil {
		return nil, fmt.Errorf("decoding trade snapshot: %w", err)
	}
	return &t, nil
}
