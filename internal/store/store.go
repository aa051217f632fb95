// Package store defines storage interfaces for persisting trade snapshots
// and archiving closed trades.
package store

import (
	"context"
	"errors"

	"autotrader/internal/domain"
)

// ErrNotFound is returned when no trade exists for an ID.
var ErrNotFound = errors.New("trade not found")

// ErrImmutable is returned when a save would overwrite a terminal trade.
var ErrImmutable = errors.New("terminal trade is immutable")

// TradeStore persists full trade snapshots keyed by ID.
type TradeStore interface {
	// SaveTrade inserts or replaces the snapshot for t.ID. Snapshots of
	// terminal trades are never overwritten.
	SaveTrade(ctx context.Context, t *domain.Trade) error

	// GetTrade retrieves a single trade by its ID.
	GetTrade(ctx context.Context, id string) (*domain.Trade, error)

	// ListTrades returns all trades with the given status, oldest first. An
	// empty status lists every trade.
	ListTrades(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error)
}

// TradeArchive receives closed trades for post-hoc review.
type TradeArchive interface {
	ArchiveTrades(ctx context.Context, trades []*domain.Trade) error
}
