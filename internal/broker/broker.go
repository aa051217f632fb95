// Package broker defines the execution and quote contracts the engine drives
// and provides implementations for Alpaca and an in-memory simulator.
package broker

import (
	"context"
	"errors"

	"autotrader/internal/domain"
)

// ErrNotFilled is returned when an order was accepted but did not fill
// within the adapter's wait window.
var ErrNotFilled = errors.New("order not filled")

// ExecutionGateway submits orders for a trade. Every method is an atomic
// request/response: a nil error means the returned fill is confirmed, and
// may cover fewer shares than requested; an error means no shares changed
// hands. Retry, backoff and timeouts are the implementation's concern.
// Implementations must not mutate the trade they are given.
type ExecutionGateway interface {
	// SubmitEntry opens the position for a pending trade.
	SubmitEntry(ctx context.Context, t *domain.Trade) (domain.Fill, error)

	// SubmitStopOrder places (or replaces) the protective stop for the
	// trade's remaining shares at its current stop and returns the order ID.
	SubmitStopOrder(ctx context.Context, t *domain.Trade) (string, error)

	// SubmitPartialExit sells (or covers) shares of an open trade.
	SubmitPartialExit(ctx context.Context, t *domain.Trade, shares int) (domain.Fill, error)

	// ClosePosition liquidates all remaining shares of an open trade.
	ClosePosition(ctx context.Context, t *domain.Trade) (domain.Fill, error)
}

// QuoteService returns the latest price for a symbol.
type QuoteService interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// Broker is a named gateway that also serves quotes.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	ExecutionGateway
	QuoteService
}

// entryBuys and exitBuys report whether the order buys: entries buy for
// longs, exits buy for shorts.
func entryBuys(t *domain.Trade) bool { return t.Direction == domain.DirectionLong }
func exitBuys(t *domain.Trade) bool  { return t.Direction == domain.DirectionShort }
