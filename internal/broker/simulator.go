package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// Op names a simulator operation for failure injection.
type Op string

const (
	OpEntry       Op = "entry"
	OpStopOrder   Op = "stop_order"
	OpPartialExit Op = "partial_exit"
	OpClose       Op = "close"
	OpQuote       Op = "quote"
)

// ErrSimulated is the default error injected by Fail.
var ErrSimulated = errors.New("simulated failure")

// Call records one request received by the simulator.
type Call struct {
	Op      Op
	TradeID string
	Symbol  string
	Shares  int
	Price   float64
}

// SimulatorBroker implements the Broker interface for paper trading and
// tests. Every order fills immediately at the symbol's scripted quote (or
// the trade's reference price when none is set). It is safe for concurrent
// use.
type SimulatorBroker struct {
	mu       sync.Mutex
	quotes   map[string]float64
	failures map[Op]error
	failOnce map[Op]error
	short    map[Op]int
	calls    []Call
	now      func() time.Time
}

// NewSimulatorBroker creates a new SimulatorBroker with no quotes.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		quotes:   make(map[string]float64),
		failures: make(map[Op]error),
		failOnce: make(map[Op]error),
		short:    make(map[Op]int),
		now:      time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetQuote sets the price returned by GetQuote and used for fills.
func (b *SimulatorBroker) SetQuote(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = price
}

// Fail makes every subsequent op fail with err until Recover is called. A
// nil err injects ErrSimulated.
func (b *SimulatorBroker) Fail(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrSimulated
	}
	b.failures[op] = err
}

// FailOnce makes the next op fail with err.
func (b *SimulatorBroker) FailOnce(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrSimulated
	}
	b.failOnce[op] = err
}

// ShortFillOnce makes the next op fill at most shares shares.
func (b *SimulatorBroker) ShortFillOnce(op Op, shares int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.short[op] = shares
}

// Recover clears injected failures for op.
func (b *SimulatorBroker) Recover(op Op) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, op)
	delete(b.failOnce, op)
}

// Calls returns a copy of the successful calls received so far.
func (b *SimulatorBroker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallCount returns how many successful calls of op were received.
func (b *SimulatorBroker) CallCount(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// SubmitEntry fills the whole entry at the scripted quote, or at the
// trade's planned entry price.
func (b *SimulatorBroker) SubmitEntry(_ context.Context, t *domain.Trade) (domain.Fill, error) {
	return b.fill(OpEntry, t, t.Shares, t.PlannedEntry)
}

// SubmitStopOrder records the protective stop and returns a new order ID.
func (b *SimulatorBroker) SubmitStopOrder(_ context.Context, t *domain.Trade) (string, error) {
	f, err := b.fill(OpStopOrder, t, t.RemainingShares, t.Stop.CurrentStop)
	return f.OrderID, err
}

// SubmitPartialExit fills shares at the scripted quote.
func (b *SimulatorBroker) SubmitPartialExit(_ context.Context, t *domain.Trade, shares int) (domain.Fill, error) {
	if shares <= 0 || shares > t.RemainingShares {
		return domain.Fill{}, fmt.Errorf("partial exit of %d shares with %d remaining", shares, t.RemainingShares)
	}
	return b.fill(OpPartialExit, t, shares, t.CurrentPrice)
}

// ClosePosition fills the remaining shares at the scripted quote.
func (b *SimulatorBroker) ClosePosition(_ context.Context, t *domain.Trade) (domain.Fill, error) {
	return b.fill(OpClose, t, t.RemainingShares, t.CurrentPrice)
}

// GetQuote returns the scripted quote for symbol.
func (b *SimulatorBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected(OpQuote); err != nil {
		return domain.Quote{}, err
	}
	price, ok := b.quotes[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return domain.Quote{Symbol: symbol, Price: price, Time: b.now()}, nil
}

func (b *SimulatorBroker) fill(op Op, t *domain.Trade, shares int, fallback float64) (domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected(op); err != nil {
		return domain.Fill{}, err
	}
	price := fallback
	if q, ok := b.quotes[t.Symbol]; ok && op != OpStopOrder {
		price = q
	}
	if n, ok := b.short[op]; ok {
		delete(b.short, op)
		shares = min(shares, n)
	}
	b.calls = append(b.calls, Call{Op: op, TradeID: t.ID, Symbol: t.Symbol, Shares: shares, Price: price})
	return domain.Fill{
		OrderID: uuid.NewString(),
		Price:   price,
		Shares:  shares,
		Time:    b.now(),
	}, nil
}

// injected returns the error injected for op, consuming a one-shot failure.
// The caller holds b.mu.
func (b *SimulatorBroker) injected(op Op) error {
	if err, ok := b.failOnce[op]; ok {
		delete(b.failOnce, op)
		return err
	}
	return b.failures[op]
}
