package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// tradingAPI is the subset of *alpaca.Client the broker uses.
type tradingAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
}

// quoteAPI is the subset of *marketdata.Client the broker uses.
type quoteAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
	Feed      string

	RateLimitPerMin int
	MaxAttempts     int
	RetryDelay      time.Duration
	// FillTimeout bounds how long market orders are polled for a fill.
	FillTimeout  time.Duration
	PollInterval time.Duration
}

// AlpacaBroker implements the Broker interface using the Alpaca trading and
// market data APIs. All calls share one rate limiter and transient failures
// (HTTP 429, 5xx, transport errors) are retried with backoff.
type AlpacaBroker struct {
	trading tradingAPI
	quotes  quoteAPI
	feed    marketdata.Feed
	limiter *util.RateLimiter
	opts    AlpacaOptions
	log     *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	mdOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}
	return newAlpacaBroker(trading, marketdata.NewClient(mdOpts), opts)
}

func newAlpacaBroker(trading tradingAPI, quotes quoteAPI, opts AlpacaOptions) *AlpacaBroker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &AlpacaBroker{
		trading: trading,
		quotes:  quotes,
		feed:    marketdata.Feed(opts.Feed),
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
		opts:    opts,
		log:     slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitEntry places a market order for the trade's shares and waits for it
// to fill. The client order ID is derived from the trade ID so a retried
// submission cannot open the position twice. An order that does not fill in
// time is cancelled; a partial fill is returned as the entry.
func (b *AlpacaBroker) SubmitEntry(ctx context.Context, t *domain.Trade) (domain.Fill, error) {
	qty := decimal.NewFromInt(int64(t.Shares))
	order, err := b.placeOrder(ctx, alpaca.PlaceOrderRequest{
		Symbol:        t.Symbol,
		Qty:           &qty,
		Side:          side(entryBuys(t)),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: t.ID + "-entry",
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("entry %s: %w", t.Symbol, err)
	}
	return b.awaitFill(ctx, order)
}

// SubmitStopOrder cancels the trade's previous protective stop, if any, and
// places a GTC stop for the remaining shares at the current stop price.
func (b *AlpacaBroker) SubmitStopOrder(ctx context.Context, t *domain.Trade) (string, error) {
	if err := b.cancelStop(ctx, t); err != nil {
		return "", err
	}
	qty := decimal.NewFromInt(int64(t.RemainingShares))
	stop := decimal.NewFromFloat(t.Stop.CurrentStop).Round(2)
	order, err := b.placeOrder(ctx, alpaca.PlaceOrderRequest{
		Symbol:      t.Symbol,
		Qty:         &qty,
		Side:        side(exitBuys(t)),
		Type:        alpaca.Stop,
		TimeInForce: alpaca.GTC,
		StopPrice:   &stop,
	})
	if err != nil {
		return "", fmt.Errorf("stop order %s: %w", t.Symbol, err)
	}
	return order.ID, nil
}

// SubmitPartialExit releases the protective stop and sells (or covers)
// shares at market. Each submission gets a fresh client order ID so an exit
// abandoned in an earlier cycle does not block the retry.
func (b *AlpacaBroker) SubmitPartialExit(ctx context.Context, t *domain.Trade, shares int) (domain.Fill, error) {
	if err := b.cancelStop(ctx, t); err != nil {
		return domain.Fill{}, err
	}
	qty := decimal.NewFromInt(int64(shares))
	order, err := b.placeOrder(ctx, alpaca.PlaceOrderRequest{
		Symbol:        t.Symbol,
		Qty:           &qty,
		Side:          side(exitBuys(t)),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: fmt.Sprintf("%s-exit-%d-%s", t.ID, len(t.Exits)+1, uuid.NewString()[:8]),
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("partial exit %s: %w", t.Symbol, err)
	}
	return b.awaitFill(ctx, order)
}

// ClosePosition releases the protective stop and liquidates the remaining
// shares.
func (b *AlpacaBroker) ClosePosition(ctx context.Context, t *domain.Trade) (domain.Fill, error) {
	if err := b.cancelStop(ctx, t); err != nil {
		return domain.Fill{}, err
	}
	var order *alpaca.Order
	err := b.call(ctx, func() error {
		var err error
		order, err = b.trading.ClosePosition(t.Symbol, alpaca.ClosePositionRequest{
			Qty: decimal.NewFromInt(int64(t.RemainingShares)),
		})
		return err
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("close %s: %w", t.Symbol, err)
	}
	return b.awaitFill(ctx, order)
}

// GetQuote returns the latest trade price for symbol.
func (b *AlpacaBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var trade *marketdata.Trade
	err := b.call(ctx, func() error {
		var err error
		trade, err = b.quotes.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: b.feed})
		return err
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("latest trade %s: %w", symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return domain.Quote{}, fmt.Errorf("latest trade %s: no price", symbol)
	}
	return domain.Quote{Symbol: symbol, Price: trade.Price, Time: trade.Timestamp}, nil
}

// placeOrder submits req. When a retried request is refused as a duplicate
// client order ID, the order accepted by the earlier attempt is returned.
func (b *AlpacaBroker) placeOrder(ctx context.Context, req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	var order *alpaca.Order
	attempts := 0
	err := b.call(ctx, func() error {
		attempts++
		var err error
		order, err = b.trading.PlaceOrder(req)
		return err
	})
	if err != nil && attempts > 1 && req.ClientOrderID != "" && isStatus(err, http.StatusUnprocessableEntity) {
		if existing, lookupErr := b.trading.GetOrderByClientOrderID(req.ClientOrderID); lookupErr == nil {
			return existing, nil
		}
	}
	return order, err
}

func (b *AlpacaBroker) cancelStop(ctx context.Context, t *domain.Trade) error {
	if t.StopOrderID == "" {
		return nil
	}
	err := b.call(ctx, func() error { return b.trading.CancelOrder(t.StopOrderID) })
	if err != nil && !isStatus(err, http.StatusNotFound, http.StatusUnprocessableEntity) {
		return fmt.Errorf("cancel stop %s: %w", t.StopOrderID, err)
	}
	return nil
}

// awaitFill polls the order until it is filled, reaches a terminal
// non-filled status or FillTimeout elapses. An order still working when the
// wait ends is cancelled, so a returned error means no shares changed hands.
func (b *AlpacaBroker) awaitFill(ctx context.Context, order *alpaca.Order) (domain.Fill, error) {
	deadline := time.Now().Add(b.opts.FillTimeout)
	for {
		if order.Status == "filled" {
			if fill, ok := executed(order); ok {
				return fill, nil
			}
		}
		switch order.Status {
		case "canceled", "expired", "rejected", "suspended":
			if fill, ok := executed(order); ok {
				return fill, nil
			}
			return domain.Fill{}, fmt.Errorf("order %s %s", order.ID, order.Status)
		}
		if time.Now().After(deadline) {
			return b.abandon(ctx, order.ID, fmt.Errorf("order %s status %s: %w", order.ID, order.Status, ErrNotFilled))
		}

		select {
		case <-ctx.Done():
			return b.abandon(ctx, order.ID, ctx.Err())
		case <-time.After(b.opts.PollInterval):
		}

		id := order.ID
		next, err := b.getOrder(ctx, id)
		if err != nil {
			return b.abandon(ctx, id, fmt.Errorf("polling order %s: %w", id, err))
		}
		order = next
	}
}

// abandon cancels an order that did not fill in time and re-reads it. Shares
// filled before the cancel took effect are returned as the fill; with none
// filled the cause is returned.
func (b *AlpacaBroker) abandon(ctx context.Context, orderID string, cause error) (domain.Fill, error) {
	ctx = context.WithoutCancel(ctx)
	err := b.call(ctx, func() error { return b.trading.CancelOrder(orderID) })
	if err != nil && !isStatus(err, http.StatusNotFound, http.StatusUnprocessableEntity) {
		b.log.Warn("cancelling unfilled order", "order_id", orderID, "error", err)
	}
	order, err := b.getOrder(ctx, orderID)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("%w (order state unknown after cancel: %v)", cause, err)
	}
	if fill, ok := executed(order); ok {
		b.log.Warn("order cancelled after partial fill", "order_id", orderID,
			"status", order.Status, "filled", fill.Shares)
		return fill, nil
	}
	return domain.Fill{}, cause
}

func (b *AlpacaBroker) getOrder(ctx context.Context, id string) (*alpaca.Order, error) {
	var order *alpaca.Order
	err := b.call(ctx, func() error {
		var err error
		order, err = b.trading.GetOrder(id)
		return err
	})
	return order, err
}

// executed returns the shares of order that have filled, if any.
func executed(order *alpaca.Order) (domain.Fill, bool) {
	if order == nil || !order.FilledQty.IsPositive() || order.FilledAvgPrice == nil {
		return domain.Fill{}, false
	}
	at := time.Now()
	if order.FilledAt != nil {
		at = *order.FilledAt
	}
	return domain.Fill{
		OrderID: order.ID,
		Price:   order.FilledAvgPrice.InexactFloat64(),
		Shares:  int(order.FilledQty.IntPart()),
		Time:    at,
	}, true
}

// call rate-limits and retries one API request.
func (b *AlpacaBroker) call(ctx context.Context, fn func() error) error {
	return util.RetryIf(ctx, b.opts.MaxAttempts, b.opts.RetryDelay, retryable, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

func isStatus(err error, codes ...int) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.StatusCode == c {
			return true
		}
	}
	return false
}

func side(buy bool) alpaca.Side {
	if buy {
		return alpaca.Buy
	}
	return alpaca.Sell
}
