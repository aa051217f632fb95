// Package autotrader is a Go client for the autotrader daemon's HTTP API.
package autotrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/engine"
)

// Re-exported wire types.
type (
	Trade     = domain.Trade
	Candidate = domain.Candidate
	Event     = domain.Event
	Mode      = domain.Mode
	Stats     = engine.Stats
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("autotrader: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the autotrader API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new autotrader API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Trades lists trades held by the engine. Empty status or symbol match all.
func (c *Client) Trades(ctx context.Context, status, symbol string) ([]Trade, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	path := "/api/trades"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Trade
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Trade retrieves one trade, including closed trades kept in the store.
func (c *Client) Trade(ctx context.Context, id string) (*Trade, error) {
	return c.tradeCall(ctx, http.MethodGet, "/api/trades/"+url.PathEscape(id), nil)
}

// Stats retrieves the engine summary and daily statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Confirm executes a pending trade.
func (c *Client) Confirm(ctx context.Context, id string) (*Trade, error) {
	return c.tradeCall(ctx, http.MethodPost, "/api/trades/"+url.PathEscape(id)+"/confirm", nil)
}

// Cancel withdraws a pending trade.
func (c *Client) Cancel(ctx context.Context, id, reason string) (*Trade, error) {
	return c.tradeCall(ctx, http.MethodPost, "/api/trades/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason})
}

// Close liquidates an open trade.
func (c *Client) Close(ctx context.Context, id string) (*Trade, error) {
	return c.tradeCall(ctx, http.MethodPost, "/api/trades/"+url.PathEscape(id)+"/close", nil)
}

// SetMode switches the engine's operating mode.
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	return c.do(ctx, http.MethodPut, "/api/mode/"+url.PathEscape(string(mode)), nil, nil)
}

// Submit queues candidates for the next engine cycle and returns how many
// were accepted.
func (c *Client) Submit(ctx context.Context, candidates ...Candidate) (int, error) {
	var out struct {
		Queued int `json:"queued"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/candidates", candidates, &out); err != nil {
		return 0, err
	}
	return out.Queued, nil
}

func (c *Client) tradeCall(ctx context.Context, method, path string, body any) (*Trade, error) {
	var out Trade
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
