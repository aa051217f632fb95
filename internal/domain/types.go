// Package domain defines the core types shared across the autotrader engine:
// trades and their lifecycle, candidate alerts, quotes, fills, exit policies
// and lifecycle events.
package domain

import (
	"fmt"
	"time"
)

// Direction is the side of a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Timeframe classifies the holding horizon of a setup.
type Timeframe string

const (
	TimeframeScalp    Timeframe = "scalp"
	TimeframeIntraday Timeframe = "intraday"
	TimeframeSwing    Timeframe = "swing"
	TimeframePosition Timeframe = "position"
)

// Valid reports whether tf is a known timeframe.
func (tf Timeframe) Valid() bool {
	switch tf {
	case TimeframeScalp, TimeframeIntraday, TimeframeSwing, TimeframePosition:
		return true
	}
	return false
}

// ExitPolicy controls how an open trade is scaled out, trailed and closed.
type ExitPolicy struct {
	Timeframe Timeframe `json:"timeframe" yaml:"timeframe"`
	// TrailPct is a fraction of price (0.01 = 1%).
	TrailPct          float64   `json:"trail_pct" yaml:"trail_pct"`
	ScaleOutFractions []float64 `json:"scale_out_fractions" yaml:"scale_out_fractions"`
	CloseAtSessionEnd bool      `json:"close_at_session_end" yaml:"close_at_session_end"`
}

// Validate checks that the policy is internally consistent.
func (p ExitPolicy) Validate() error {
	if !p.Timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", p.Timeframe)
	}
	if p.TrailPct <= 0 || p.TrailPct >= 1 {
		return fmt.Errorf("trail_pct %v must be in (0, 1)", p.TrailPct)
	}
	if len(p.ScaleOutFractions) == 0 {
		return fmt.Errorf("scale_out_fractions must not be empty")
	}
	var sum float64
	for i, f := range p.ScaleOutFractions {
		if f <= 0 || f > 1 {
			return fmt.Errorf("scale_out_fractions[%d] = %v must be in (0, 1]", i, f)
		}
		sum += f
	}
	if sum > 1.0001 {
		return fmt.Errorf("scale_out_fractions sum to %v, more than 1", sum)
	}
	return nil
}

// Clone returns a deep copy of the policy.
func (p ExitPolicy) Clone() ExitPolicy {
	out := p
	out.ScaleOutFractions = append([]float64(nil), p.ScaleOutFractions...)
	return out
}

// Candidate is a trade opportunity produced by the external opportunity
// source. StopPrice and TargetPrices may be zero/empty, in which case they are
// derived from Volatility.
type Candidate struct {
	Symbol       string    `json:"symbol"`
	SetupType    string    `json:"setup_type"`
	Direction    Direction `json:"direction"`
	CurrentPrice float64   `json:"current_price"`
	TriggerPrice float64   `json:"trigger_price"`
	StopPrice    float64   `json:"stop_price,omitempty"`
	TargetPrices []float64 `json:"target_prices,omitempty"`
	// Volatility is a per-share volatility estimate (e.g. ATR) in price units.
	Volatility float64   `json:"volatility,omitempty"`
	Score      float64   `json:"score"`
	Reasoning  []string  `json:"reasoning,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// EntryPrice returns the price the candidate is expected to enter at: the
// trigger price when set, otherwise the current price.
func (c Candidate) EntryPrice() float64 {
	if c.TriggerPrice > 0 {
		return c.TriggerPrice
	}
	return c.CurrentPrice
}

// Quote is a point-in-time price for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// Fill is a confirmed execution reported by the execution gateway.
type Fill struct {
	OrderID string    `json:"order_id"`
	Price   float64   `json:"price"`
	Shares  int       `json:"shares"`
	Time    time.Time `json:"time"`
}

// Mode is the engine operating mode.
type Mode string

const (
	ModeAutonomous   Mode = "autonomous"
	ModeConfirmation Mode = "confirmation"
	ModePaused       Mode = "paused"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAutonomous, ModeConfirmation, ModePaused:
		return true
	}
	return false
}
