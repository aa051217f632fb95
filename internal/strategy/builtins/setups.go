// Package builtins provides the setup handlers that ship with autotrader.
package builtins

import (
	"fmt"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Handler      = (*Setup)(nil)
	_ strategy.LevelDeriver = (*Setup)(nil)
)

// Setup is a handler defined by a timeframe, a minimum opportunity score and
// an optional direction restriction.
type Setup struct {
	name      string
	timeframe domain.Timeframe
	minScore  float64
	// longOnly rejects short candidates.
	longOnly bool
	// needsTrigger rejects candidates without a trigger price.
	needsTrigger bool
	// stopMultiple places a derived stop this many volatility units from
	// entry. Zero uses the configured multiple.
	stopMultiple float64
}

// NewSetup creates a Setup handler.
func NewSetup(name string, tf domain.Timeframe, minScore float64) *Setup {
	return &Setup{name: name, timeframe: tf, minScore: minScore}
}

// Name returns the setup-type tag.
func (s *Setup) Name() string { return s.name }

// Timeframe returns the setup's holding horizon.
func (s *Setup) Timeframe() domain.Timeframe { return s.timeframe }

// StopVolatilityMultiple returns the setup's derived-stop distance in
// volatility units, or zero for the configured default.
func (s *Setup) StopVolatilityMultiple() float64 { return s.stopMultiple }

// Evaluate applies the score gate and the setup's level requirements.
func (s *Setup) Evaluate(c domain.Candidate) error {
	if c.Score < s.minScore {
		return fmt.Errorf("%s: score %.1f below minimum %.1f", s.name, c.Score, s.minScore)
	}
	if s.longOnly && c.Direction != domain.DirectionLong {
		return fmt.Errorf("%s: long-only setup", s.name)
	}
	if s.needsTrigger && c.TriggerPrice <= 0 {
		return fmt.Errorf("%s: trigger price required", s.name)
	}
	return nil
}

// Default returns the fallback handler for unknown setup tags: intraday with
// no score gate.
func Default() *Setup {
	return NewSetup(strategy.DefaultSetup, domain.TimeframeIntraday, 0)
}

// All returns the closed set of built-in setup handlers.
func All() []*Setup {
	// Scalps run tight stops; swings give the position room.
	gap := NewSetup("gap_and_go", domain.TimeframeScalp, 70)
	gap.needsTrigger = true
	gap.stopMultiple = 1
	momentum := NewSetup("momentum", domain.TimeframeScalp, 65)
	momentum.stopMultiple = 1
	breakout := NewSetup("breakout", domain.TimeframeIntraday, 60)
	breakout.needsTrigger = true
	vwap := NewSetup("vwap_reclaim", domain.TimeframeIntraday, 60)
	vwap.longOnly = true
	swing := NewSetup("swing_breakout", domain.TimeframeSwing, 60)
	swing.needsTrigger = true
	swing.stopMultiple = 2

	return []*Setup{
		breakout,
		NewSetup("pullback", domain.TimeframeIntraday, 55),
		momentum,
		gap,
		vwap,
		NewSetup("reversal", domain.TimeframeIntraday, 70),
		swing,
		NewSetup("trend_continuation", domain.TimeframePosition, 50),
	}
}

// NewRegistry returns a registry holding every built-in setup with Default
// as the fallback.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry(Default())
	for _, s := range All() {
		r.Register(s)
	}
	return r
}
