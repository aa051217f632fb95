package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

// bookState is what the evaluator needs to know about the engine's current
// trades.
type bookState struct {
	limitHit  bool
	active    map[string]bool // symbols with a non-terminal trade
	openCount int
}

// Evaluator filters candidates and turns accepted ones into sized Pending
// trades.
type Evaluator struct {
	registry *strategy.Registry
	risk     config.RiskConfig
}

// NewEvaluator creates an Evaluator for the given setup registry and risk
// limits.
func NewEvaluator(registry *strategy.Registry, risk config.RiskConfig) *Evaluator {
	return &Evaluator{registry: registry, risk: risk}
}

// Evaluate applies, in order: candidate sanity, the daily limit, the
// duplicate-symbol and open-position caps, the setup handler, level
// derivation, sizing and the minimum risk/reward. The returned Pending trade
// has no ID or creation time yet. Errors wrap ErrValidation or
// ErrRiskLimitExceeded.
func (ev *Evaluator) Evaluate(c domain.Candidate, book bookState) (*domain.Trade, error) {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		return nil, fmt.Errorf("%w: missing symbol", ErrValidation)
	}
	if !c.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", ErrValidation, c.Direction)
	}
	entry := c.EntryPrice()
	if entry <= 0 {
		return nil, fmt.Errorf("%w: no entry price", ErrValidation)
	}

	if book.limitHit {
		return nil, fmt.Errorf("%s: %w", c.Symbol, ErrRiskLimitExceeded)
	}
	if book.active[c.Symbol] {
		return nil, fmt.Errorf("%s: %w", c.Symbol, ErrDuplicateSymbol)
	}
	if book.openCount >= ev.risk.MaxOpenPositions {
		return nil, fmt.Errorf("%s: %w (%d)", c.Symbol, ErrMaxOpenPositions, ev.risk.MaxOpenPositions)
	}

	handler := ev.registry.Resolve(c.SetupType)
	if err := handler.Evaluate(c); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.Symbol, ErrSetupRejected, err)
	}

	stop, targets, err := ev.deriveLevels(c, entry, ev.stopMultiple(handler))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Symbol, err)
	}

	size, err := SizePosition(entry, stop, c.Direction, ev.sizing())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Symbol, err)
	}

	reward := math.Abs(targets[0] - entry)
	rr := reward / size.RiskPerShare
	if rr+eps < ev.risk.MinRiskReward {
		return nil, fmt.Errorf("%s: %w: %.2f < %.2f", c.Symbol, ErrRiskRewardTooLow, rr, ev.risk.MinRiskReward)
	}

	policy := ev.registry.Policy(c.SetupType)
	return &domain.Trade{
		Symbol:          c.Symbol,
		Direction:       c.Direction,
		SetupType:       c.SetupType,
		Timeframe:       policy.Timeframe,
		Policy:          policy,
		PlannedEntry:    entry,
		CurrentPrice:    c.CurrentPrice,
		StopPrice:       stop,
		TargetPrices:    targets,
		Shares:          size.Shares,
		RemainingShares: size.Shares,
		RiskAmount:      size.RiskAmount,
		PotentialReward: float64(size.Shares) * reward,
		RiskRewardRatio: rr,
		Stop:            domain.TrailingStop{Mode: domain.StopModeOriginal, CurrentStop: stop},
		Status:          domain.StatusPending,
		Score:           c.Score,
		Reasoning:       append([]string(nil), c.Reasoning...),
	}, nil
}

// stopMultiple is the handler's derived-stop distance, falling back to the
// configured one.
func (ev *Evaluator) stopMultiple(h strategy.Handler) float64 {
	if d, ok := h.(strategy.LevelDeriver); ok && d.StopVolatilityMultiple() > 0 {
		return d.StopVolatilityMultiple()
	}
	return ev.risk.StopVolatilityMultiple
}

// deriveLevels returns the stop and the targets ordered nearest first,
// deriving missing values from the candidate's volatility times stopMult and
// the configured R multiples.
func (ev *Evaluator) deriveLevels(c domain.Candidate, entry, stopMult float64) (float64, []float64, error) {
	sign := c.Direction.Sign()

	stop := c.StopPrice
	if stop <= 0 {
		if c.Volatility <= 0 {
			return 0, nil, fmt.Errorf("%w: no stop and no volatility to derive one", ErrInvalidStop)
		}
		stop = entry - sign*stopMult*c.Volatility
		if stop <= 0 {
			return 0, nil, fmt.Errorf("%w: derived stop %v", ErrInvalidStop, stop)
		}
	}
	if (stop-entry)*sign >= 0 {
		return 0, nil, fmt.Errorf("%w: %s stop %v on wrong side of entry %v", ErrInvalidStop, c.Direction, stop, entry)
	}

	var targets []float64
	if len(c.TargetPrices) == 0 {
		risk := math.Abs(entry - stop)
		for _, m := range ev.risk.TargetRMultiples {
			targets = append(targets, entry+sign*m*risk)
		}
	} else {
		for _, t := range c.TargetPrices {
			if (t-entry)*sign <= 0 {
				return 0, nil, fmt.Errorf("%w: %s target %v on wrong side of entry %v", ErrValidation, c.Direction, t, entry)
			}
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return 0, nil, fmt.Errorf("%w: no targets", ErrValidation)
	}

	if c.Direction == domain.DirectionShort {
		sort.Sort(sort.Reverse(sort.Float64Slice(targets)))
	} else {
		sort.Float64s(targets)
	}
	return stop, targets, nil
}

func (ev *Evaluator) sizing() SizingParams {
	return SizingParams{
		MaxRiskPerTrade: ev.risk.MaxRiskPerTrade,
		StartingCapital: ev.risk.StartingCapital,
		MaxPositionPct:  ev.risk.MaxPositionPct,
	}
}
