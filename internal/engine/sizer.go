package engine

import (
	"fmt"
	"math"

	"autotrader/internal/domain"
)

// eps absorbs float error in share arithmetic (e.g. 200/2.0000000001).
const eps = 1e-9

// SizingParams holds the account limits the sizer applies.
type SizingParams struct {
	MaxRiskPerTrade float64
	StartingCapital float64
	// MaxPositionPct is a percentage (25 = 25%).
	MaxPositionPct float64
}

// Size is the result of position sizing.
type Size struct {
	Shares       int
	RiskPerShare float64
	RiskAmount   float64
}

// SizePosition computes the share count for a trade so that the dollar risk
// to the stop never exceeds MaxRiskPerTrade and the notional never exceeds
// MaxPositionPct of StartingCapital (except for the one-share minimum, which
// still has to fit the risk ceiling).
func SizePosition(entry, stop float64, dir domain.Direction, p SizingParams) (Size, error) {
	if entry <= 0 || stop <= 0 {
		return Size{}, fmt.Errorf("%w: entry %v stop %v", ErrInvalidStop, entry, stop)
	}
	if (dir == domain.DirectionLong && stop >= entry) || (dir == domain.DirectionShort && stop <= entry) {
		return Size{}, fmt.Errorf("%w: %s stop %v on wrong side of entry %v", ErrInvalidStop, dir, stop, entry)
	}
	rps := math.Abs(entry - stop)

	byRisk := int(math.Floor(p.MaxRiskPerTrade/rps + eps))
	byCapital := int(math.Floor(p.StartingCapital*p.MaxPositionPct/100/entry + eps))
	shares := max(1, min(byRisk, byCapital))

	if float64(shares)*rps > p.MaxRiskPerTrade+eps {
		shares = byRisk
	}
	if shares < 1 {
		return Size{}, fmt.Errorf("%w: risk per share %.4f > %.2f", ErrRiskExceedsLimit, rps, p.MaxRiskPerTrade)
	}
	return Size{
		Shares:       shares,
		RiskPerShare: rps,
		RiskAmount:   float64(shares) * rps,
	}, nil
}
