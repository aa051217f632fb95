package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"autotrader/internal/domain"
)

// manageTrade runs the Risk/Exit Controller for one open trade: refresh the
// price, then stop check, scale-out and stop escalation, in that order. A
// quote failure skips the trade for this cycle and keeps the last price.
func (e *Engine) manageTrade(ctx context.Context, tr *domain.Trade) {
	q, err := e.quotes.GetQuote(ctx, tr.Symbol)
	if err == nil && q.Price <= 0 {
		err = fmt.Errorf("non-positive price %v", q.Price)
	}
	if err != nil {
		e.log.Warn("quote unavailable, skipping trade", "trade_id", tr.ID, "symbol", tr.Symbol,
			"error", fmt.Errorf("%w: %v", ErrDataUnavailable, err))
		return
	}
	price := q.Price

	e.mu.Lock()
	tr.CurrentPrice = price
	stopBefore := tr.Stop.CurrentStop
	sharesBefore := tr.RemainingShares
	breached := tr.StopBreached(price)
	reason := tr.StopLossReason()
	e.mu.Unlock()

	// 1. Stop check. A breach ends processing for this trade this cycle.
	if breached {
		_ = e.closeTrade(ctx, tr, reason)
		return
	}

	// 2. Scale-out.
	closed, exitFailed := e.scaleOut(ctx, tr, price)
	if closed {
		return
	}

	// 3. Stop escalation, using the updated hit-target set.
	e.mu.Lock()
	adjusted := escalateStop(tr, price, e.now())
	snap := tr.Clone()
	e.mu.Unlock()

	if adjusted {
		e.log.Info("stop adjusted", "trade_id", snap.ID, "symbol", snap.Symbol,
			"mode", snap.Stop.Mode, "from", stopBefore, "to", snap.Stop.CurrentStop)
		e.publish(domain.EventStopAdjusted, snap, string(snap.Stop.Mode))
	}
	if adjusted || snap.RemainingShares != sharesBefore {
		e.persist(ctx, snap)
	}
	// A failed exit may already have released the broker-side stop.
	if adjusted || snap.RemainingShares != sharesBefore || exitFailed {
		e.protect(ctx, tr)
	}
}

// scaleOut executes every reached, not-yet-hit target in ascending order.
// It stops at the first gateway failure, leaving that target for the next
// cycle. A short fill on a liquidating target is kept and the rest retried
// next cycle. It reports whether the trade closed and whether an exit failed.
func (e *Engine) scaleOut(ctx context.Context, tr *domain.Trade, price float64) (closed, failed bool) {
	for i := range tr.TargetPrices {
		e.mu.RLock()
		due := !tr.TargetHit(i) && tr.TargetReached(i, price)
		var shares int
		liquidate := i >= lastTargetIndex(tr)
		if due {
			shares = scaleOutShares(tr, i)
		}
		snap := tr.Clone()
		e.mu.RUnlock()
		if !due {
			continue
		}

		fill, err := e.gateway.SubmitPartialExit(ctx, snap, shares)
		if err != nil {
			e.log.Warn("partial exit failed, will retry", "trade_id", snap.ID, "symbol", snap.Symbol,
				"target", i+1, "shares", shares, "error", err)
			e.publish(domain.EventExitFailed, snap, fmt.Sprintf("target %d: %v", i+1, err))
			return false, true
		}
		if fill.Shares <= 0 || fill.Shares > shares {
			fill.Shares = shares
		}
		if fill.Price <= 0 {
			fill.Price = price
		}

		e.mu.Lock()
		pe, err := tr.ApplyTargetExit(i, fill, liquidate, e.now())
		done := tr.Status == domain.StatusClosed
		short := liquidate && !done
		tripped := false
		if err == nil && done {
			tripped = e.governor.RecordClose(tr.RealizedPnL)
		}
		snap = tr.Clone()
		e.mu.Unlock()
		if err != nil {
			e.log.Error("applying partial exit", "trade_id", snap.ID, "target", i+1, "error", err)
			return false, true
		}

		e.log.Info("partial exit", "trade_id", snap.ID, "symbol", snap.Symbol, "target", i+1,
			"shares", pe.Shares, "price", pe.Price, "pnl", pe.PnL, "remaining", snap.RemainingShares)
		e.publish(domain.EventPartialExit, snap, pe.Reason)
		if done {
			e.finishClose(ctx, snap, tripped)
			return true, false
		}
		if short {
			e.log.Warn("short fill on final target, will retry", "trade_id", snap.ID, "symbol", snap.Symbol,
				"target", i+1, "filled", pe.Shares, "remaining", snap.RemainingShares)
			return false, false
		}
	}
	return false, false
}

// lastTargetIndex is the final target that has a scale-out fraction; it
// liquidates everything left.
func lastTargetIndex(t *domain.Trade) int {
	return min(len(t.TargetPrices), len(t.Policy.ScaleOutFractions)) - 1
}

// scaleOutShares returns the shares to sell at target index: the configured
// fraction of the original shares (at least one), capped at the remaining
// shares. The last target sells everything that remains.
func scaleOutShares(t *domain.Trade, index int) int {
	last := lastTargetIndex(t)
	if index >= last {
		return t.RemainingShares
	}
	n := int(math.Floor(float64(t.Shares)*t.Policy.ScaleOutFractions[index] + eps))
	return min(max(n, 1), t.RemainingShares)
}

// escalateStop applies the breakeven and trailing transitions and, while
// trailing, follows the water mark. The stop only ever tightens. It reports
// whether the effective stop or its mode changed. The caller holds e.mu.
func escalateStop(t *domain.Trade, price float64, at time.Time) bool {
	changed := false
	sign := t.Direction.Sign()

	if t.TargetHit(0) && t.Stop.Mode == domain.StopModeOriginal {
		_ = t.AdvanceStopMode(domain.StopModeBreakeven)
		t.TightenStop(t.EntryPrice, "breakeven", at)
		changed = true
	}

	if t.TargetHit(1) && t.Stop.Mode != domain.StopModeTrailing {
		_ = t.AdvanceStopMode(domain.StopModeTrailing)
		t.Stop.WaterMark = price
		t.TightenStop(price*(1-sign*t.Policy.TrailPct), "trailing_start", at)
		return true
	}

	if t.Stop.Mode == domain.StopModeTrailing && (price-t.Stop.WaterMark)*sign > 0 {
		t.Stop.WaterMark = price
		if t.TightenStop(price*(1-sign*t.Policy.TrailPct), "trailing", at) {
			changed = true
		}
	}
	return changed
}
