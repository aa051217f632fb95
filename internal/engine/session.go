package engine

import (
	"context"

	"autotrader/internal/domain"
)

// closeSession force-closes every open trade whose policy closes at session
// end, when the current time is inside the pre-close window. It runs after
// exit management, independently of stop and target state and of quote
// availability. Trades already closed are no longer open, so repeated calls
// inside the window are no-ops; a failed close is retried next cycle.
func (e *Engine) closeSession(ctx context.Context) {
	if e.calendar == nil {
		return
	}
	e.mu.RLock()
	buffer := e.settings.CloseBuffer
	e.mu.RUnlock()
	if !e.calendar.InCloseWindow(e.now(), buffer) {
		return
	}

	for _, tr := range e.openTrades() {
		e.mu.RLock()
		due := tr.Status == domain.StatusOpen && tr.Policy.CloseAtSessionEnd
		e.mu.RUnlock()
		if !due {
			continue
		}
		_ = e.closeTrade(ctx, tr, domain.ReasonSessionClose)
	}
}
