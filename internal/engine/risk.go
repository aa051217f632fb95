package engine

import (
	"fmt"
	"math"
)

// DailyStats is the Daily Risk Governor's view of the current session.
// Trades are counted when they close.
type DailyStats struct {
	SessionDate    string  `json:"session_date"`
	TradesExecuted int     `json:"trades_executed"`
	TradesWon      int     `json:"trades_won"`
	TradesLost     int     `json:"trades_lost"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	NetPnL         float64 `json:"net_pnl"`
	LargestWin     float64 `json:"largest_win"`
	LargestLoss    float64 `json:"largest_loss"`
	WinRate        float64 `json:"win_rate"`
	MaxDailyLoss   float64 `json:"max_daily_loss"`
	DailyLimitHit  bool    `json:"daily_limit_hit"`
}

// Governor aggregates realised outcomes for the session and gates new
// entries once net P&L reaches -maxDailyLoss. It is not safe for concurrent
// use; the Engine mutates it only inside the close transition.
type Governor struct {
	stats DailyStats
}

// NewGovernor creates a Governor with the given daily loss ceiling.
func NewGovernor(maxDailyLoss float64, sessionDate string) *Governor {
	return &Governor{stats: DailyStats{SessionDate: sessionDate, MaxDailyLoss: maxDailyLoss}}
}

// RecordClose folds one closed trade's final realised P&L into the session
// totals. It reports whether this close tripped the daily limit.
func (g *Governor) RecordClose(pnl float64) bool {
	s := &g.stats
	s.TradesExecuted++
	switch {
	case pnl > 0:
		s.TradesWon++
		s.GrossProfit += pnl
		s.LargestWin = math.Max(s.LargestWin, pnl)
	case pnl < 0:
		s.TradesLost++
		s.GrossLoss += -pnl
		s.LargestLoss = math.Min(s.LargestLoss, pnl)
	}
	s.NetPnL += pnl
	if decided := s.TradesWon + s.TradesLost; decided > 0 {
		s.WinRate = float64(s.TradesWon) / float64(decided)
	}

	if !s.DailyLimitHit && s.NetPnL <= -s.MaxDailyLoss {
		s.DailyLimitHit = true
		return true
	}
	return false
}

// LimitHit reports whether new entries are blocked.
func (g *Governor) LimitHit() bool {
	return g.stats.DailyLimitHit
}

// Check returns ErrRiskLimitExceeded while the daily limit is hit.
func (g *Governor) Check() error {
	if g.stats.DailyLimitHit {
		return fmt.Errorf("%w: net P&L %.2f <= -%.2f", ErrRiskLimitExceeded, g.stats.NetPnL, g.stats.MaxDailyLoss)
	}
	return nil
}

// SetMaxDailyLoss changes the ceiling. A tighter ceiling that the session has
// already breached trips the limit; a looser one never clears it.
func (g *Governor) SetMaxDailyLoss(v float64) {
	g.stats.MaxDailyLoss = v
	if g.stats.NetPnL <= -v {
		g.stats.DailyLimitHit = true
	}
}

// Reset starts a new session with zeroed counters.
func (g *Governor) Reset(sessionDate string) {
	g.stats = DailyStats{SessionDate: sessionDate, MaxDailyLoss: g.stats.MaxDailyLoss}
}

// Stats returns a copy of the session statistics.
func (g *Governor) Stats() DailyStats {
	return g.stats
}
