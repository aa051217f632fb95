package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidTransition is returned when a lifecycle method is called on a
// trade whose status does not allow it.
var ErrInvalidTransition = errors.New("invalid trade transition")

// ErrShortFill is returned by Close when the liquidating order filled fewer
// shares than remain. The filled part is recorded and the trade stays open.
var ErrShortFill = errors.New("short fill")

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusOpen      TradeStatus = "open"
	StatusClosed    TradeStatus = "closed"
	StatusRejected  TradeStatus = "rejected"
	StatusCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TradeStatus) Terminal() bool {
	return s == StatusClosed || s == StatusRejected || s == StatusCancelled
}

// StopMode is the trailing-stop state of an open trade. Modes only advance:
// original -> breakeven -> trailing.
type StopMode string

const (
	StopModeOriginal  StopMode = "original"
	StopModeBreakeven StopMode = "breakeven"
	StopModeTrailing  StopMode = "trailing"
)

func (m StopMode) rank() int {
	switch m {
	case StopModeBreakeven:
		return 1
	case StopModeTrailing:
		return 2
	}
	return 0
}

// Close reasons recorded on terminal trades.
const (
	ReasonStopLoss          = "stop_loss"
	ReasonStopLossBreakeven = "stop_loss_breakeven"
	ReasonStopLossTrailing  = "stop_loss_trailing"
	ReasonSessionClose      = "session_close"
	ReasonManual            = "manual"
)

// TargetCompleteReason is the close reason when the n-th target (1-based)
// liquidates the last remaining shares.
func TargetCompleteReason(index int) string {
	return fmt.Sprintf("target_%d_complete", index+1)
}

// NoTarget is the TargetIndex of exits that were not triggered by a target.
const NoTarget = -1

// PartialExit records shares sold out of an open trade.
type PartialExit struct {
	TargetIndex int       `json:"target_index"`
	Shares      int       `json:"shares"`
	Price       float64   `json:"price"`
	PnL         float64   `json:"pnl"`
	Reason      string    `json:"reason,omitempty"`
	Time        time.Time `json:"time"`
}

// StopAdjustment records one change of the effective stop.
type StopAdjustment struct {
	Old    float64   `json:"old"`
	New    float64   `json:"new"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// TrailingStop is the stop-management state of a trade.
type TrailingStop struct {
	Mode        StopMode `json:"mode"`
	CurrentStop float64  `json:"current_stop"`
	// WaterMark is the most favourable price seen since trailing began: the
	// high for longs, the low for shorts.
	WaterMark   float64          `json:"water_mark,omitempty"`
	Adjustments []StopAdjustment `json:"adjustments,omitempty"`
}

// Trade is the central entity owned by the engine.
type Trade struct {
	ID        string     `json:"id"`
	Symbol    string     `json:"symbol"`
	Direction Direction  `json:"direction"`
	SetupType string     `json:"setup_type"`
	Timeframe Timeframe  `json:"timeframe"`
	Policy    ExitPolicy `json:"policy"`

	PlannedEntry float64   `json:"planned_entry"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	StopPrice    float64   `json:"stop_price"`
	TargetPrices []float64 `json:"target_prices"`

	Shares          int     `json:"shares"`
	RemainingShares int     `json:"remaining_shares"`
	RiskAmount      float64 `json:"risk_amount"`
	PotentialReward float64 `json:"potential_reward"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`
	RealizedPnL     float64 `json:"realized_pnl"`

	TargetsHit []int         `json:"targets_hit,omitempty"`
	Exits      []PartialExit `json:"exits,omitempty"`
	Stop       TrailingStop  `json:"stop"`

	Status       TradeStatus `json:"status"`
	CloseReason  string      `json:"close_reason,omitempty"`
	EntryOrderID string      `json:"entry_order_id,omitempty"`
	StopOrderID  string      `json:"stop_order_id,omitempty"`

	Score     float64  `json:"score,omitempty"`
	Reasoning []string `json:"reasoning,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ExecutedAt time.Time `json:"executed_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// UnrealizedPnL is the open P&L on the remaining shares at CurrentPrice.
func (t *Trade) UnrealizedPnL() float64 {
	if t.Status != StatusOpen || t.CurrentPrice <= 0 {
		return 0
	}
	return t.pnl(t.CurrentPrice, t.RemainingShares)
}

func (t *Trade) pnl(price float64, shares int) float64 {
	return (price - t.EntryPrice) * t.Direction.Sign() * float64(shares)
}

// TargetHit reports whether the target at index has already been executed.
func (t *Trade) TargetHit(index int) bool {
	for _, i := range t.TargetsHit {
		if i == index {
			return true
		}
	}
	return false
}

// ExitedShares is the total number of shares sold so far.
func (t *Trade) ExitedShares() int {
	n := 0
	for _, e := range t.Exits {
		n += e.Shares
	}
	return n
}

// Open moves a pending trade to open after a confirmed entry fill.
func (t *Trade) Open(fill Fill, at time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, t.Status)
	}
	if fill.Price <= 0 {
		return fmt.Errorf("%w: non-positive fill price %v", ErrInvalidTransition, fill.Price)
	}
	if fill.Shares > 0 && fill.Shares < t.Shares {
		// Partially filled entry: size the trade to what was bought.
		t.RiskAmount = t.RiskAmount * float64(fill.Shares) / float64(t.Shares)
		t.PotentialReward = t.PotentialReward * float64(fill.Shares) / float64(t.Shares)
		t.Shares = fill.Shares
		t.RemainingShares = fill.Shares
	}
	t.Status = StatusOpen
	t.EntryPrice = fill.Price
	t.CurrentPrice = fill.Price
	t.EntryOrderID = fill.OrderID
	t.ExecutedAt = at
	return nil
}

// Reject moves a pending trade to rejected.
func (t *Trade) Reject(reason string, at time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusRejected
	t.CloseReason = reason
	t.ClosedAt = at
	return nil
}

// Cancel withdraws a pending trade before any fill.
func (t *Trade) Cancel(reason string, at time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusCancelled
	t.CloseReason = reason
	t.ClosedAt = at
	return nil
}

// ApplyTargetExit records a confirmed scale-out fill for the target at index.
// When no shares remain afterwards the trade is closed with the target's
// completion reason. A liquidating exit that leaves shares behind (a short
// fill) is recorded but does not mark the target hit, so it is retried.
func (t *Trade) ApplyTargetExit(index int, fill Fill, liquidate bool, at time.Time) (PartialExit, error) {
	if t.Status != StatusOpen {
		return PartialExit{}, fmt.Errorf("%w: target exit from %s", ErrInvalidTransition, t.Status)
	}
	if index < 0 || index >= len(t.TargetPrices) {
		return PartialExit{}, fmt.Errorf("target index %d out of range", index)
	}
	if t.TargetHit(index) {
		return PartialExit{}, fmt.Errorf("target %d already hit", index)
	}
	if fill.Shares <= 0 || fill.Shares > t.RemainingShares {
		return PartialExit{}, fmt.Errorf("exit of %d shares with %d remaining", fill.Shares, t.RemainingShares)
	}
	pe := PartialExit{
		TargetIndex: index,
		Shares:      fill.Shares,
		Price:       fill.Price,
		PnL:         t.pnl(fill.Price, fill.Shares),
		Reason:      fmt.Sprintf("target_%d", index+1),
		Time:        at,
	}
	t.RemainingShares -= fill.Shares
	t.RealizedPnL += pe.PnL
	t.Exits = append(t.Exits, pe)
	t.CurrentPrice = fill.Price
	if liquidate && t.RemainingShares > 0 {
		return pe, nil
	}
	t.TargetsHit = append(t.TargetsHit, index)
	sort.Ints(t.TargetsHit)
	if t.RemainingShares == 0 {
		t.Status = StatusClosed
		t.CloseReason = TargetCompleteReason(index)
		t.ClosedAt = at
	}
	return pe, nil
}

// Close liquidates all remaining shares at the fill price. A fill reporting
// fewer shares than remain is recorded as an exit and ErrShortFill returned.
func (t *Trade) Close(fill Fill, reason string, at time.Time) error {
	if t.Status != StatusOpen {
		return fmt.Errorf("%w: close from %s", ErrInvalidTransition, t.Status)
	}
	if fill.Shares > 0 && fill.Shares < t.RemainingShares {
		pe := PartialExit{
			TargetIndex: NoTarget,
			Shares:      fill.Shares,
			Price:       fill.Price,
			PnL:         t.pnl(fill.Price, fill.Shares),
			Reason:      reason,
			Time:        at,
		}
		t.RealizedPnL += pe.PnL
		t.Exits = append(t.Exits, pe)
		t.RemainingShares -= fill.Shares
		t.CurrentPrice = fill.Price
		return fmt.Errorf("%w: %d of %d shares", ErrShortFill, fill.Shares, fill.Shares+t.RemainingShares)
	}
	if t.RemainingShares > 0 {
		pe := PartialExit{
			TargetIndex: NoTarget,
			Shares:      t.RemainingShares,
			Price:       fill.Price,
			PnL:         t.pnl(fill.Price, t.RemainingShares),
			Reason:      reason,
			Time:        at,
		}
		t.RealizedPnL += pe.PnL
		t.Exits = append(t.Exits, pe)
		t.RemainingShares = 0
	}
	if fill.Price > 0 {
		t.CurrentPrice = fill.Price
	}
	t.Status = StatusClosed
	t.CloseReason = reason
	t.ClosedAt = at
	return nil
}

// IsImprovement reports whether moving the stop to candidate tightens it in
// the trade's favour.
func (t *Trade) IsImprovement(candidate float64) bool {
	if t.Direction == DirectionShort {
		return candidate < t.Stop.CurrentStop
	}
	return candidate > t.Stop.CurrentStop
}

// TightenStop moves the effective stop to candidate if that is an
// improvement and logs the adjustment. It reports whether the stop moved.
func (t *Trade) TightenStop(candidate float64, reason string, at time.Time) bool {
	if candidate <= 0 || !t.IsImprovement(candidate) {
		return false
	}
	t.Stop.Adjustments = append(t.Stop.Adjustments, StopAdjustment{
		Old:    t.Stop.CurrentStop,
		New:    candidate,
		Reason: reason,
		Time:   at,
	})
	t.Stop.CurrentStop = candidate
	return true
}

// AdvanceStopMode moves the stop mode forward. Regressions are rejected.
func (t *Trade) AdvanceStopMode(mode StopMode) error {
	if mode.rank() < t.Stop.Mode.rank() {
		return fmt.Errorf("%w: stop mode %s -> %s", ErrInvalidTransition, t.Stop.Mode, mode)
	}
	t.Stop.Mode = mode
	return nil
}

// StopBreached reports whether price has crossed the effective stop against
// the trade.
func (t *Trade) StopBreached(price float64) bool {
	if t.Direction == DirectionShort {
		return price >= t.Stop.CurrentStop
	}
	return price <= t.Stop.CurrentStop
}

// TargetReached reports whether price has reached the target at index.
func (t *Trade) TargetReached(index int, price float64) bool {
	target := t.TargetPrices[index]
	if t.Direction == DirectionShort {
		return price <= target
	}
	return price >= target
}

// StopLossReason returns the close reason for a stop breach in the current
// stop mode.
func (t *Trade) StopLossReason() string {
	switch t.Stop.Mode {
	case StopModeBreakeven:
		return ReasonStopLossBreakeven
	case StopModeTrailing:
		return ReasonStopLossTrailing
	}
	return ReasonStopLoss
}

// CheckInvariants verifies the share-accounting and stop-mode invariants.
func (t *Trade) CheckInvariants() error {
	if t.RemainingShares < 0 {
		return fmt.Errorf("remaining shares %d is negative", t.RemainingShares)
	}
	if got := t.RemainingShares + t.ExitedShares(); got != t.Shares {
		return fmt.Errorf("remaining %d + exited %d != shares %d", t.RemainingShares, t.ExitedShares(), t.Shares)
	}
	seen := make(map[int]bool, len(t.TargetsHit))
	for _, i := range t.TargetsHit {
		if seen[i] {
			return fmt.Errorf("target %d hit more than once", i)
		}
		seen[i] = true
	}
	prev := t.StopPrice
	for _, adj := range t.Stop.Adjustments {
		if adj.Old != prev {
			return fmt.Errorf("stop log discontinuity: %v then %v", prev, adj.Old)
		}
		if (t.Direction == DirectionLong && adj.New < adj.Old) ||
			(t.Direction == DirectionShort && adj.New > adj.Old) {
			return fmt.Errorf("stop loosened from %v to %v", adj.Old, adj.New)
		}
		prev = adj.New
	}
	if len(t.Stop.Adjustments) > 0 && prev != t.Stop.CurrentStop {
		return fmt.Errorf("current stop %v does not match last adjustment %v", t.Stop.CurrentStop, prev)
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	out := *t
	out.Policy = t.Policy.Clone()
	out.TargetPrices = append([]float64(nil), t.TargetPrices...)
	out.TargetsHit = append([]int(nil), t.TargetsHit...)
	out.Exits = append([]PartialExit(nil), t.Exits...)
	out.Stop.Adjustments = append([]StopAdjustment(nil), t.Stop.Adjustments...)
	out.Reasoning = append([]string(nil), t.Reasoning...)
	return &out
}
