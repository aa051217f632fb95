package domain

import "time"

// EventType identifies a lifecycle event published by the engine.
type EventType string

const (
	EventTradePending   EventType = "trade_pending"
	EventTradeOpened    EventType = "trade_opened"
	EventTradeRejected  EventType = "trade_rejected"
	EventTradeCancelled EventType = "trade_cancelled"
	EventPartialExit    EventType = "partial_exit"
	EventStopAdjusted   EventType = "stop_adjusted"
	EventTradeClosed    EventType = "trade_closed"
	EventExitFailed     EventType = "exit_failed"
	EventDailyLimitHit  EventType = "daily_limit_hit"
	EventModeChanged    EventType = "mode_changed"
	EventConfigApplied  EventType = "config_applied"
	EventSessionReset   EventType = "session_reset"
	// EventSnapshot carries a live trade's current state to a new stream
	// subscriber.
	EventSnapshot EventType = "snapshot"
)

// Event is a lifecycle notification fanned out to subscribers. Trade is a
// snapshot taken at publish time and is never shared with the engine.
type Event struct {
	Type    EventType `json:"type"`
	TradeID string    `json:"trade_id,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Message string    `json:"message,omitempty"`
	Trade   *Trade    `json:"trade,omitempty"`
	Time    time.Time `json:"time"`
}
