// Package engine drives the trade lifecycle: it evaluates candidates into
// sized trades, executes them, manages stops, scale-outs and trailing stops
// on open positions, closes session-scoped trades before the close and
// enforces the daily loss ceiling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/internal/util"
)

// Source is the pull-based opportunity feed, drained once per cycle.
type Source interface {
	Pull(ctx context.Context) ([]domain.Candidate, error)
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ev domain.Event)
}

// Deps are the collaborators the engine is assembled from. Store, Archive,
// Events and Logger are optional.
type Deps struct {
	Gateway  broker.ExecutionGateway
	Quotes   broker.QuoteService
	Source   Source
	Registry *strategy.Registry
	Calendar *util.TradingCalendar
	Store    store.TradeStore
	Archive  store.TradeArchive
	Events   Publisher
	Logger   *slog.Logger
}

// Settings are the runtime-adjustable parameters.
type Settings struct {
	Risk         config.RiskConfig
	Mode         domain.Mode
	TickInterval time.Duration
	CloseBuffer  time.Duration
}

// SettingsFromConfig extracts the engine settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Risk:         cfg.Risk,
		Mode:         cfg.Engine.Mode,
		TickInterval: cfg.Engine.TickInterval,
		CloseBuffer:  cfg.Session.CloseBuffer,
	}
}

// TradeFilter selects trades for Trades. Zero fields match everything.
type TradeFilter struct {
	Status domain.TradeStatus
	Symbol string
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Mode          domain.Mode `json:"mode"`
	Pending       int         `json:"pending"`
	Open          int         `json:"open"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	Daily         DailyStats  `json:"daily"`
}

// Engine owns every live trade. One logical writer at a time: the control
// loop cycle and operator commands serialise on writeMu and are the only
// code that mutates trades or the governor, always under mu. Readers take
// mu.RLock and receive deep copies. Gateway and quote calls are made holding
// writeMu but not mu, on copies of the trade.
type Engine struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	trades    map[string]*domain.Trade
	governor  *Governor
	evaluator *Evaluator
	settings  Settings
	calendar  *util.TradingCalendar

	gateway  broker.ExecutionGateway
	quotes   broker.QuoteService
	source   Source
	registry *strategy.Registry
	store    store.TradeStore
	archive  store.TradeArchive
	events   Publisher
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(deps Deps, settings Settings) *Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if settings.Mode == "" {
		settings.Mode = domain.ModeConfirmation
	}
	e := &Engine{
		trades:    make(map[string]*domain.Trade),
		evaluator: NewEvaluator(deps.Registry, settings.Risk),
		settings:  settings,
		calendar:  deps.Calendar,
		gateway:   deps.Gateway,
		quotes:    deps.Quotes,
		source:    deps.Source,
		registry:  deps.Registry,
		store:     deps.Store,
		archive:   deps.Archive,
		events:    deps.Events,
		log:       log.With("component", "engine"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	e.governor = NewGovernor(settings.Risk.MaxDailyLoss, e.sessionDate(e.now()))
	return e
}

// ---------------------------------------------------------------------------
// Control loop
// ---------------------------------------------------------------------------

// Run executes a cycle immediately and then once per tick interval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	interval := e.settings.TickInterval
	e.mu.RUnlock()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	e.log.Info("engine started", "tick", interval, "mode", e.Mode())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one pass of the control loop: pull and evaluate candidates
// (unless paused), execute them in autonomous mode, update and manage every
// open trade, then apply the end-of-session closure. Failures are contained
// to the symbol they occur on.
func (e *Engine) Cycle(ctx context.Context) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.intake(ctx)

	for _, tr := range e.openTrades() {
		if ctx.Err() != nil {
			return
		}
		e.manageTrade(ctx, tr)
	}

	e.closeSession(ctx)
}

func (e *Engine) intake(ctx context.Context) {
	if e.source == nil {
		return
	}
	candidates, err := e.source.Pull(ctx)
	if err != nil {
		e.log.Warn("pulling candidates", "error", err)
		return
	}
	mode := e.Mode()
	if mode == domain.ModePaused {
		if len(candidates) > 0 {
			e.log.Info("paused, discarding candidates", "count", len(candidates))
		}
		return
	}

	for _, c := range candidates {
		tr, err := e.admit(ctx, c)
		if err != nil {
			lvl := slog.LevelInfo
			if errors.Is(err, ErrRiskLimitExceeded) {
				lvl = slog.LevelDebug
			}
			e.log.Log(ctx, lvl, "candidate skipped", "symbol", c.Symbol, "setup", c.SetupType, "reason", err)
			continue
		}
		if mode == domain.ModeAutonomous {
			if err := e.execute(ctx, tr); err != nil {
				e.log.Warn("entry failed", "trade_id", tr.ID, "symbol", tr.Symbol, "error", err)
			}
		}
	}
}

// admit evaluates a candidate against the current book and registers the
// resulting Pending trade.
func (e *Engine) admit(ctx context.Context, c domain.Candidate) (*domain.Trade, error) {
	e.mu.Lock()
	tr, err := e.evaluator.Evaluate(c, e.bookLocked())
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	tr.ID = e.newID()
	tr.CreatedAt = e.now()
	e.trades[tr.ID] = tr
	snap := tr.Clone()
	e.mu.Unlock()

	e.log.Info("trade pending", "trade_id", snap.ID, "symbol", snap.Symbol, "setup", snap.SetupType,
		"shares", snap.Shares, "entry", snap.PlannedEntry, "stop", snap.StopPrice,
		"risk", snap.RiskAmount, "rr", snap.RiskRewardRatio)
	e.persist(ctx, snap)
	e.publish(domain.EventTradePending, snap, "")
	return tr, nil
}

func (e *Engine) bookLocked() bookState {
	b := bookState{limitHit: e.governor.LimitHit(), active: make(map[string]bool)}
	for _, t := range e.trades {
		if t.Status.Terminal() {
			continue
		}
		b.active[t.Symbol] = true
		if t.Status == domain.StatusOpen {
			b.openCount++
		}
	}
	return b
}

// execute submits the entry for a Pending trade. A gateway failure rejects
// the trade.
func (e *Engine) execute(ctx context.Context, tr *domain.Trade) error {
	fill, err := e.gateway.SubmitEntry(ctx, e.snapshot(tr))
	if err != nil {
		e.mu.Lock()
		_ = tr.Reject(fmt.Sprintf("entry rejected: %v", err), e.now())
		snap := tr.Clone()
		e.mu.Unlock()

		e.persist(ctx, snap)
		e.publish(domain.EventTradeRejected, snap, err.Error())
		return fmt.Errorf("%w: entry %s: %v", ErrExecution, tr.Symbol, err)
	}

	e.mu.Lock()
	if err := tr.Open(fill, e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	snap := tr.Clone()
	e.mu.Unlock()

	e.log.Info("trade opened", "trade_id", snap.ID, "symbol", snap.Symbol, "fill", fill.Price, "shares", snap.Shares)
	e.persist(ctx, snap)
	e.publish(domain.EventTradeOpened, snap, "")
	e.protect(ctx, tr)
	return nil
}

// protect places or replaces the broker-side stop order. The engine-managed
// stop stays authoritative, so failures are only logged.
func (e *Engine) protect(ctx context.Context, tr *domain.Trade) {
	snap := e.snapshot(tr)
	if snap.Status != domain.StatusOpen {
		return
	}
	id, err := e.gateway.SubmitStopOrder(ctx, snap)
	if err != nil {
		e.log.Warn("stop order failed", "trade_id", snap.ID, "symbol", snap.Symbol, "stop", snap.Stop.CurrentStop, "error", err)
		return
	}
	e.mu.Lock()
	tr.StopOrderID = id
	snap = tr.Clone()
	e.mu.Unlock()
	e.persist(ctx, snap)
}

// closeTrade liquidates the remaining shares of an open trade. On gateway
// failure the trade is left untouched and its broker-side stop is re-placed.
func (e *Engine) closeTrade(ctx context.Context, tr *domain.Trade, reason string) error {
	snap := e.snapshot(tr)
	fill, err := e.gateway.ClosePosition(ctx, snap)
	if err != nil {
		e.log.Warn("close failed, will retry", "trade_id", snap.ID, "symbol", snap.Symbol, "reason", reason, "error", err)
		e.publish(domain.EventExitFailed, snap, fmt.Sprintf("%s: %v", reason, err))
		e.protect(ctx, tr)
		return fmt.Errorf("%w: close %s: %v", ErrExecution, snap.Symbol, err)
	}

	e.mu.Lock()
	if fill.Price <= 0 {
		fill.Price = tr.CurrentPrice
	}
	if err := tr.Close(fill, reason, e.now()); err != nil {
		snap = tr.Clone()
		e.mu.Unlock()
		if !errors.Is(err, domain.ErrShortFill) {
			return err
		}
		e.log.Warn("close filled short, will retry", "trade_id", snap.ID, "symbol", snap.Symbol,
			"reason", reason, "filled", fill.Shares, "remaining", snap.RemainingShares)
		e.persist(ctx, snap)
		e.publish(domain.EventExitFailed, snap, fmt.Sprintf("%s: %v", reason, err))
		e.protect(ctx, tr)
		return fmt.Errorf("%w: close %s: %v", ErrExecution, snap.Symbol, err)
	}
	tripped := e.governor.RecordClose(tr.RealizedPnL)
	snap = tr.Clone()
	e.mu.Unlock()

	e.finishClose(ctx, snap, tripped)
	return nil
}

// finishClose persists, archives and announces a trade that has just closed.
func (e *Engine) finishClose(ctx context.Context, snap *domain.Trade, tripped bool) {
	e.log.Info("trade closed", "trade_id", snap.ID, "symbol", snap.Symbol,
		"reason", snap.CloseReason, "realized_pnl", snap.RealizedPnL)
	e.persist(ctx, snap)
	if e.archive != nil {
		if err := e.archive.ArchiveTrades(ctx, []*domain.Trade{snap}); err != nil {
			e.log.Warn("archiving trade", "trade_id", snap.ID, "error", err)
		}
	}
	e.publish(domain.EventTradeClosed, snap, snap.CloseReason)

	if tripped {
		stats := e.Stats().Daily
		e.log.Warn("daily loss limit hit, new entries blocked", "net_pnl", stats.NetPnL, "max_daily_loss", stats.MaxDailyLoss)
		e.publish(domain.EventDailyLimitHit, nil, fmt.Sprintf("net P&L %.2f", stats.NetPnL))
	}
}

// ---------------------------------------------------------------------------
// Operator commands
// ---------------------------------------------------------------------------

// Confirm executes a Pending trade. It is refused while the daily limit is
// hit or the open-position cap is reached.
func (e *Engine) Confirm(ctx context.Context, id string) (*domain.Trade, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tr, err := e.lookup(id, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	err = e.governor.Check()
	open := e.bookLocked().openCount
	limit := e.settings.Risk.MaxOpenPositions
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if open >= limit {
		return nil, fmt.Errorf("%s: %w (%d)", id, ErrMaxOpenPositions, limit)
	}
	if err := e.execute(ctx, tr); err != nil {
		return e.snapshot(tr), err
	}
	return e.snapshot(tr), nil
}

// Cancel withdraws a Pending trade.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*domain.Trade, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tr, err := e.lookup(id, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	e.mu.Lock()
	err = tr.Cancel(reason, e.now())
	snap := tr.Clone()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.log.Info("trade cancelled", "trade_id", id, "symbol", snap.Symbol, "reason", reason)
	e.persist(ctx, snap)
	e.publish(domain.EventTradeCancelled, snap, reason)
	return snap, nil
}

// Close liquidates an Open trade with reason manual.
func (e *Engine) Close(ctx context.Context, id string) (*domain.Trade, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tr, err := e.lookup(id, domain.StatusOpen)
	if err != nil {
		return nil, err
	}
	if err := e.closeTrade(ctx, tr, domain.ReasonManual); err != nil {
		return nil, err
	}
	return e.snapshot(tr), nil
}

// SetMode switches the operating mode.
func (e *Engine) SetMode(mode domain.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}
	e.mu.Lock()
	prev := e.settings.Mode
	e.settings.Mode = mode
	e.mu.Unlock()

	if prev != mode {
		e.log.Info("mode changed", "from", prev, "to", mode)
		e.publish(domain.EventModeChanged, nil, string(mode))
	}
	return nil
}

// Mode returns the current operating mode.
func (e *Engine) Mode() domain.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.Mode
}

// ApplyConfig re-applies a validated configuration at runtime: risk limits,
// exit policies, mode, session calendar and close buffer. Trades already
// created keep the policy and sizing they were created with.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	cal, err := cfg.Calendar()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.registry.SetPolicies(cfg.ExitPolicies); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	next := SettingsFromConfig(cfg)
	e.mu.Lock()
	e.settings = next
	e.calendar = cal
	e.evaluator = NewEvaluator(e.registry, next.Risk)
	e.governor.SetMaxDailyLoss(next.Risk.MaxDailyLoss)
	e.mu.Unlock()

	e.log.Info("config applied", "mode", next.Mode, "max_risk_per_trade", next.Risk.MaxRiskPerTrade,
		"max_daily_loss", next.Risk.MaxDailyLoss, "max_open_positions", next.Risk.MaxOpenPositions)
	e.publish(domain.EventConfigApplied, nil, "")
	return nil
}

// ResetSession starts a new trading session: the governor's counters are
// zeroed and terminal trades are dropped from memory (they remain in the
// store and archive).
func (e *Engine) ResetSession() {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	date := e.sessionDate(e.now())
	e.mu.Lock()
	e.governor.Reset(date)
	for id, t := range e.trades {
		if t.Status.Terminal() {
			delete(e.trades, id)
		}
	}
	e.mu.Unlock()

	e.log.Info("session reset", "date", date)
	e.publish(domain.EventSessionReset, nil, date)
}

// Restore reloads Open trades from the store into the working set. Other
// statuses are historical and are not loaded.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	open, err := e.store.ListTrades(ctx, domain.StatusOpen)
	if err != nil {
		return 0, fmt.Errorf("restoring open trades: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range open {
		if err := t.CheckInvariants(); err != nil {
			e.log.Error("skipping inconsistent trade", "trade_id", t.ID, "symbol", t.Symbol, "error", err)
			continue
		}
		e.trades[t.ID] = t
		n++
	}
	e.log.Info("restored open trades", "count", n)
	return n, nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Trades returns deep copies of the trades in memory matching f, oldest
// first.
func (e *Engine) Trades(f TradeFilter) []*domain.Trade {
	e.mu.RLock()
	out := make([]*domain.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		out = append(out, t.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LiveTrades returns deep copies of every Pending and Open trade.
func (e *Engine) LiveTrades() []*domain.Trade {
	all := e.Trades(TradeFilter{})
	out := all[:0]
	for _, t := range all {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// Trade returns a deep copy of one trade. Trades no longer in memory are
// read from the store.
func (e *Engine) Trade(ctx context.Context, id string) (*domain.Trade, error) {
	e.mu.RLock()
	t, ok := e.trades[id]
	if ok {
		t = t.Clone()
	}
	e.mu.RUnlock()
	if ok {
		return t, nil
	}
	if e.store != nil {
		t, err := e.store.GetTrade(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrTradeNotFound)
}

// Stats returns the engine summary and the governor's session statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{Mode: e.settings.Mode, Daily: e.governor.Stats()}
	for _, t := range e.trades {
		switch t.Status {
		case domain.StatusPending:
			s.Pending++
		case domain.StatusOpen:
			s.Open++
			s.UnrealizedPnL += t.UnrealizedPnL()
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) lookup(id string, want domain.TradeStatus) (*domain.Trade, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTradeNotFound)
	}
	if t.Status != want {
		return nil, fmt.Errorf("%w: trade %s is %s, not %s", ErrInvalidTransition, id, t.Status, want)
	}
	return t, nil
}

// openTrades returns the live pointers of all Open trades. Only the writer
// may use them.
func (e *Engine) openTrades() []*domain.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*domain.Trade
	for _, t := range e.trades {
		if t.Status == domain.StatusOpen {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) snapshot(t *domain.Trade) *domain.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return t.Clone()
}

func (e *Engine) persist(ctx context.Context, snap *domain.Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(ctx, snap); err != nil {
		e.log.Warn("persisting trade", "trade_id", snap.ID, "status", snap.Status, "error", err)
	}
}

func (e *Engine) publish(typ domain.EventType, snap *domain.Trade, msg string) {
	if e.events == nil {
		return
	}
	ev := domain.Event{Type: typ, Message: msg, Trade: snap, Time: e.now()}
	if snap != nil {
		ev.TradeID = snap.ID
		ev.Symbol = snap.Symbol
	}
	e.events.Publish(ev)
}

func (e *Engine) sessionDate(t time.Time) string {
	if e.calendar == nil {
		return t.Format("2006-01-02")
	}
	return e.calendar.SessionDate(t)
}
