package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/strategy/builtins"
	"autotrader/internal/util"
)

// stubSource hands out queued candidates on the next Pull.
type stubSource struct {
	mu    sync.Mutex
	queue []domain.Candidate
}

func (s *stubSource) Push(c ...domain.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, c...)
}

func (s *stubSource) Pull(_ context.Context) ([]domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, nil
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	e      *Engine
	sim    *broker.SimulatorBroker
	src    *stubSource
	events *recorder
	clock  time.Time
	ny     *time.Location
}

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		MaxRiskPerTrade:        200,
		MaxDailyLoss:           500,
		StartingCapital:        100000,
		MaxPositionPct:         25,
		MaxOpenPositions:       3,
		MinRiskReward:          1.5,
		StopVolatilityMultiple: 1.5,
		TargetRMultiples:       []float64{2, 3, 4},
	}
}

func newFixture(t *testing.T, mode domain.Mode, risk config.RiskConfig, ts store.TradeStore) *fixture {
	t.Helper()
	cal, err := util.NewTradingCalendar("America/New_York", "09:30", "16:00")
	require.NoError(t, err)

	f := &fixture{
		sim:    broker.NewSimulatorBroker(),
		src:    &stubSource{},
		events: &recorder{},
		ny:     cal.Location(),
	}
	// Wednesday, mid-session.
	f.clock = time.Date(2024, 6, 5, 11, 0, 0, 0, f.ny)

	f.e = NewEngine(Deps{
		Gateway:  f.sim,
		Quotes:   f.sim,
		Source:   f.src,
		Registry: builtins.NewRegistry(),
		Calendar: cal,
		Store:    ts,
		Events:   f.events,
	}, Settings{Risk: risk, Mode: mode, TickInterval: time.Second, CloseBuffer: 10 * time.Minute})
	f.e.now = func() time.Time { return f.clock }
	seq := 0
	f.e.newID = func() string {
		seq++
		return fmt.Sprintf("trade-%d", seq)
	}
	return f
}

func longCandidate(symbol string) domain.Candidate {
	return domain.Candidate{
		Symbol:       symbol,
		SetupType:    "pullback",
		Direction:    domain.DirectionLong,
		CurrentPrice: 100,
		StopPrice:    98,
		TargetPrices: []float64{103, 106, 109},
		Score:        80,
	}
}

// openLong pushes a long candidate at 100 and runs a cycle in autonomous
// mode, returning the opened trade's ID.
func (f *fixture) openLong(t *testing.T, symbol string) string {
	t.Helper()
	f.sim.SetQuote(symbol, 100)
	f.src.Push(longCandidate(symbol))
	f.e.Cycle(context.Background())
	trades := f.e.Trades(TradeFilter{Symbol: symbol, Status: domain.StatusOpen})
	require.Len(t, trades, 1)
	return trades[0].ID
}

func (f *fixture) tick(symbol string, price float64) {
	f.sim.SetQuote(symbol, price)
	f.e.Cycle(context.Background())
}

func (f *fixture) trade(t *testing.T, id string) *domain.Trade {
	t.Helper()
	tr, err := f.e.Trade(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, tr.CheckInvariants())
	return tr
}

func TestSizePosition(t *testing.T) {
	base := SizingParams{MaxRiskPerTrade: 200, StartingCapital: 100000, MaxPositionPct: 25}
	tests := []struct {
		name       string
		entry      float64
		stop       float64
		dir        domain.Direction
		params     SizingParams
		wantShares int
		wantRisk   float64
		wantErr    error
	}{
		{"risk bound", 100, 98, domain.DirectionLong, base, 100, 200, nil},
		{"capital bound", 100, 98, domain.DirectionLong, SizingParams{MaxRiskPerTrade: 200, StartingCapital: 5000, MaxPositionPct: 10}, 5, 10, nil},
		{"short", 50, 51, domain.DirectionShort, base, 200, 200, nil},
		{"one share minimum", 100, 98, domain.DirectionLong, SizingParams{MaxRiskPerTrade: 200, StartingCapital: 50, MaxPositionPct: 100}, 1, 2, nil},
		{"one share over ceiling", 100, 50, domain.DirectionLong, SizingParams{MaxRiskPerTrade: 20, StartingCapital: 100000, MaxPositionPct: 25}, 0, 0, ErrRiskExceedsLimit},
		{"zero distance", 100, 100, domain.DirectionLong, base, 0, 0, ErrInvalidStop},
		{"long stop above entry", 100, 101, domain.DirectionLong, base, 0, 0, ErrInvalidStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SizePosition(tt.entry, tt.stop, tt.dir, tt.params)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShares, got.Shares)
			assert.InDelta(t, tt.wantRisk, got.RiskAmount, 1e-9)
			assert.LessOrEqual(t, got.RiskAmount, tt.params.MaxRiskPerTrade+1e-9)
		})
	}
}

func TestEvaluatorFilters(t *testing.T) {
	ev := NewEvaluator(builtins.NewRegistry(), testRisk())
	empty := bookState{active: map[string]bool{}}

	tr, err := ev.Evaluate(longCandidate("aapl"), empty)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", tr.Symbol)
	assert.Equal(t, domain.StatusPending, tr.Status)
	assert.Equal(t, 100, tr.Shares)
	assert.InDelta(t, 1.5, tr.RiskRewardRatio, 1e-9)
	assert.InDelta(t, 300, tr.PotentialReward, 1e-9)
	assert.Equal(t, domain.TimeframeIntraday, tr.Timeframe)
	assert.True(t, tr.Policy.CloseAtSessionEnd)

	tests := []struct {
		name    string
		mutate  func(*domain.Candidate)
		book    bookState
		wantErr error
	}{
		{"daily limit", nil, bookState{limitHit: true}, ErrRiskLimitExceeded},
		{"duplicate symbol", nil, bookState{active: map[string]bool{"AAPL": true}}, ErrDuplicateSymbol},
		{"max open", nil, bookState{active: map[string]bool{}, openCount: 3}, ErrMaxOpenPositions},
		{"rr too low", func(c *domain.Candidate) { c.TargetPrices = []float64{102, 104} }, empty, ErrRiskRewardTooLow},
		{"no stop no volatility", func(c *domain.Candidate) { c.StopPrice = 0 }, empty, ErrInvalidStop},
		{"target wrong side", func(c *domain.Candidate) { c.TargetPrices = []float64{97} }, empty, ErrValidation},
		{"setup rejects", func(c *domain.Candidate) { c.SetupType = "breakout" }, empty, ErrSetupRejected},
		{"bad direction", func(c *domain.Candidate) { c.Direction = "sideways" }, empty, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := longCandidate("AAPL")
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			_, err := ev.Evaluate(c, tt.book)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEvaluatorDerivesLevels(t *testing.T) {
	ev := NewEvaluator(builtins.NewRegistry(), testRisk())
	book := bookState{active: map[string]bool{}}

	long, err := ev.Evaluate(domain.Candidate{
		Symbol: "XYZ", SetupType: "mystery", Direction: domain.DirectionLong,
		CurrentPrice: 50, Volatility: 1,
	}, book)
	require.NoError(t, err)
	assert.InDelta(t, 48.5, long.StopPrice, 1e-9)
	require.Len(t, long.TargetPrices, 3)
	assert.InDelta(t, 53, long.TargetPrices[0], 1e-9)
	assert.InDelta(t, 56, long.TargetPrices[2], 1e-9)
	assert.Equal(t, domain.TimeframeIntraday, long.Policy.Timeframe, "unknown setup falls back to the default policy")

	short, err := ev.Evaluate(domain.Candidate{
		Symbol: "XYZ", SetupType: "trend_continuation", Direction: domain.DirectionShort,
		CurrentPrice: 50, TriggerPrice: 49.5, Volatility: 1, Score: 60,
		TargetPrices: []float64{44, 46},
	}, book)
	require.NoError(t, err)
	assert.InDelta(t, 49.5, short.PlannedEntry, 1e-9)
	assert.InDelta(t, 51, short.StopPrice, 1e-9)
	assert.Equal(t, []float64{46, 44}, short.TargetPrices, "short targets are ordered nearest first")
	assert.False(t, short.Policy.CloseAtSessionEnd)

	swing, err := ev.Evaluate(domain.Candidate{
		Symbol: "XYZ", SetupType: "swing_breakout", Direction: domain.DirectionLong,
		CurrentPrice: 49.8, TriggerPrice: 50, Volatility: 1, Score: 70,
	}, book)
	require.NoError(t, err)
	assert.InDelta(t, 48, swing.StopPrice, 1e-9, "swing setups place the derived stop two volatility units away")
	assert.InDelta(t, 54, swing.TargetPrices[0], 1e-9)
}

func TestConfirmationModeLifecycle(t *testing.T) {
	f := newFixture(t, domain.ModeConfirmation, testRisk(), nil)
	ctx := context.Background()
	f.sim.SetQuote("AAPL", 100)
	f.src.Push(longCandidate("AAPL"))
	f.e.Cycle(ctx)

	pending := f.e.Trades(TradeFilter{Status: domain.StatusPending})
	require.Len(t, pending, 1)
	id := pending[0].ID
	assert.Equal(t, 0, f.sim.CallCount(broker.OpEntry), "confirmation mode must not execute")

	// A second candidate for the same symbol is skipped while one is pending.
	f.src.Push(longCandidate("AAPL"))
	f.e.Cycle(ctx)
	assert.Len(t, f.e.Trades(TradeFilter{}), 1)

	tr, err := f.e.Confirm(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, tr.Status)
	assert.Equal(t, 100.0, tr.EntryPrice)
	assert.NotEmpty(t, tr.StopOrderID)
	assert.Equal(t, 1, f.sim.CallCount(broker.OpStopOrder))

	_, err = f.e.Confirm(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.e.Cancel(ctx, id, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.e.Confirm(ctx, "nope")
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t, domain.ModeConfirmation, testRisk(), nil)
	ctx := context.Background()
	f.src.Push(longCandidate("AAPL"))
	f.e.Cycle(ctx)
	id := f.e.Trades(TradeFilter{})[0].ID

	tr, err := f.e.Cancel(ctx, id, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, tr.Status)
	assert.Equal(t, "changed my mind", tr.CloseReason)
	assert.Equal(t, 1, f.events.count(domain.EventTradeCancelled))
	assert.Equal(t, 0, f.sim.CallCount(broker.OpEntry))
}

func TestEntryFailureRejects(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	f.sim.FailOnce(broker.OpEntry, nil)
	f.sim.SetQuote("AAPL", 100)
	f.src.Push(longCandidate("AAPL"))
	f.e.Cycle(context.Background())

	trades := f.e.Trades(TradeFilter{})
	require.Len(t, trades, 1)
	assert.Equal(t, domain.StatusRejected, trades[0].Status)
	assert.Contains(t, trades[0].CloseReason, "simulated failure")
	assert.Equal(t, 1, f.events.count(domain.EventTradeRejected))
}

func TestStopTakesPriorityOverTarget(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")

	f.tick("AAPL", 97)

	tr := f.trade(t, id)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, domain.ReasonStopLoss, tr.CloseReason)
	assert.Empty(t, tr.TargetsHit)
	assert.Equal(t, 0, f.sim.CallCount(broker.OpPartialExit))
	assert.InDelta(t, -300, tr.RealizedPnL, 1e-9)

	stats := f.e.Stats().Daily
	assert.Equal(t, 1, stats.TradesExecuted)
	assert.Equal(t, 1, stats.TradesLost)
	assert.InDelta(t, -300, stats.LargestLoss, 1e-9)
}

func TestScaleOutBreakevenAndTrailing(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")

	f.tick("AAPL", 103)
	tr := f.trade(t, id)
	assert.Equal(t, 50, tr.RemainingShares)
	assert.Equal(t, []int{0}, tr.TargetsHit)
	assert.Equal(t, domain.StopModeBreakeven, tr.Stop.Mode)
	assert.Equal(t, 100.0, tr.Stop.CurrentStop)
	assert.InDelta(t, 150, tr.RealizedPnL, 1e-9)

	f.tick("AAPL", 106)
	tr = f.trade(t, id)
	assert.Equal(t, 20, tr.RemainingShares)
	assert.Equal(t, domain.StopModeTrailing, tr.Stop.Mode)
	assert.InDelta(t, 106, tr.Stop.WaterMark, 1e-9)
	assert.InDelta(t, 104.94, tr.Stop.CurrentStop, 1e-9)

	// A pullback that stays above the stop leaves the stop alone.
	f.tick("AAPL", 105.5)
	assert.InDelta(t, 104.94, f.trade(t, id).Stop.CurrentStop, 1e-9)

	f.tick("AAPL", 108)
	tr = f.trade(t, id)
	assert.InDelta(t, 108, tr.Stop.WaterMark, 1e-9)
	assert.InDelta(t, 106.92, tr.Stop.CurrentStop, 1e-9)

	f.tick("AAPL", 109)
	tr = f.trade(t, id)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, "target_3_complete", tr.CloseReason)
	assert.Equal(t, 0, tr.RemainingShares)
	assert.InDelta(t, 50*3+30*6+20*9, tr.RealizedPnL, 1e-9)
	assert.Equal(t, 1, f.e.Stats().Daily.TradesWon)

	prev := tr.StopPrice
	for _, adj := range tr.Stop.Adjustments {
		assert.GreaterOrEqual(t, adj.New, prev, "long stop must never decrease")
		prev = adj.New
	}
}

func TestFinalTargetLiquidatesEverything(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")

	f.tick("AAPL", 110)

	tr := f.trade(t, id)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, "target_3_complete", tr.CloseReason)
	require.Len(t, tr.Exits, 3)
	assert.Equal(t, []int{50, 30, 20}, []int{tr.Exits[0].Shares, tr.Exits[1].Shares, tr.Exits[2].Shares})
}

func TestScaleOutShares(t *testing.T) {
	tr := &domain.Trade{
		Shares:          7,
		RemainingShares: 7,
		TargetPrices:    []float64{1, 2, 3},
		Policy:          domain.ExitPolicy{ScaleOutFractions: []float64{0.1, 0.2}},
	}
	assert.Equal(t, 1, scaleOutShares(tr, 0), "fraction rounds down but sells at least one share")
	assert.Equal(t, 7, scaleOutShares(tr, 1), "last configured target sells all remaining")

	tr.Policy.ScaleOutFractions = []float64{0.5, 0.3, 0.2}
	tr.RemainingShares = 1
	assert.Equal(t, 1, scaleOutShares(tr, 1), "capped at remaining shares")
}

func TestShortTrailingStop(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	f.sim.SetQuote("TSLA", 50)
	f.src.Push(domain.Candidate{
		Symbol: "TSLA", SetupType: "reversal", Direction: domain.DirectionShort,
		CurrentPrice: 50, StopPrice: 51, TargetPrices: []float64{48, 46, 44}, Score: 90,
	})
	f.e.Cycle(context.Background())
	open := f.e.Trades(TradeFilter{Status: domain.StatusOpen})
	require.Len(t, open, 1)
	id := open[0].ID
	assert.Equal(t, 200, open[0].Shares)

	// Both of the first two targets in one cycle.
	f.tick("TSLA", 46)
	tr := f.trade(t, id)
	assert.Equal(t, []int{0, 1}, tr.TargetsHit)
	assert.Equal(t, domain.StopModeTrailing, tr.Stop.Mode)
	assert.InDelta(t, 46.46, tr.Stop.CurrentStop, 1e-9)

	f.tick("TSLA", 45)
	assert.InDelta(t, 45.45, f.trade(t, id).Stop.CurrentStop, 1e-9)

	f.tick("TSLA", 45.6)
	tr = f.trade(t, id)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, domain.ReasonStopLossTrailing, tr.CloseReason)

	prev := tr.StopPrice
	for _, adj := range tr.Stop.Adjustments {
		assert.LessOrEqual(t, adj.New, prev, "short stop must never increase")
		prev = adj.New
	}
}

func TestDailyLimitBlocksEntriesButManagesOpenTrades(t *testing.T) {
	risk := testRisk()
	risk.MaxDailyLoss = 250
	f := newFixture(t, domain.ModeAutonomous, risk, nil)
	aapl := f.openLong(t, "AAPL")
	msft := f.openLong(t, "MSFT")

	f.sim.SetQuote("MSFT", 100)
	f.tick("AAPL", 97)
	require.Equal(t, domain.StatusClosed, f.trade(t, aapl).Status)
	assert.True(t, f.e.Stats().Daily.DailyLimitHit)
	assert.Equal(t, 1, f.events.count(domain.EventDailyLimitHit))

	f.sim.SetQuote("NVDA", 100)
	f.src.Push(longCandidate("NVDA"))
	f.tick("MSFT", 103)

	assert.Empty(t, f.e.Trades(TradeFilter{Symbol: "NVDA"}), "new candidate must be refused")
	tr := f.trade(t, msft)
	assert.Equal(t, 50, tr.RemainingShares, "open trade keeps being managed")
	assert.Equal(t, domain.StopModeBreakeven, tr.Stop.Mode)
}

func TestConfirmRefusedAfterDailyLimit(t *testing.T) {
	risk := testRisk()
	risk.MaxDailyLoss = 250
	f := newFixture(t, domain.ModeAutonomous, risk, nil)
	f.openLong(t, "AAPL")

	require.NoError(t, f.e.SetMode(domain.ModeConfirmation))
	f.sim.SetQuote("MSFT", 100)
	f.src.Push(longCandidate("MSFT"))
	f.e.Cycle(context.Background())
	pending := f.e.Trades(TradeFilter{Status: domain.StatusPending})
	require.Len(t, pending, 1)

	f.tick("AAPL", 97)
	_, err := f.e.Confirm(context.Background(), pending[0].ID)
	assert.ErrorIs(t, err, ErrRiskLimitExceeded)
}

func TestConfirmRespectsMaxOpenPositions(t *testing.T) {
	risk := testRisk()
	risk.MaxOpenPositions = 1
	f := newFixture(t, domain.ModeConfirmation, risk, nil)
	ctx := context.Background()
	for _, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		f.sim.SetQuote(sym, 100)
		f.src.Push(longCandidate(sym))
	}
	f.e.Cycle(ctx)
	pending := f.e.Trades(TradeFilter{Status: domain.StatusPending})
	require.Len(t, pending, 3)

	_, err := f.e.Confirm(ctx, pending[0].ID)
	require.NoError(t, err)
	for _, p := range pending[1:] {
		_, err := f.e.Confirm(ctx, p.ID)
		assert.ErrorIs(t, err, ErrMaxOpenPositions)
		assert.Equal(t, domain.StatusPending, f.trade(t, p.ID).Status)
	}
	assert.Len(t, f.e.Trades(TradeFilter{Status: domain.StatusOpen}), 1)
	assert.Equal(t, 1, f.sim.CallCount(broker.OpEntry))
}

func TestSessionCloseExactlyOnce(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	intraday := f.openLong(t, "AAPL")

	f.sim.SetQuote("SPY", 100)
	f.src.Push(domain.Candidate{
		Symbol: "SPY", SetupType: "swing_breakout", Direction: domain.DirectionLong,
		CurrentPrice: 100, TriggerPrice: 100, StopPrice: 98, TargetPrices: []float64{103, 106}, Score: 90,
	})
	f.e.Cycle(context.Background())
	swing := f.e.Trades(TradeFilter{Symbol: "SPY"})[0].ID

	f.clock = time.Date(2024, 6, 5, 15, 52, 0, 0, f.ny)
	f.e.Cycle(context.Background())

	tr := f.trade(t, intraday)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, domain.ReasonSessionClose, tr.CloseReason)
	assert.Equal(t, domain.StatusOpen, f.trade(t, swing).Status, "swing trades are held overnight")
	assert.Equal(t, 1, f.sim.CallCount(broker.OpClose))

	f.clock = f.clock.Add(time.Minute)
	f.e.Cycle(context.Background())
	assert.Equal(t, 1, f.sim.CallCount(broker.OpClose), "second check in the window is a no-op")
}

func TestSessionCloseRunsWithoutQuote(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")

	f.sim.Fail(broker.OpQuote, nil)
	f.clock = time.Date(2024, 6, 5, 15, 55, 0, 0, f.ny)
	f.e.Cycle(context.Background())

	assert.Equal(t, domain.ReasonSessionClose, f.trade(t, id).CloseReason)
}

func TestQuoteFailureSkipsTrade(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")

	f.sim.Fail(broker.OpQuote, nil)
	f.sim.SetQuote("AAPL", 90)
	f.e.Cycle(context.Background())

	tr := f.trade(t, id)
	assert.Equal(t, domain.StatusOpen, tr.Status, "no forced close on missing quote")
	assert.Equal(t, 100.0, tr.CurrentPrice, "last known price retained")
	assert.Equal(t, 0, f.sim.CallCount(broker.OpClose))
}

func TestGatewayFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")

	f.sim.FailOnce(broker.OpPartialExit, nil)
	f.tick("AAPL", 103)
	tr := f.trade(t, id)
	assert.Equal(t, 100, tr.RemainingShares)
	assert.Empty(t, tr.TargetsHit)
	assert.Equal(t, domain.StopModeOriginal, tr.Stop.Mode)
	assert.Equal(t, 1, f.events.count(domain.EventExitFailed))

	f.tick("AAPL", 103)
	tr = f.trade(t, id)
	assert.Equal(t, 50, tr.RemainingShares, "retried on the next cycle")

	f.sim.Fail(broker.OpClose, nil)
	f.tick("AAPL", 99)
	tr = f.trade(t, id)
	assert.Equal(t, domain.StatusOpen, tr.Status)
	assert.Equal(t, 50, tr.RemainingShares)

	f.sim.Recover(broker.OpClose)
	f.tick("AAPL", 99)
	tr = f.trade(t, id)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, domain.ReasonStopLossBreakeven, tr.CloseReason)
}

func TestFailedExitReplacesProtectiveStop(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")
	require.Equal(t, 1, f.sim.CallCount(broker.OpStopOrder))

	f.sim.FailOnce(broker.OpPartialExit, nil)
	f.tick("AAPL", 103)
	assert.Equal(t, 2, f.sim.CallCount(broker.OpStopOrder), "stop re-placed after failed partial exit")
	assert.Equal(t, 100, f.trade(t, id).RemainingShares)

	f.sim.FailOnce(broker.OpClose, nil)
	f.tick("AAPL", 97)
	tr := f.trade(t, id)
	assert.Equal(t, domain.StatusOpen, tr.Status)
	assert.Equal(t, 3, f.sim.CallCount(broker.OpStopOrder), "stop re-placed after failed close")
	calls := f.sim.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, broker.OpStopOrder, last.Op)
	assert.Equal(t, 100, last.Shares)
	assert.InDelta(t, 98, last.Price, 1e-9)
}

func TestShortFinalFillIsRetried(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")
	f.tick("AAPL", 103)
	f.tick("AAPL", 106)
	require.Equal(t, 20, f.trade(t, id).RemainingShares)

	f.sim.ShortFillOnce(broker.OpPartialExit, 5)
	f.tick("AAPL", 109)
	tr := f.trade(t, id)
	assert.Equal(t, domain.StatusOpen, tr.Status)
	assert.Equal(t, 15, tr.RemainingShares)
	assert.False(t, tr.TargetHit(2), "final target stays open after a short fill")

	f.tick("AAPL", 109)
	tr = f.trade(t, id)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.Equal(t, 0, tr.RemainingShares)
	assert.Equal(t, domain.TargetCompleteReason(2), tr.CloseReason)
}

func TestShortCloseFillKeepsTradeOpen(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	ctx := context.Background()
	id := f.openLong(t, "AAPL")
	f.sim.SetQuote("AAPL", 101)

	f.sim.ShortFillOnce(broker.OpClose, 40)
	_, err := f.e.Close(ctx, id)
	assert.ErrorIs(t, err, ErrExecution)
	tr := f.trade(t, id)
	assert.Equal(t, domain.StatusOpen, tr.Status)
	assert.Equal(t, 60, tr.RemainingShares)
	assert.Zero(t, f.e.Stats().Daily.TradesExecuted, "governor counts only completed closes")

	tr, err = f.e.Close(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, tr.Status)
	assert.InDelta(t, 100, tr.RealizedPnL, 1e-9)
}

func TestManualClose(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")
	f.sim.SetQuote("AAPL", 101)

	tr, err := f.e.Close(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonManual, tr.CloseReason)
	assert.InDelta(t, 100, tr.RealizedPnL, 1e-9)

	_, err = f.e.Close(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPausedModeStillManagesOpenTrades(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	id := f.openLong(t, "AAPL")
	require.NoError(t, f.e.SetMode(domain.ModePaused))
	assert.Error(t, f.e.SetMode("turbo"))

	f.sim.SetQuote("MSFT", 100)
	f.src.Push(longCandidate("MSFT"))
	f.tick("AAPL", 97)

	assert.Empty(t, f.e.Trades(TradeFilter{Symbol: "MSFT"}))
	assert.Equal(t, domain.StatusClosed, f.trade(t, id).Status)
	assert.Equal(t, 1, f.events.count(domain.EventModeChanged))
}

func TestRestoreReloadsOpenTrades(t *testing.T) {
	ts, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	defer ts.Close()

	first := newFixture(t, domain.ModeAutonomous, testRisk(), ts)
	id := first.openLong(t, "AAPL")
	first.tick("AAPL", 103)

	first.sim.SetQuote("MSFT", 100)
	first.src.Push(longCandidate("MSFT"))
	require.NoError(t, first.e.SetMode(domain.ModeConfirmation))
	first.e.Cycle(context.Background())

	second := newFixture(t, domain.ModeAutonomous, testRisk(), ts)
	n, err := second.e.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only open trades are reloaded")

	tr := second.trade(t, id)
	assert.Equal(t, 50, tr.RemainingShares)
	assert.Equal(t, domain.StopModeBreakeven, tr.Stop.Mode)

	second.tick("AAPL", 99.5)
	assert.Equal(t, domain.ReasonStopLossBreakeven, second.trade(t, id).CloseReason)
}

func TestApplyConfig(t *testing.T) {
	f := newFixture(t, domain.ModeConfirmation, testRisk(), nil)

	cfg := &config.Config{
		Broker: config.BrokerConfig{Kind: "simulator"},
		Risk:   testRisk(),
		Session: config.SessionConfig{
			Timezone: "America/New_York", Open: "09:30", Close: "16:00", CloseBuffer: 15 * time.Minute,
		},
		Engine: config.EngineConfig{Mode: domain.ModeAutonomous, TickInterval: time.Second},
		ExitPolicies: map[string]domain.ExitPolicy{
			"pullback": {Timeframe: domain.TimeframeSwing, TrailPct: 0.02, ScaleOutFractions: []float64{0.5, 0.5}},
		},
	}
	cfg.Risk.MaxRiskPerTrade = 100
	require.NoError(t, f.e.ApplyConfig(cfg))
	assert.Equal(t, domain.ModeAutonomous, f.e.Mode())

	id := f.openLong(t, "AAPL")
	tr := f.trade(t, id)
	assert.Equal(t, 50, tr.Shares, "new risk ceiling applies to new trades")
	assert.Equal(t, domain.TimeframeSwing, tr.Policy.Timeframe)

	bad := *cfg
	bad.Risk.MaxRiskPerTrade = 0
	assert.ErrorIs(t, f.e.ApplyConfig(&bad), ErrValidation)
	assert.Equal(t, 1, f.events.count(domain.EventConfigApplied))
}

func TestApplyConfigWaitsForRunningCycle(t *testing.T) {
	f := newFixture(t, domain.ModeConfirmation, testRisk(), nil)
	cfg := &config.Config{
		Broker: config.BrokerConfig{Kind: "simulator"},
		Risk:   testRisk(),
		Session: config.SessionConfig{
			Timezone: "America/New_York", Open: "09:30", Close: "16:00", CloseBuffer: 10 * time.Minute,
		},
		Engine: config.EngineConfig{Mode: domain.ModeConfirmation, TickInterval: time.Second},
		ExitPolicies: map[string]domain.ExitPolicy{
			"pullback": {Timeframe: domain.TimeframeSwing, TrailPct: 0.02, ScaleOutFractions: []float64{0.5, 0.5}},
		},
	}

	f.e.writeMu.Lock()
	done := make(chan error, 1)
	go func() { done <- f.e.ApplyConfig(cfg) }()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.TimeframeIntraday, f.e.registry.Policy("pullback").Timeframe,
		"policies must not change while a writer holds the engine")
	f.e.writeMu.Unlock()

	require.NoError(t, <-done)
	assert.Equal(t, domain.TimeframeSwing, f.e.registry.Policy("pullback").Timeframe)
}

func TestResetSession(t *testing.T) {
	risk := testRisk()
	risk.MaxDailyLoss = 250
	f := newFixture(t, domain.ModeAutonomous, risk, nil)
	f.openLong(t, "AAPL")
	f.tick("AAPL", 97)
	require.True(t, f.e.Stats().Daily.DailyLimitHit)

	f.clock = f.clock.AddDate(0, 0, 1)
	f.e.ResetSession()

	stats := f.e.Stats()
	assert.False(t, stats.Daily.DailyLimitHit)
	assert.Equal(t, "2024-06-06", stats.Daily.SessionDate)
	assert.Empty(t, f.e.Trades(TradeFilter{}), "terminal trades are dropped from memory")

	f.openLong(t, "MSFT")
}

func TestConcurrentReadersDuringCycles(t *testing.T) {
	f := newFixture(t, domain.ModeAutonomous, testRisk(), nil)
	f.openLong(t, "AAPL")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, tr := range f.e.Trades(TradeFilter{}) {
				if err := tr.CheckInvariants(); err != nil {
					t.Errorf("reader observed inconsistent trade: %v", err)
					return
				}
			}
			_ = f.e.Stats()
		}
	}()

	for _, p := range []float64{101, 103, 104, 106, 107, 105, 103} {
		f.tick("AAPL", p)
	}
	close(done)
	wg.Wait()
}

func TestGovernor(t *testing.T) {
	g := NewGovernor(300, "2024-06-05")
	assert.False(t, g.RecordClose(200))
	assert.False(t, g.RecordClose(-150))
	assert.True(t, g.RecordClose(-350), "net -300 reaches the ceiling")
	assert.False(t, g.RecordClose(-10), "limit trips only once")
	require.ErrorIs(t, g.Check(), ErrRiskLimitExceeded)

	s := g.Stats()
	assert.Equal(t, 4, s.TradesExecuted)
	assert.Equal(t, 1, s.TradesWon)
	assert.Equal(t, 3, s.TradesLost)
	assert.InDelta(t, 0.25, s.WinRate, 1e-9)
	assert.InDelta(t, 200, s.LargestWin, 1e-9)
	assert.InDelta(t, -350, s.LargestLoss, 1e-9)
	assert.InDelta(t, -310, s.NetPnL, 1e-9)

	g.Reset("2024-06-06")
	assert.NoError(t, g.Check())
	g.SetMaxDailyLoss(100)
	assert.False(t, g.LimitHit())
}
