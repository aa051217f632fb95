package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autotrader/internal/domain"
)

func sampleTrade(id, symbol string, status domain.TradeStatus, created time.Time) *domain.Trade {
	return &domain.Trade{
		ID:              id,
		Symbol:          symbol,
		Direction:       domain.DirectionLong,
		SetupType:       "breakout",
		Timeframe:       domain.TimeframeIntraday,
		PlannedEntry:    100,
		EntryPrice:      100,
		StopPrice:       98,
		TargetPrices:    []float64{103, 106, 109},
		Shares:          100,
		RemainingShares: 100,
		RiskAmount:      200,
		Stop:            domain.TrailingStop{Mode: domain.StopModeOriginal, CurrentStop: 98},
		Status:          status,
		CreatedAt:       created,
	}
}

func TestSQLiteStoreSaveAndGet(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	tr := sampleTrade("t-1", "AAPL", domain.StatusOpen, time.Now())
	tr.Exits = []domain.PartialExit{{TargetIndex: 0, Shares: 50, Price: 103, PnL: 150}}
	tr.RemainingShares = 50
	if err := s.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	got, err := s.GetTrade(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.RemainingShares != 50 || len(got.Exits) != 1 || got.Exits[0].PnL != 150 {
		t.Errorf("GetTrade = %+v, want snapshot with one 150 exit", got)
	}
	if got.Stop.CurrentStop != 98 {
		t.Errorf("Stop.CurrentStop = %v, want 98", got.Stop.CurrentStop)
	}

	if _, err := s.GetTrade(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTrade(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreTerminalImmutable(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	tr := sampleTrade("t-1", "AAPL", domain.StatusOpen, time.Now())
	if err := s.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("SaveTrade(open): %v", err)
	}
	tr.Status = domain.StatusClosed
	tr.CloseReason = domain.ReasonStopLoss
	if err := s.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("SaveTrade(closed): %v", err)
	}
	tr.CloseReason = "rewritten"
	if err := s.SaveTrade(ctx, tr); !errors.Is(err, ErrImmutable) {
		t.Errorf("overwrite of closed trade error = %v, want ErrImmutable", err)
	}
	got, _ := s.GetTrade(ctx, "t-1")
	if got.CloseReason != domain.ReasonStopLoss {
		t.Errorf("CloseReason = %q, want %q", got.CloseReason, domain.ReasonStopLoss)
	}
}

func TestSQLiteStoreListByStatus(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	for i, st := range []domain.TradeStatus{domain.StatusOpen, domain.StatusPending, domain.StatusOpen, domain.StatusClosed} {
		tr := sampleTrade(string(rune('a'+i)), "SYM", st, base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveTrade(ctx, tr); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	open, err := s.ListTrades(ctx, domain.StatusOpen)
	if err != nil {
		t.Fatalf("ListTrades(open): %v", err)
	}
	if len(open) != 2 || open[0].ID != "a" || open[1].ID != "c" {
		t.Errorf("open trades = %v, want [a c]", ids(open))
	}

	all, err := s.ListTrades(ctx, "")
	if err != nil {
		t.Fatalf("ListTrades(all): %v", err)
	}
	if len(all) != 4 {
		t.Errorf("ListTrades(all) returned %d, want 4", len(all))
	}
}

func ids(trades []*domain.Trade) []string {
	out := make([]string, len(trades))
	for i, t := range trades {
		out[i] = t.ID
	}
	return out
}

func TestParquetArchivePath(t *testing.T) {
	a := NewParquetArchive("/data", nil)
	want := filepath.Join("/data", "closed", "2024-06-15.parquet")
	if got := a.closedPath("2024-06-15"); got != want {
		t.Errorf("closedPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetArchiveWriteRead(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	a := NewParquetArchive(t.TempDir(), ny)
	ctx := context.Background()

	// 00:30 UTC on June 4 is still June 3 in New York.
	closedAt := time.Date(2024, 6, 4, 0, 30, 0, 0, time.UTC)
	tr := sampleTrade("t-1", "AAPL", domain.StatusClosed, closedAt.Add(-time.Hour))
	tr.Exits = []domain.PartialExit{
		{TargetIndex: 0, Shares: 50, Price: 103, PnL: 150},
		{TargetIndex: domain.NoTarget, Shares: 50, Price: 100, PnL: 0},
	}
	tr.RemainingShares = 0
	tr.RealizedPnL = 150
	tr.ClosedAt = closedAt
	tr.CloseReason = domain.ReasonStopLossBreakeven

	open := sampleTrade("t-2", "MSFT", domain.StatusOpen, closedAt)
	if err := a.ArchiveTrades(ctx, []*domain.Trade{tr, open}); err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}
	// Re-archiving the same trade replaces, not duplicates.
	if err := a.ArchiveTrades(ctx, []*domain.Trade{tr}); err != nil {
		t.Fatalf("ArchiveTrades (again): %v", err)
	}

	recs, err := a.ReadArchive(ctx, "2024-06-03")
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("ReadArchive returned %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.AvgExitPrice != 101.5 || r.RMultiple != 0.75 || r.PartialExits != 2 {
		t.Errorf("record = %+v, want avg exit 101.5, R 0.75, 2 exits", r)
	}

	none, err := a.ReadArchive(ctx, "2024-06-04")
	if err != nil || len(none) != 0 {
		t.Errorf("ReadArchive(empty day) = %v, %v; want none", none, err)
	}
}
