package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// Compile-time interface check.
var _ TradeArchive = (*ParquetArchive)(nil)

// ParquetArchive implements TradeArchive using one Parquet file per session
// date on disk.
type ParquetArchive struct {
	DataDir string
	loc     *time.Location
}

// NewParquetArchive creates a new ParquetArchive rooted at the given data
// directory. Session dates are computed in loc (UTC when nil).
func NewParquetArchive(dataDir string, loc *time.Location) *ParquetArchive {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetArchive{DataDir: dataDir, loc: loc}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// ClosedTradeRecord is the Parquet schema for an archived closed trade.
type ClosedTradeRecord struct {
	ID              string  `parquet:"id"`
	Symbol          string  `parquet:"symbol"`
	Direction       string  `parquet:"direction"`
	SetupType       string  `parquet:"setup_type"`
	Timeframe       string  `parquet:"timeframe"`
	EntryPrice      float64 `parquet:"entry_price"`
	AvgExitPrice    float64 `parquet:"avg_exit_price"`
	StopPrice       float64 `parquet:"stop_price"`
	FinalStop       float64 `parquet:"final_stop"`
	StopMode        string  `parquet:"stop_mode"`
	Shares          int64   `parquet:"shares"`
	RiskAmount      float64 `parquet:"risk_amount"`
	RealizedPnL     float64 `parquet:"realized_pnl"`
	RMultiple       float64 `parquet:"r_multiple"`
	TargetsHit      int64   `parquet:"targets_hit"`
	PartialExits    int64   `parquet:"partial_exits"`
	StopAdjustments int64   `parquet:"stop_adjustments"`
	CloseReason     string  `parquet:"close_reason"`
	ExecutedAt      int64   `parquet:"executed_at,timestamp(millisecond)"` // Unix ms
	ClosedAt        int64   `parquet:"closed_at,timestamp(millisecond)"`   // Unix ms
}

// ArchiveTrades appends closed trades to the file of their closing session
// date, replacing any earlier record with the same ID. Non-closed trades are
// ignored.
func (a *ParquetArchive) ArchiveTrades(_ context.Context, trades []*domain.Trade) error {
	groups := make(map[string][]ClosedTradeRecord)
	for _, t := range trades {
		if t.Status != domain.StatusClosed {
			continue
		}
		date := t.ClosedAt.In(a.loc).Format("2006-01-02")
		groups[date] = append(groups[date], toRecord(t))
	}

	for date, records := range groups {
		path := a.closedPath(date)

		// Read existing records to merge.
		existing, _ := readParquetFile[ClosedTradeRecord](path)
		merged := mergeClosedRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving trades for %s: %w", date, err)
		}
	}
	return nil
}

// ReadArchive returns the archived trades for a session date (YYYY-MM-DD).
// A date with no file yields no records.
func (a *ParquetArchive) ReadArchive(_ context.Context, date string) ([]ClosedTradeRecord, error) {
	path := a.closedPath(date)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return readParquetFile[ClosedTradeRecord](path)
}

func toRecord(t *domain.Trade) ClosedTradeRecord {
	var exitValue float64
	var exitShares int
	for _, e := range t.Exits {
		exitValue += e.Price * float64(e.Shares)
		exitShares += e.Shares
	}
	var avgExit float64
	if exitShares > 0 {
		avgExit = cents(exitValue / float64(exitShares))
	}
	var r float64
	if t.RiskAmount > 0 {
		r = decimal.NewFromFloat(t.RealizedPnL / t.RiskAmount).Round(2).InexactFloat64()
	}
	return ClosedTradeRecord{
		ID:              t.ID,
		Symbol:          t.Symbol,
		Direction:       string(t.Direction),
		SetupType:       t.SetupType,
		Timeframe:       string(t.Timeframe),
		EntryPrice:      t.EntryPrice,
		AvgExitPrice:    avgExit,
		StopPrice:       t.StopPrice,
		FinalStop:       t.Stop.CurrentStop,
		StopMode:        string(t.Stop.Mode),
		Shares:          int64(t.Shares),
		RiskAmount:      cents(t.RiskAmount),
		RealizedPnL:     cents(t.RealizedPnL),
		RMultiple:       r,
		TargetsHit:      int64(len(t.TargetsHit)),
		PartialExits:    int64(len(t.Exits)),
		StopAdjustments: int64(len(t.Stop.Adjustments)),
		CloseReason:     t.CloseReason,
		ExecutedAt:      t.ExecutedAt.UnixMilli(),
		ClosedAt:        t.ClosedAt.UnixMilli(),
	}
}

func cents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// closedPath returns the filesystem path for a session's archive file.
// Layout: <dataDir>/closed/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) closedPath(date string) string {
	return filepath.Join(a.DataDir, "closed", date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeClosedRecords deduplicates records by ID, preferring new records over
// existing ones. Results are sorted by close time.
func mergeClosedRecords(existing, incoming []ClosedTradeRecord) []ClosedTradeRecord {
	seen := make(map[string]ClosedTradeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]ClosedTradeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ClosedAt != merged[j].ClosedAt {
			return merged[i].ClosedAt < merged[j].ClosedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
