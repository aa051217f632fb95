package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/live"
	"autotrader/pkg/autotrader"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: autotrader-cli [flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                       Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  trades [status] [symbol]      List trades held by the engine\n")
	fmt.Fprintf(os.Stderr, "  trade <id>                    Show one trade as JSON\n")
	fmt.Fprintf(os.Stderr, "  stats                         Show engine and daily statistics\n")
	fmt.Fprintf(os.Stderr, "  confirm <id>                  Execute a pending trade\n")
	fmt.Fprintf(os.Stderr, "  cancel <id> [reason]          Withdraw a pending trade\n")
	fmt.Fprintf(os.Stderr, "  close <id>                    Close an open trade\n")
	fmt.Fprintf(os.Stderr, "  mode <autonomous|confirmation|paused>\n")
	fmt.Fprintf(os.Stderr, "  [-setup s] [-score n] submit <symbol> <long|short> <price> <stop> <target>...\n")
	fmt.Fprintf(os.Stderr, "  watch [symbol]                Stream lifecycle events over gRPC\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", envOr("AUTOTRADER_ADDR", "http://localhost:8080"), "HTTP API base URL")
	grpcAddr := flag.String("grpc", envOr("AUTOTRADER_GRPC", "localhost:9090"), "gRPC event stream address")
	setup := flag.String("setup", "default", "setup type for submit")
	score := flag.Float64("score", 0, "score for submit")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := autotrader.NewClient(*addr)
	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "version":
		fmt.Printf("autotrader-cli %s\n", version)

	case "trades":
		var status, symbol string
		if len(rest) > 0 {
			status = rest[0]
		}
		if len(rest) > 1 {
			symbol = rest[1]
		}
		var trades []autotrader.Trade
		if trades, err = c.Trades(ctx, status, symbol); err == nil {
			printTrades(trades)
		}

	case "trade":
		need(rest, 1, cmd)
		var t *autotrader.Trade
		if t, err = c.Trade(ctx, rest[0]); err == nil {
			printJSON(t)
		}

	case "stats":
		var s *autotrader.Stats
		if s, err = c.Stats(ctx); err == nil {
			printJSON(s)
		}

	case "confirm":
		need(rest, 1, cmd)
		err = printTrade(c.Confirm(ctx, rest[0]))

	case "cancel":
		need(rest, 1, cmd)
		reason := ""
		if len(rest) > 1 {
			reason = rest[1]
		}
		err = printTrade(c.Cancel(ctx, rest[0], reason))

	case "close":
		need(rest, 1, cmd)
		err = printTrade(c.Close(ctx, rest[0]))

	case "mode":
		need(rest, 1, cmd)
		if err = c.SetMode(ctx, autotrader.Mode(rest[0])); err == nil {
			fmt.Printf("mode: %s\n", rest[0])
		}

	case "submit":
		need(rest, 5, cmd)
		var cand autotrader.Candidate
		if cand, err = parseCandidate(rest, *setup, *score); err == nil {
			var n int
			if n, err = c.Submit(ctx, cand); err == nil {
				fmt.Printf("queued %d candidate(s)\n", n)
			}
		}

	case "watch":
		req := live.StreamRequest{}
		if len(rest) > 0 {
			req.Symbol = rest[0]
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		client := live.NewClient(*grpcAddr, live.NewMirror(), logger)
		err = client.Sync(ctx, req, printEvent)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func need(args []string, n int, cmd string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "%s: expected at least %d argument(s)\n\n", cmd, n)
		usage()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseCandidate(args []string, setup string, score float64) (autotrader.Candidate, error) {
	nums := make([]float64, 0, len(args)-2)
	for _, a := range args[2:] {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return autotrader.Candidate{}, fmt.Errorf("parsing %q: %w", a, err)
		}
		nums = append(nums, v)
	}
	return autotrader.Candidate{
		Symbol:       args[0],
		Direction:    domain.Direction(args[1]),
		SetupType:    setup,
		CurrentPrice: nums[0],
		StopPrice:    nums[1],
		TargetPrices: nums[2:],
		Score:        score,
	}, nil
}

func printTrades(trades []autotrader.Trade) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tDIR\tSTATUS\tSHARES\tLEFT\tENTRY\tSTOP\tMODE\tPNL")
	for _, t := range trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.2f\t%.2f\t%s\t%.2f\n",
			t.ID, t.Symbol, t.Direction, t.Status, t.Shares, t.RemainingShares,
			t.EntryPrice, t.Stop.CurrentStop, t.Stop.Mode, t.RealizedPnL+t.UnrealizedPnL())
	}
	w.Flush()
}

func printTrade(t *autotrader.Trade, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s (%s)\n", t.ID, t.Symbol, t.Status, t.CloseReason)
	return nil
}

func printEvent(ev domain.Event) {
	line := fmt.Sprintf("%s  %-16s %-6s %s", ev.Time.Local().Format(time.TimeOnly), ev.Type, ev.Symbol, ev.Message)
	if ev.Trade != nil {
		line += fmt.Sprintf("  left=%d stop=%.2f pnl=%.2f", ev.Trade.RemainingShares, ev.Trade.Stop.CurrentStop, ev.Trade.RealizedPnL)
	}
	fmt.Println(line)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
