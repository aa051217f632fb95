package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/internal/api"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/cronrunner"
	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/source"
	"autotrader/internal/store"
	"autotrader/internal/strategy/builtins"
	"autotrader/internal/util"
)

func main() {
	cfgPath := "config/autotrader.yaml"
	if p := os.Getenv("AUTOTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	cal, err := cfg.Calendar()
	if err != nil {
		log.Fatalf("building trading calendar: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.ArchiveDir, 0o755); err != nil {
		log.Fatalf("creating archive dir: %v", err)
	}
	trades, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening trade store: %v", err)
	}
	defer trades.Close()
	archive := store.NewParquetArchive(cfg.Storage.ArchiveDir, cal.Location())

	brk := newBroker(cfg)
	registry := builtins.NewRegistry()
	if err := registry.SetPolicies(cfg.ExitPolicies); err != nil {
		log.Fatalf("exit policies: %v", err)
	}

	bus := events.NewBus(logger)
	queue := source.NewQueue(256)

	eng := engine.NewEngine(engine.Deps{
		Gateway:  brk,
		Quotes:   brk,
		Source:   queue,
		Registry: registry,
		Calendar: cal,
		Store:    trades,
		Archive:  archive,
		Events:   bus,
		Logger:   logger,
	}, engine.SettingsFromConfig(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := eng.Restore(ctx); err != nil {
		log.Fatalf("restoring trades: %v", err)
	}

	cron := cronrunner.New(ctx, cal.Location(), logger)
	resetID, err := cron.Add("session_reset", cfg.Session.ResetSpec, func(context.Context) {
		eng.ResetSession()
	})
	if err != nil {
		log.Fatalf("scheduling session reset: %v", err)
	}
	cron.Start()
	defer cron.Stop()
	logger.Info("session reset scheduled", "spec", cfg.Session.ResetSpec, "next", cron.Next(resetID))

	srv := api.NewServer(cfg.Server, eng, queue, bus, logger)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
		}
	}()

	go reloadOnHUP(ctx, cfgPath, eng, logger)

	logger.Info("autotrader starting",
		"broker", brk.Name(),
		"mode", cfg.Engine.Mode,
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
	)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine stopped", "error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	logger.Info("autotrader stopped")
}

func newBroker(cfg *config.Config) broker.Broker {
	if cfg.Broker.Kind == "alpaca" {
		return broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			BaseURL:         cfg.Alpaca.BaseURL,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Broker.RateLimitPerMin,
			MaxAttempts:     cfg.Broker.MaxAttempts,
			RetryDelay:      cfg.Broker.RetryDelay,
		})
	}
	return broker.NewSimulatorBroker()
}

// reloadOnHUP re-reads the config file on SIGHUP and applies it to the
// running engine. An invalid file is logged and ignored.
func reloadOnHUP(ctx context.Context, path string, eng *engine.Engine, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Error("config reload failed", "path", path, "error", err)
				continue
			}
			if err := eng.ApplyConfig(cfg); err != nil {
				logger.Error("config reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
		}
	}
}
