package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the autotrader daemon.
type Config struct {
	Storage      Storage                      `yaml:"storage"`
	Server       Server                       `yaml:"server"`
	Alpaca       Alpaca                       `yaml:"alpaca"`
	Logging      Logging                      `yaml:"logging"`
	Broker       BrokerConfig                 `yaml:"broker"`
	Risk         RiskConfig                   `yaml:"risk"`
	Session      SessionConfig                `yaml:"session"`
	Engine       EngineConfig                 `yaml:"engine"`
	ExitPolicies map[string]domain.ExitPolicy `yaml:"exit_policies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BrokerConfig selects the execution backend and its call policy. Retry and
// rate limiting live here, in the adapter, not in the engine.
type BrokerConfig struct {
	Kind            string        `yaml:"kind"` // "alpaca" or "simulator"
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// RiskConfig defines account-level risk limits.
type RiskConfig struct {
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	StartingCapital float64 `yaml:"starting_capital"`
	// MaxPositionPct is a percentage of starting capital (25 = 25%).
	MaxPositionPct   float64 `yaml:"max_position_pct"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	MinRiskReward    float64 `yaml:"min_risk_reward"`
	// StopVolatilityMultiple derives a missing stop as entry -/+ multiple*volatility.
	StopVolatilityMultiple float64 `yaml:"stop_volatility_multiple"`
	// TargetRMultiples derives missing targets as entry +/- multiple*risk.
	TargetRMultiples []float64 `yaml:"target_r_multiples"`
}

// SessionConfig describes the exchange session used for end-of-day closure
// and the daily rollover.
type SessionConfig struct {
	Timezone    string        `yaml:"timezone"`
	Open        string        `yaml:"open"`
	Close       string        `yaml:"close"`
	CloseBuffer time.Duration `yaml:"close_buffer"`
	// ResetSpec is a six-field cron spec (with seconds) evaluated in Timezone.
	ResetSpec string `yaml:"reset_spec"`
}

// EngineConfig controls the control loop.
type EngineConfig struct {
	Mode         domain.Mode   `yaml:"mode"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides (including a .env
// file in the working directory, when present), fills defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory YAML document.
func Parse(data []byte) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("AUTOTRADER_MODE"); v != "" {
		cfg.Engine.Mode = domain.Mode(v)
	}

	if v := os.Getenv("AUTOTRADER_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}

	// Standard Alpaca env vars take priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/autotrader.db"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "data/archive"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = "simulator"
	}
	if cfg.Broker.RateLimitPerMin == 0 {
		cfg.Broker.RateLimitPerMin = 200
	}
	if cfg.Broker.MaxAttempts == 0 {
		cfg.Broker.MaxAttempts = 3
	}
	if cfg.Broker.RetryDelay == 0 {
		cfg.Broker.RetryDelay = 250 * time.Millisecond
	}

	r := &cfg.Risk
	if r.MaxPositionPct == 0 {
		r.MaxPositionPct = 25
	}
	if r.MaxOpenPositions == 0 {
		r.MaxOpenPositions = 5
	}
	if r.MinRiskReward == 0 {
		r.MinRiskReward = 1.5
	}
	if r.StopVolatilityMultiple == 0 {
		r.StopVolatilityMultiple = 1.5
	}
	if len(r.TargetRMultiples) == 0 {
		r.TargetRMultiples = []float64{2, 3, 4}
	}

	s := &cfg.Session
	if s.Timezone == "" {
		s.Timezone = "America/New_York"
	}
	if s.Open == "" {
		s.Open = "09:30"
	}
	if s.Close == "" {
		s.Close = "16:00"
	}
	if s.CloseBuffer == 0 {
		s.CloseBuffer = 10 * time.Minute
	}
	if s.ResetSpec == "" {
		s.ResetSpec = "0 25 9 * * MON-FRI"
	}

	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = domain.ModeConfirmation
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = 5 * time.Second
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks every field the engine depends on and returns all problems
// found, joined.
func (cfg *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := cfg.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch cfg.Broker.Kind {
	case "simulator":
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			add("alpaca broker requires api_key and api_secret")
		}
	default:
		add("unknown broker kind %q", cfg.Broker.Kind)
	}

	if !cfg.Engine.Mode.Valid() {
		add("unknown engine mode %q", cfg.Engine.Mode)
	}
	if cfg.Engine.TickInterval <= 0 {
		add("engine.tick_interval must be positive")
	}
	if cfg.Session.CloseBuffer < 0 {
		add("session.close_buffer must not be negative")
	}
	if _, err := util.NewTradingCalendar(cfg.Session.Timezone, cfg.Session.Open, cfg.Session.Close); err != nil {
		add("session: %v", err)
	}

	for setup, p := range cfg.ExitPolicies {
		if err := p.Validate(); err != nil {
			add("exit_policies.%s: %v", setup, err)
		}
	}

	return errors.Join(errs...)
}

// Validate checks the risk limits.
func (r RiskConfig) Validate() error {
	var errs []error
	if r.MaxRiskPerTrade <= 0 {
		errs = append(errs, errors.New("risk.max_risk_per_trade must be positive"))
	}
	if r.MaxDailyLoss <= 0 {
		errs = append(errs, errors.New("risk.max_daily_loss must be positive"))
	}
	if r.StartingCapital <= 0 {
		errs = append(errs, errors.New("risk.starting_capital must be positive"))
	}
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 100 {
		errs = append(errs, fmt.Errorf("risk.max_position_pct %v must be in (0, 100]", r.MaxPositionPct))
	}
	if r.MaxOpenPositions <= 0 {
		errs = append(errs, errors.New("risk.max_open_positions must be positive"))
	}
	if r.MinRiskReward < 0 {
		errs = append(errs, errors.New("risk.min_risk_reward must not be negative"))
	}
	if r.StopVolatilityMultiple <= 0 {
		errs = append(errs, errors.New("risk.stop_volatility_multiple must be positive"))
	}
	prev := 0.0
	for i, m := range r.TargetRMultiples {
		if m <= prev {
			errs = append(errs, fmt.Errorf("risk.target_r_multiples[%d] = %v must be positive and ascending", i, m))
			break
		}
		prev = m
	}
	return errors.Join(errs...)
}

// Calendar builds the trading calendar described by the session section.
func (cfg *Config) Calendar() (*util.TradingCalendar, error) {
	return util.NewTradingCalendar(cfg.Session.Timezone, cfg.Session.Open, cfg.Session.Close)
}
