// Package config provides configuration management for slobcore.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Default tuning constants, used by Normalize when a field is left unset.
const (
	defaultTickBufferCapacity = 10_000
	defaultTickBufferTTL      = 60 * time.Second
	defaultGapThreshold       = 5 * time.Minute

	defaultConsolMinDuration = 15
	defaultConsolMaxDuration = 30
	defaultConsolMinQuality  = 0.4
	defaultATRPeriod         = 14
	defaultATRMultiplierMax  = 3.0
	defaultRangeNormFactor   = 50
	defaultUpperWickPct      = 90
	defaultBodyLowPct        = 30
	defaultBodyHighPct       = 70
	defaultMaxEntryWait      = 20
	defaultMaxRetracement    = 20
	defaultLiq1DedupWindow   = 5 * time.Minute

	defaultBarStoreFlushThreshold = 500
	defaultBarStoreFlushInterval  = time.Second

	defaultRetryMaxRetries      = 3
	defaultRetryInitialBackoff  = time.Second
	defaultRetryMaxBackoff      = 30 * time.Second
	defaultRetryTimeout         = 2 * time.Minute
	defaultBreakerOpenTimeout   = 30 * time.Second
	defaultBreakerFailureRatio  = 0.5
	defaultBreakerMinRequests   = 5

	defaultControlPort    = 9847
	defaultShutdownBudget = 10 * time.Second
)

// Config is the complete slobcore application configuration, loaded once at
// startup from a YAML file.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Symbols     []string          `yaml:"symbols"`
	Session     SessionConfig     `yaml:"session"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	TickBuffer  TickBufferConfig  `yaml:"tick_buffer"`
	BarStore    BarStoreConfig    `yaml:"bar_store"`
	StateStore  StateStoreConfig  `yaml:"state_store"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Control     ControlConfig     `yaml:"control"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// EnvironmentConfig defines the deploy environment and logging level.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// SessionConfig defines the LSE/NYSE session windows and the timezone they
// are expressed in.
type SessionConfig struct {
	Timezone   string `yaml:"timezone"`    // e.g. "Europe/London"
	LSEWindow  string `yaml:"lse_window"`  // "HH:MM-HH:MM"
	NYSEWindow string `yaml:"nyse_window"` // "HH:MM-HH:MM"
}

// TrackerConfig mirrors tracker.Config, expressed in YAML-friendly units.
type TrackerConfig struct {
	ConsolMinDuration         int           `yaml:"consol_min_duration"`
	ConsolMaxDuration         int           `yaml:"consol_max_duration"`
	ConsolMinQuality          float64       `yaml:"consol_min_quality"`
	ATRPeriod                 int           `yaml:"atr_period"`
	ATRMultiplierMax          float64       `yaml:"atr_multiplier_max"`
	RangeNormalizationFactor  float64       `yaml:"range_normalization_factor"`
	NoWickUpperWickPercentile float64       `yaml:"no_wick_upper_wick_percentile"`
	NoWickBodyLowPercentile   float64       `yaml:"no_wick_body_low_percentile"`
	NoWickBodyHighPercentile  float64       `yaml:"no_wick_body_high_percentile"`
	MaxEntryWaitCandles       int           `yaml:"max_entry_wait_candles"`
	MaxRetracementPips        float64       `yaml:"max_retracement_pips"`
	SLBuffer                  float64       `yaml:"sl_buffer"`
	TPBuffer                  float64       `yaml:"tp_buffer"`
	TickSize                  float64       `yaml:"tick_size"`
	Liq1DedupWindow           time.Duration `yaml:"liq1_dedup_window"`
}

// TickBufferConfig controls the bounded queue between the feed and the bar
// aggregator.
type TickBufferConfig struct {
	Capacity     int           `yaml:"capacity"`
	TTL          time.Duration `yaml:"ttl"`
	GapThreshold time.Duration `yaml:"gap_threshold"`
}

// BarStoreConfig controls the relational bar archive's batching.
type BarStoreConfig struct {
	FlushThreshold int           `yaml:"flush_threshold"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	DSN            string        `yaml:"dsn"`
}

// StateStoreConfig controls the two-tier setup/trade/session store.
type StateStoreConfig struct {
	DSN       string        `yaml:"dsn"`
	UseRedis  bool          `yaml:"use_redis"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// ResilienceConfig controls the retry and circuit breaker defaults applied
// to every external I/O boundary.
type ResilienceConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	Timeout             time.Duration `yaml:"timeout"`
	BreakerOpenTimeout  time.Duration `yaml:"breaker_open_timeout"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio"`
	BreakerMinRequests  int           `yaml:"breaker_min_requests"`
}

// ControlConfig controls the operator-facing stats/health/metrics surface.
type ControlConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// ShutdownConfig bounds how long graceful shutdown is allowed to take
// before the engine forces an exit.
type ShutdownConfig struct {
	Budget time.Duration `yaml:"budget"`
}

// Load reads, expands, parses and validates the configuration file at
// configPath.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is an operator-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Normalize fills in every unset field with its documented default.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if strings.TrimSpace(c.Session.Timezone) == "" {
		c.Session.Timezone = "Europe/London"
	}
	if strings.TrimSpace(c.Session.LSEWindow) == "" {
		c.Session.LSEWindow = "09:00-15:30"
	}
	if strings.TrimSpace(c.Session.NYSEWindow) == "" {
		c.Session.NYSEWindow = "15:30-24:00"
	}

	t := &c.Tracker
	if t.ConsolMinDuration == 0 {
		t.ConsolMinDuration = defaultConsolMinDuration
	}
	if t.ConsolMaxDuration == 0 {
		t.ConsolMaxDuration = defaultConsolMaxDuration
	}
	if t.ConsolMinQuality == 0 {
		t.ConsolMinQuality = defaultConsolMinQuality
	}
	if t.ATRPeriod == 0 {
		t.ATRPeriod = defaultATRPeriod
	}
	if t.ATRMultiplierMax == 0 {
		t.ATRMultiplierMax = defaultATRMultiplierMax
	}
	if t.RangeNormalizationFactor == 0 {
		t.RangeNormalizationFactor = defaultRangeNormFactor
	}
	if t.NoWickUpperWickPercentile == 0 {
		t.NoWickUpperWickPercentile = defaultUpperWickPct
	}
	if t.NoWickBodyLowPercentile == 0 {
		t.NoWickBodyLowPercentile = defaultBodyLowPct
	}
	if t.NoWickBodyHighPercentile == 0 {
		t.NoWickBodyHighPercentile = defaultBodyHighPct
	}
	if t.MaxEntryWaitCandles == 0 {
		t.MaxEntryWaitCandles = defaultMaxEntryWait
	}
	if t.MaxRetracementPips == 0 {
		t.MaxRetracementPips = defaultMaxRetracement
	}
	if t.Liq1DedupWindow == 0 {
		t.Liq1DedupWindow = defaultLiq1DedupWindow
	}

	tb := &c.TickBuffer
	if tb.Capacity == 0 {
		tb.Capacity = defaultTickBufferCapacity
	}
	if tb.TTL == 0 {
		tb.TTL = defaultTickBufferTTL
	}
	if tb.GapThreshold == 0 {
		tb.GapThreshold = defaultGapThreshold
	}

	bs := &c.BarStore
	if bs.FlushThreshold == 0 {
		bs.FlushThreshold = defaultBarStoreFlushThreshold
	}
	if bs.FlushInterval == 0 {
		bs.FlushInterval = defaultBarStoreFlushInterval
	}

	ss := &c.StateStore
	if ss.UseRedis && ss.RedisTTL == 0 {
		ss.RedisTTL = defaultTickBufferTTL
	}

	r := &c.Resilience
	if r.MaxRetries == 0 {
		r.MaxRetries = defaultRetryMaxRetries
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = defaultRetryInitialBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = defaultRetryMaxBackoff
	}
	if r.Timeout == 0 {
		r.Timeout = defaultRetryTimeout
	}
	if r.BreakerOpenTimeout == 0 {
		r.BreakerOpenTimeout = defaultBreakerOpenTimeout
	}
	if r.BreakerFailureRatio == 0 {
		r.BreakerFailureRatio = defaultBreakerFailureRatio
	}
	if r.BreakerMinRequests == 0 {
		r.BreakerMinRequests = defaultBreakerMinRequests
	}

	if c.Control.Port == 0 {
		c.Control.Port = defaultControlPort
	}
	if c.Shutdown.Budget == 0 {
		c.Shutdown.Budget = defaultShutdownBudget
	}
}

// Validate checks that every field is internally consistent, returning the
// first problem found.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must contain at least one instrument")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone invalid: %w", err)
	}

	t := c.Tracker
	if t.ConsolMinDuration <= 0 || t.ConsolMaxDuration <= 0 || t.ConsolMinDuration > t.ConsolMaxDuration {
		return fmt.Errorf("tracker.consol_min_duration/consol_max_duration must be positive with min <= max")
	}
	if t.ConsolMinQuality < 0 || t.ConsolMinQuality > 1 {
		return fmt.Errorf("tracker.consol_min_quality must be in [0,1]")
	}
	if t.ATRPeriod <= 0 {
		return fmt.Errorf("tracker.atr_period must be > 0")
	}
	if t.ATRMultiplierMax <= 0 {
		return fmt.Errorf("tracker.atr_multiplier_max must be > 0")
	}
	if t.NoWickUpperWickPercentile <= 0 || t.NoWickUpperWickPercentile > 100 {
		return fmt.Errorf("tracker.no_wick_upper_wick_percentile must be in (0,100]")
	}
	if t.NoWickBodyLowPercentile < 0 || t.NoWickBodyHighPercentile > 100 || t.NoWickBodyLowPercentile >= t.NoWickBodyHighPercentile {
		return fmt.Errorf("tracker.no_wick_body_low_percentile must be < no_wick_body_high_percentile, both within [0,100]")
	}
	if t.MaxEntryWaitCandles <= 0 {
		return fmt.Errorf("tracker.max_entry_wait_candles must be > 0")
	}

	tb := c.TickBuffer
	if tb.Capacity <= 0 {
		return fmt.Errorf("tick_buffer.capacity must be > 0")
	}
	if tb.TTL <= 0 {
		return fmt.Errorf("tick_buffer.ttl must be > 0")
	}

	bs := c.BarStore
	if bs.FlushThreshold <= 0 {
		return fmt.Errorf("bar_store.flush_threshold must be > 0")
	}
	if bs.FlushInterval <= 0 {
		return fmt.Errorf("bar_store.flush_interval must be > 0")
	}
	if strings.TrimSpace(bs.DSN) == "" {
		return fmt.Errorf("bar_store.dsn is required")
	}

	ss := c.StateStore
	if strings.TrimSpace(ss.DSN) == "" {
		return fmt.Errorf("state_store.dsn is required")
	}
	if ss.UseRedis && strings.TrimSpace(ss.RedisAddr) == "" {
		return fmt.Errorf("state_store.redis_addr is required when use_redis is true")
	}

	r := c.Resilience
	if r.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries must be >= 0")
	}
	if r.BreakerFailureRatio <= 0 || r.BreakerFailureRatio > 1 {
		return fmt.Errorf("resilience.breaker_failure_ratio must be in (0,1]")
	}

	if c.Control.Enabled && (c.Control.Port <= 0 || c.Control.Port > 65535) {
		return fmt.Errorf("control.port must be between 1 and 65535")
	}

	if c.Shutdown.Budget <= 0 {
		return fmt.Errorf("shutdown.budget must be > 0")
	}

	return nil
}

// IsPaperTrading reports whether the engine is configured for paper
// trading, i.e. external orders are never actually placed.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}
