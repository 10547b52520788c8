// Package main provides the entry point for the slobcore pattern-detection
// core: a real-time tick-to-bar pipeline and per-symbol 5/1 SLOB state
// machine that emits setup candidates to a resilient order-placer boundary.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Benagen/slobtrading-sub000/internal/barstore"
	"github.com/Benagen/slobtrading-sub000/internal/calendar"
	"github.com/Benagen/slobtrading-sub000/internal/config"
	"github.com/Benagen/slobtrading-sub000/internal/control"
	"github.com/Benagen/slobtrading-sub000/internal/engine"
	"github.com/Benagen/slobtrading-sub000/internal/eventbus"
	"github.com/Benagen/slobtrading-sub000/internal/models"
	"github.com/Benagen/slobtrading-sub000/internal/resilience"
	"github.com/Benagen/slobtrading-sub000/internal/statestore"
	"github.com/Benagen/slobtrading-sub000/internal/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[SLOBCORE] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting slobcore in %s mode for %v", cfg.Environment.Mode, cfg.Symbols)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real orders are placed")
	} else {
		logger.Println("LIVE TRADING MODE")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctlLogger := logrus.New()
	ctlLogger.SetOutput(os.Stdout)
	if cfg.Environment.Mode == "live" {
		ctlLogger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		ctlLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, lvlErr := logrus.ParseLevel(cfg.Environment.LogLevel); lvlErr == nil {
		ctlLogger.SetLevel(lvl)
	} else {
		ctlLogger.SetLevel(logrus.InfoLevel)
	}

	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		logger.Printf("Failed to load session timezone %q: %v", cfg.Session.Timezone, err)
		return 1
	}
	cal := calendar.NewDefaultCalendar(loc)

	barPool, err := pgxpool.New(ctx, cfg.BarStore.DSN)
	if err != nil {
		logger.Printf("Failed to connect bar store database: %v", err)
		return 1
	}
	defer barPool.Close()
	barStore := barstore.New(barPool, barstore.Config{
		FlushThreshold: cfg.BarStore.FlushThreshold,
		FlushInterval:  cfg.BarStore.FlushInterval,
	}, logger)
	defer barStore.Close()

	statePool, err := pgxpool.New(ctx, cfg.StateStore.DSN)
	if err != nil {
		logger.Printf("Failed to connect state store database: %v", err)
		return 1
	}
	defer statePool.Close()
	coldTier := statestore.NewPostgresColdTier(statePool)

	var hotTier statestore.HotTier
	var rdb *redis.Client
	if cfg.StateStore.UseRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.StateStore.RedisAddr})
		hotTier = statestore.NewRedisHotTier(rdb, cfg.StateStore.RedisTTL, logger)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	store := statestore.New(hotTier, coldTier, logger)
	defer store.Close()

	bus := eventbus.New(eventbus.WithLogger(logger))
	bus.Subscribe(eventbus.BarCompleted, func(_ context.Context, payload any) {
		if bar, ok := payload.(models.Bar); ok {
			barStore.Append(bar)
		}
	})

	reg := prometheus.NewRegistry()
	metrics := control.NewMetrics(reg)
	bus.Subscribe(eventbus.CircuitBreakerTripped, func(_ context.Context, _ any) {
		metrics.EventBusHandlerErrors.WithLabelValues(string(eventbus.CircuitBreakerTripped)).Inc()
	})
	go pollBarStoreFlushErrors(ctx, barStore, metrics)

	engineCfg := engine.Config{
		Symbols:            cfg.Symbols,
		TickBufferCapacity: cfg.TickBuffer.Capacity,
		TickBufferTTL:      cfg.TickBuffer.TTL,
		GapThreshold:       cfg.TickBuffer.GapThreshold,
		Tracker:            toTrackerConfig(cfg.Tracker),
		Resilience:         toRetryConfig(cfg.Resilience),
		Breaker:            toBreakerConfig(cfg.Resilience),
		ShutdownBudget:     cfg.Shutdown.Budget,
	}

	feed := newPaperFeed(cfg.Symbols, logger)
	placer := newPaperPlacer(cfg.IsPaperTrading(), logger)
	positions := paperPositions{}

	eng := engine.New(engineCfg, cal, feed, placer, positions, store, bus, metrics, logger)

	if err := eng.RecoverState(ctx); err != nil {
		correlationID := generateCorrelationID(logger)
		logger.Printf("Warning: state recovery failed: %v (correlation_id=%s), continuing with empty active set", err, correlationID)
	}

	var ctlServer *control.Server
	if cfg.Control.Enabled {
		ctlServer = control.NewServer(control.Config{
			Port:      cfg.Control.Port,
			AuthToken: cfg.Control.AuthToken,
		}, eng, metrics, reg, ctlLogger)

		go func() {
			if err := ctlServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Control server error: %v", err)
			}
		}()
		logger.Printf("Control surface listening on :%d", cfg.Control.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping slobcore...")
		cancel()
	}()

	runErr := eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Budget)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Error during engine shutdown: %v", err)
	}

	if ctlServer != nil {
		ctlShutdownCtx, ctlCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ctlCancel()
		if err := ctlServer.Shutdown(ctlShutdownCtx); err != nil {
			logger.Printf("Error shutting down control server: %v", err)
		}
	}

	if runErr != nil {
		logger.Printf("Engine stopped with error: %v", runErr)
		return 1
	}
	logger.Println("slobcore stopped successfully")
	return 0
}

func toTrackerConfig(c config.TrackerConfig) tracker.Config {
	return tracker.Config{
		ConsolMinDuration:         c.ConsolMinDuration,
		ConsolMaxDuration:         c.ConsolMaxDuration,
		ConsolMinQuality:          c.ConsolMinQuality,
		ATRPeriod:                 c.ATRPeriod,
		ATRMultiplierMax:          c.ATRMultiplierMax,
		RangeNormalizationFactor:  c.RangeNormalizationFactor,
		NoWickUpperWickPercentile: c.NoWickUpperWickPercentile,
		NoWickBodyLowPercentile:   c.NoWickBodyLowPercentile,
		NoWickBodyHighPercentile:  c.NoWickBodyHighPercentile,
		MaxEntryWaitCandles:       c.MaxEntryWaitCandles,
		MaxRetracementPips:        c.MaxRetracementPips,
		SLBuffer:                  c.SLBuffer,
		TPBuffer:                  c.TPBuffer,
		TickSize:                  c.TickSize,
		Liq1DedupWindow:           c.Liq1DedupWindow,
	}
}

func toRetryConfig(c config.ResilienceConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Timeout:        c.Timeout,
	}
}

func toBreakerConfig(c config.ResilienceConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MaxRequestsHalfOpen:   1,
		OpenTimeout:           c.BreakerOpenTimeout,
		FailureRatioOpens:     c.BreakerFailureRatio,
		MinRequestsToEvaluate: uint32(c.BreakerMinRequests),
	}
}

// pollBarStoreFlushErrors periodically syncs the bar store's internal flush
// failure counter into its Prometheus counterpart, since barstore.Store
// tracks the count itself rather than depending on the metrics package.
func pollBarStoreFlushErrors(ctx context.Context, store *barstore.Store, metrics *control.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := store.FlushErrors()
			if n > lastSeen {
				metrics.BarStoreFlushErrors.Add(float64(n - lastSeen))
				lastSeen = n
			}
		}
	}
}

// generateCorrelationID creates a short id for log lines that need to be
// grepped across a single failure, mirroring the teacher's
// correlation-id-on-warning pattern in cmd/bot/main.go.
func generateCorrelationID(logger *log.Logger) string {
	b := make([]byte, 4)
	if _, err := cryptorand.Read(b); err != nil {
		logger.Printf("Warning: crypto/rand.Read failed (%v), using fallback correlation ID", err)
		return fmt.Sprintf("%x%x", time.Now().UnixNano(), os.Getpid())[:8]
	}
	return hex.EncodeToString(b)
}
