// Package control exposes the engine's operator-facing HTTP surface: a
// health check, a JSON stats snapshot and a Prometheus scrape endpoint. It
// generalizes the teacher's HTML dashboard into a plain API surface, since
// this spec has no human-facing position view, only operational counters.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatsProvider is implemented by the engine and supplies the values
// rendered at /stats. Each method must be safe to call concurrently with
// the live trading path.
type StatsProvider interface {
	StatsSnapshot() Snapshot
}

// Snapshot is a point-in-time view of the engine's operational counters.
type Snapshot struct {
	UptimeSeconds    float64            `json:"uptime_seconds"`
	TickBufferSize   int                `json:"tick_buffer_size"`
	TickBufferDropped uint64            `json:"tick_buffer_dropped"`
	ActiveCandidates int                `json:"active_candidates"`
	CompletedToday   int                `json:"completed_today"`
	InvalidatedToday int                `json:"invalidated_today"`
	BreakerStates    map[string]string  `json:"breaker_states"`
	TradesToday      int                `json:"trades_today"`
	DailyPnL         float64            `json:"daily_pnl"`
	PositionMismatches int              `json:"position_mismatches"`
}

// Config controls the HTTP surface's listener and auth.
type Config struct {
	Port      int
	AuthToken string // empty disables auth entirely
}

// Server is the control-plane HTTP server: health, stats and metrics.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	stats    StatsProvider
	metrics  *Metrics
	registry *prometheus.Registry
	logger   *logrus.Logger
	port     int
	authToken string
	startedAt time.Time
}

// NewServer wires routes against stats and the given metrics registry.
func NewServer(cfg Config, stats StatsProvider, metrics *Metrics, registry *prometheus.Registry, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		stats:     stats,
		metrics:   metrics,
		registry:  registry,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(15 * time.Second))

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/stats", s.handleStats)
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("control request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.StatsSnapshot()
	snap.UptimeSeconds = time.Since(s.startedAt).Seconds()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.WithError(err).Error("failed to encode stats snapshot")
	}
}

// Start blocks serving on cfg.Port until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("control: listening on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
