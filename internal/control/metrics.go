package control

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the control surface exposes.
// Components push values in; the /metrics route only ever reads them via
// the registry they were registered against.
type Metrics struct {
	TickBufferSize        prometheus.Gauge
	TickBufferUtilization  prometheus.Gauge
	TickBufferDropped      prometheus.Counter
	TickBufferEvicted      prometheus.Counter

	EventBusHandlerErrors *prometheus.CounterVec

	TrackerTransitions *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec

	BarStoreFlushErrors prometheus.Counter

	PositionMismatches prometheus.Counter
}

// NewMetrics constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slobcore",
			Subsystem: "tickbuffer",
			Name:      "size",
			Help:      "Current number of ticks queued in the tick buffer.",
		}),
		TickBufferUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slobcore",
			Subsystem: "tickbuffer",
			Name:      "utilization_ratio",
			Help:      "Tick buffer size divided by capacity.",
		}),
		TickBufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slobcore",
			Subsystem: "tickbuffer",
			Name:      "dropped_total",
			Help:      "Ticks dropped by the overflow policy.",
		}),
		TickBufferEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slobcore",
			Subsystem: "tickbuffer",
			Name:      "evicted_total",
			Help:      "Ticks soft-evicted for exceeding their TTL.",
		}),
		EventBusHandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slobcore",
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Recovered subscriber panics, by event type.",
		}, []string{"event_type"}),
		TrackerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slobcore",
			Subsystem: "tracker",
			Name:      "transitions_total",
			Help:      "SetupCandidate state transitions, by symbol and resulting state.",
		}, []string{"symbol", "state"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slobcore",
			Subsystem: "resilience",
			Name:      "circuit_breaker_state",
			Help:      "0=closed, 1=half-open, 2=open, by breaker name.",
		}, []string{"name"}),
		BarStoreFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slobcore",
			Subsystem: "barstore",
			Name:      "flush_errors_total",
			Help:      "Failed batch flushes to the bars table.",
		}),
		PositionMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slobcore",
			Subsystem: "engine",
			Name:      "position_mismatches_total",
			Help:      "Broker/store position reconciliation mismatches detected at startup or shutdown.",
		}),
	}

	reg.MustRegister(
		m.TickBufferSize,
		m.TickBufferUtilization,
		m.TickBufferDropped,
		m.TickBufferEvicted,
		m.EventBusHandlerErrors,
		m.TrackerTransitions,
		m.CircuitBreakerState,
		m.BarStoreFlushErrors,
		m.PositionMismatches,
	)
	return m
}
