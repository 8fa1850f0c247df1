package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics collects run, task and handler counters for Prometheus. The zero
// value (metrics disabled) is a no-op.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	tasksExecuted *prometheus.CounterVec
	taskRetries   prometheus.Counter

	handlersRun *prometheus.CounterVec
	hostsFailed prometheus.Counter

	breakerOpened prometheus.Counter
	breakerClosed prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. Disabled config yields a no-op
// collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of playbook runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of playbook runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of playbook runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of active runs",
		}),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of task outcomes by state",
			},
			[]string{"state"},
		),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retry attempts",
		}),

		handlersRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handlers_run_total",
				Help:      "Total number of handler executions",
			},
			[]string{"status"},
		),
		hostsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_failed_total",
			Help:      "Total number of hosts that reached a terminal failure",
		}),

		breakerOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_opened_total",
			Help:      "Total number of circuit breaker open transitions",
		}),
		breakerClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_closed_total",
			Help:      "Total number of circuit breaker close transitions",
		}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.tasksExecuted,
		m.taskRetries,
		m.handlersRun,
		m.hostsFailed,
		m.breakerOpened,
		m.breakerClosed,
	)
	return m, nil
}

// RecordRunStarted counts a run start.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a run completion with its outcome and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordTask counts a terminal task outcome.
func (m *Metrics) RecordTask(state string) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(state).Inc()
}

// RecordRetry counts one retry attempt.
func (m *Metrics) RecordRetry() {
	if m.taskRetries == nil {
		return
	}
	m.taskRetries.Inc()
}

// RecordHandler counts a handler execution.
func (m *Metrics) RecordHandler(status string) {
	if m.handlersRun == nil {
		return
	}
	m.handlersRun.WithLabelValues(status).Inc()
}

// RecordHostFailed counts a host reaching terminal failure.
func (m *Metrics) RecordHostFailed() {
	if m.hostsFailed == nil {
		return
	}
	m.hostsFailed.Inc()
}

// RecordBreakerOpened counts a circuit breaker opening.
func (m *Metrics) RecordBreakerOpened() {
	if m.breakerOpened == nil {
		return
	}
	m.breakerOpened.Inc()
}

// RecordBreakerClosed counts a circuit breaker closing.
func (m *Metrics) RecordBreakerClosed() {
	if m.breakerClosed == nil {
		return
	}
	m.breakerClosed.Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer serves the metrics endpoint in the background.
func (m *Metrics) StartServer() {
	if !m.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
