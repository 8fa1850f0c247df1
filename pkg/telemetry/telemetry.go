package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// Telemetry bundles the configured logger, tracer, metrics and event sink.
type Telemetry struct {
	Config  *Config
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Sink    *Sink
}

// New builds all telemetry components from one configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Config:  cfg,
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Sink:    NewSink(logger, metrics),
	}, nil
}

// Start begins background work: the metrics endpoint, when enabled.
func (t *Telemetry) Start() {
	t.Metrics.StartServer()
}

// Shutdown flushes pending trace spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}
