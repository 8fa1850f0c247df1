package telemetry

import (
	"github.com/rs/zerolog"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// Sink receives engine lifecycle events and feeds them into structured logs
// and metrics. It implements engine.EventSink.
type Sink struct {
	logger  zerolog.Logger
	metrics *Metrics
}

// NewSink creates a sink. A nil metrics collector records nothing.
func NewSink(logger zerolog.Logger, metrics *Metrics) *Sink {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Sink{logger: logger, metrics: metrics}
}

// Publish logs the event and updates counters for terminal outcomes.
func (s *Sink) Publish(ev engine.Event) {
	s.record(ev)

	e := s.eventFor(ev).
		Str("event", string(ev.Type)).
		Str("run_id", ev.RunID)
	if ev.Play != "" {
		e = e.Str("play", ev.Play)
	}
	if ev.Batch > 0 {
		e = e.Int("batch", ev.Batch)
	}
	if ev.Host != "" {
		e = e.Str("host", ev.Host)
	}
	if ev.Task != "" {
		e = e.Str("task", ev.Task)
	}
	for k, v := range ev.Data {
		e = e.Interface(k, v)
	}
	e.Msg(ev.Message)
}

func (s *Sink) record(ev engine.Event) {
	switch ev.Type {
	case engine.EventRunStarted:
		s.metrics.RecordRunStarted()
	case engine.EventTaskCompleted:
		if state, ok := ev.Data["state"].(string); ok {
			s.metrics.RecordTask(state)
		}
	case engine.EventTaskRetrying:
		s.metrics.RecordRetry()
	case engine.EventHandlerCompleted:
		status := "completed"
		if state, ok := ev.Data["state"].(string); ok {
			status = state
		}
		s.metrics.RecordHandler(status)
	case engine.EventHostFailed:
		s.metrics.RecordHostFailed()
	case engine.EventCircuitOpened:
		s.metrics.RecordBreakerOpened()
	case engine.EventCircuitClosed:
		s.metrics.RecordBreakerClosed()
	}
}

// eventFor picks the log level by event type.
func (s *Sink) eventFor(ev engine.Event) *zerolog.Event {
	switch ev.Type {
	case engine.EventHostFailed:
		return s.logger.Error()
	case engine.EventCircuitOpened, engine.EventTaskRetrying, engine.EventRunCancelled:
		return s.logger.Warn()
	case engine.EventTaskStarted, engine.EventHandlerStarted, engine.EventBatchStarted, engine.EventBatchCompleted:
		return s.logger.Debug()
	default:
		return s.logger.Info()
	}
}
