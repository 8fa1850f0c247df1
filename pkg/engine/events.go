package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventRunStarted fires once when the run begins.
	EventRunStarted EventType = "run.started"

	// EventRunCompleted fires once when the run ends.
	EventRunCompleted EventType = "run.completed"

	// EventPlayStarted fires when a play begins.
	EventPlayStarted EventType = "play.started"

	// EventPlayCompleted fires when a play ends.
	EventPlayCompleted EventType = "play.completed"

	// EventBatchStarted fires when a serial batch begins.
	EventBatchStarted EventType = "batch.started"

	// EventBatchCompleted fires when every host in a batch is terminal and
	// handlers have flushed.
	EventBatchCompleted EventType = "batch.completed"

	// EventTaskStarted fires when a task transitions to running on a host.
	EventTaskStarted EventType = "task.started"

	// EventTaskCompleted fires on a terminal task state.
	EventTaskCompleted EventType = "task.completed"

	// EventTaskRetrying fires before a retry delay begins.
	EventTaskRetrying EventType = "task.retrying"

	// EventCircuitOpened fires when a breaker opens.
	EventCircuitOpened EventType = "circuit.opened"

	// EventCircuitClosed fires when a half-open breaker closes.
	EventCircuitClosed EventType = "circuit.closed"

	// EventHandlerStarted fires when a notified handler begins.
	EventHandlerStarted EventType = "handler.started"

	// EventHandlerCompleted fires when a handler finishes.
	EventHandlerCompleted EventType = "handler.completed"

	// EventHostFailed fires when a host reaches a terminal failure.
	EventHostFailed EventType = "host.failed"

	// EventCheckpointSaved fires after a checkpoint flush.
	EventCheckpointSaved EventType = "checkpoint.saved"

	// EventRunCancelled fires when cancellation is observed.
	EventRunCancelled EventType = "run.cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Play is the play name, when applicable.
	Play string `json:"play,omitempty"`

	// Batch is the 1-based serial batch number, when applicable.
	Batch int `json:"batch,omitempty"`

	// Host is the host name, when applicable.
	Host string `json:"host,omitempty"`

	// Task is the task or handler name, when applicable.
	Task string `json:"task,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`

	// Data carries type-specific fields.
	Data map[string]any `json:"data,omitempty"`
}

// Publisher fans events out to a sink without blocking the workers that
// produce them. Events are buffered; when the buffer is full they are
// dropped and counted.
type Publisher struct {
	runID   string
	sink    EventSink
	ch      chan Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewPublisher creates a publisher forwarding to sink. A nil sink discards
// every event.
func NewPublisher(runID string, sink EventSink, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		runID: runID,
		sink:  sink,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go p.forward()
	return p
}

func (p *Publisher) forward() {
	defer close(p.done)
	for ev := range p.ch {
		if p.sink != nil {
			p.sink.Publish(ev)
		}
	}
}

// Emit queues an event, stamping ID, RunID and Timestamp.
func (p *Publisher) Emit(ev Event) {
	ev.ID = uuid.New().String()
	ev.RunID = p.runID
	ev.Timestamp = time.Now()
	select {
	case p.ch <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events and waits for the sink to drain.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.ch)
		<-p.done
		if n := p.dropped.Load(); n > 0 {
			log.Warn().Int64("dropped", n).Msg("event buffer overflowed during run")
		}
	})
}
