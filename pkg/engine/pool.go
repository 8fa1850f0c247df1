package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nexus-automation/nexus/pkg/engine"

// ThrottleSet bounds per-task-identity concurrency within one batch.
type ThrottleSet struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewThrottleSet creates an empty set. Each batch gets a fresh set so
// throttle counts do not leak across batches.
func NewThrottleSet() *ThrottleSet {
	return &ThrottleSet{sems: make(map[string]chan struct{})}
}

// Acquire blocks until a slot for the task identity is free and returns the
// release func, or nil if the context was cancelled while waiting.
func (t *ThrottleSet) Acquire(ctx context.Context, taskID string, limit int) func() {
	t.mu.Lock()
	sem, ok := t.sems[taskID]
	if !ok {
		sem = make(chan struct{}, limit)
		t.sems[taskID] = sem
	}
	t.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }
	case <-ctx.Done():
		return nil
	}
}

// Config wires an engine run.
type Config struct {
	// Forks bounds concurrent hosts. Defaults to 5.
	Forks int

	// CheckMode simulates module invocations.
	CheckMode bool

	// RunID identifies the run. Generated when empty.
	RunID string

	// Evaluator evaluates expressions.
	Evaluator Evaluator

	// Modules resolves and invokes modules.
	Modules ModuleRegistry

	// Connector establishes host sessions.
	Connector Connector

	// Inventory resolves delegate hosts.
	Inventory Inventory

	// Checkpoint persists progress. Nil disables checkpointing.
	Checkpoint Checkpointer

	// Secrets decrypts vault values. Nil disables vault support.
	Secrets SecretResolver

	// Sink receives lifecycle events. Nil discards them.
	Sink EventSink

	// EventBuffer sizes the publisher's buffer.
	EventBuffer int
}

// Engine executes plans: plays in order, each play's batches in order, each
// batch's hosts over a fixed pool of workers.
type Engine struct {
	cfg    Config
	tracer trace.Tracer
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Forks <= 0 {
		cfg.Forks = 5
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	return &Engine{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// Run executes the plan. The returned report is complete even when hosts
// failed; the error is non-nil only for run-level failures (checkpoint
// integrity, cancellation observed before any work).
func (e *Engine) Run(ctx context.Context, plan *Plan) (*RunReport, error) {
	started := time.Now()
	publisher := NewPublisher(e.cfg.RunID, e.cfg.Sink, e.cfg.EventBuffer)
	defer publisher.Close()

	report := &RunReport{
		RunID: e.cfg.RunID,
		Recap: make(map[string]*HostRecap),
	}

	ctx, runSpan := e.tracer.Start(ctx, "playbook.run",
		trace.WithAttributes(attribute.String("run.id", e.cfg.RunID)))
	defer runSpan.End()

	publisher.Emit(Event{Type: EventRunStarted, Message: plan.Playbook.Path})
	log.Info().Str("run_id", e.cfg.RunID).Str("playbook", plan.Playbook.Path).
		Int("forks", e.cfg.Forks).Msg("run started")

	failed := make(map[string]bool)
	for _, pp := range plan.Plays {
		cancelled := e.runPlay(ctx, pp, publisher, report, failed)
		if cancelled {
			report.Cancelled = true
			break
		}
	}

	for host := range failed {
		report.FailedHosts = append(report.FailedHosts, host)
	}
	report.Duration = time.Since(started)

	if report.Cancelled {
		publisher.Emit(Event{Type: EventRunCancelled})
	}
	if e.cfg.Checkpoint != nil {
		if report.Cancelled || report.Failed() {
			if err := e.cfg.Checkpoint.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("checkpoint flush failed")
			} else {
				publisher.Emit(Event{Type: EventCheckpointSaved})
			}
		} else {
			if err := e.cfg.Checkpoint.Discard(context.WithoutCancel(ctx)); err != nil {
				log.Error().Err(err).Msg("checkpoint discard failed")
			}
		}
	}

	publisher.Emit(Event{Type: EventRunCompleted, Data: map[string]any{
		"failed_hosts": len(report.FailedHosts),
		"cancelled":    report.Cancelled,
	}})
	log.Info().Str("run_id", e.cfg.RunID).Dur("duration", report.Duration).
		Int("failed_hosts", len(report.FailedHosts)).Bool("cancelled", report.Cancelled).
		Msg("run finished")
	return report, nil
}

// runPlay executes one play's batches. Returns true when cancellation was
// observed.
func (e *Engine) runPlay(ctx context.Context, pp *PlayPlan, publisher *Publisher, report *RunReport, failed map[string]bool) bool {
	ctx, playSpan := e.tracer.Start(ctx, "play",
		trace.WithAttributes(attribute.String("play.name", pp.Play.Name)))
	defer playSpan.End()

	publisher.Emit(Event{Type: EventPlayStarted, Play: pp.Play.Name,
		Data: map[string]any{"hosts": len(pp.Hosts), "batches": len(pp.Batches)}})

	if len(pp.Hosts) == 0 {
		log.Warn().Str("play", pp.Play.Name).Msg("play matched no hosts")
	}

	notifier := NewNotifier(pp.Handlers)
	for i, batch := range pp.Batches {
		if ctx.Err() != nil {
			return true
		}
		if cancelled := e.runBatch(ctx, pp, i+1, batch, notifier, publisher, report, failed); cancelled {
			return true
		}
	}

	publisher.Emit(Event{Type: EventPlayCompleted, Play: pp.Play.Name})
	return false
}

func (e *Engine) runBatch(ctx context.Context, pp *PlayPlan, batchNum int, hosts []*Host, notifier *Notifier, publisher *Publisher, report *RunReport, failed map[string]bool) bool {
	ctx, batchSpan := e.tracer.Start(ctx, "batch",
		trace.WithAttributes(
			attribute.String("play.name", pp.Play.Name),
			attribute.Int("batch.number", batchNum),
			attribute.Int("batch.hosts", len(hosts)),
		))
	defer batchSpan.End()

	publisher.Emit(Event{Type: EventBatchStarted, Play: pp.Play.Name, Batch: batchNum,
		Data: map[string]any{"hosts": len(hosts)}})

	dispatcher := NewDispatcher(DispatcherConfig{
		Evaluator:  e.cfg.Evaluator,
		Modules:    e.cfg.Modules,
		Connector:  e.cfg.Connector,
		Inventory:  e.cfg.Inventory,
		Checkpoint: e.cfg.Checkpoint,
		Secrets:    e.cfg.Secrets,
		Publisher:  publisher,
		Notifier:   notifier,
		Throttles:  NewThrottleSet(),
		CheckMode:  e.cfg.CheckMode,
		Play:       pp.Play.Name,
		Batch:      batchNum,
	})

	states := make([]*HostState, 0, len(hosts))
	for _, host := range hosts {
		st := NewHostState(host, pp.BaseVars)
		if e.cfg.Checkpoint != nil {
			registered, notified, breakers := e.cfg.Checkpoint.Restore(host.Name)
			for k, v := range registered {
				st.Vars[k] = v
			}
			for _, name := range notified {
				notifier.Notify(name, host.Name)
			}
			st.Breakers.Restore(breakers)
		}
		states = append(states, st)
	}

	// One worker drives one host through the whole task sequence; Forks
	// bounds how many hosts run at once.
	queue := make(chan *HostState, len(states))
	for _, st := range states {
		queue <- st
	}
	close(queue)

	workers := e.cfg.Forks
	if workers > len(states) {
		workers = len(states)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range queue {
				dispatcher.RunHost(ctx, st, pp.Steps)
			}
		}()
	}
	wg.Wait()

	cancelled := ctx.Err() != nil
	if !cancelled {
		e.flushHandlers(ctx, dispatcher, notifier, states)
		cancelled = ctx.Err() != nil
	}

	for _, st := range states {
		recap := report.Recap[st.Host.Name]
		if recap == nil {
			recap = &HostRecap{}
			report.Recap[st.Host.Name] = recap
		}
		recap.OK += st.Recap.OK
		recap.Changed += st.Recap.Changed
		recap.Failed += st.Recap.Failed
		recap.Skipped += st.Recap.Skipped
		recap.Rescued += st.Recap.Rescued
		recap.Ignored += st.Recap.Ignored
		if st.Failed {
			failed[st.Host.Name] = true
		}
	}

	if e.cfg.Checkpoint != nil {
		if err := e.cfg.Checkpoint.Flush(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("checkpoint flush failed")
		}
	}

	publisher.Emit(Event{Type: EventBatchCompleted, Play: pp.Play.Name, Batch: batchNum})
	return cancelled
}

// flushHandlers runs notified handlers in declared order. Each handler runs
// on its notifying hosts in parallel, bounded by Forks; hosts already failed
// in this batch are skipped.
func (e *Engine) flushHandlers(ctx context.Context, dispatcher *Dispatcher, notifier *Notifier, states []*HostState) {
	byName := make(map[string]*HostState, len(states))
	for _, st := range states {
		byName[st.Host.Name] = st
	}

	for _, pending := range notifier.Pending() {
		sem := make(chan struct{}, e.cfg.Forks)
		var wg sync.WaitGroup
		for _, hostName := range pending.Hosts {
			st, ok := byName[hostName]
			if !ok || st.Failed {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(st *HostState) {
				defer wg.Done()
				defer func() { <-sem }()
				defer dispatcher.closeSession(st)
				dispatcher.RunHandler(ctx, st, pending.Handler)
			}(st)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
	}
}
