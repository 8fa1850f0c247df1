package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeEvaluator resolves expressions from fixed tables. Interpolation
// substitutes single {{ name }} placeholders from the scope.
type fakeEvaluator struct {
	bools  map[string]bool
	lists  map[string][]any
	errs   map[string]error
	boolFn func(expr string, vars map[string]any) (bool, error)
}

func (f *fakeEvaluator) Evaluate(expr string, vars map[string]any) (any, error) {
	if err, ok := f.errs[expr]; ok {
		return nil, err
	}
	return vars[expr], nil
}

func (f *fakeEvaluator) EvaluateBool(expr string, vars map[string]any) (bool, error) {
	if err, ok := f.errs[expr]; ok {
		return false, err
	}
	if f.boolFn != nil {
		return f.boolFn(expr, vars)
	}
	if v, ok := f.bools[expr]; ok {
		return v, nil
	}
	return true, nil
}

func (f *fakeEvaluator) EvaluateList(expr string, vars map[string]any) ([]any, error) {
	if err, ok := f.errs[expr]; ok {
		return nil, err
	}
	return f.lists[expr], nil
}

func (f *fakeEvaluator) Interpolate(s string, vars map[string]any) (string, error) {
	if len(s) > 4 && s[:3] == "{{ " && s[len(s)-3:] == " }}" {
		name := s[3 : len(s)-3]
		if v, ok := vars[name]; ok {
			return fmt.Sprint(v), nil
		}
	}
	return s, nil
}

type fakeSession struct {
	mu      sync.Mutex
	host    *Host
	runs    []string
	respond func(cmd string) (*CommandResult, error)
	closed  bool
}

func (f *fakeSession) Run(ctx context.Context, command string) (*CommandResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, command)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(command)
	}
	return &CommandResult{ExitCode: 0}, nil
}

func (f *fakeSession) Upload(ctx context.Context, content []byte, path string, mode uint32) error {
	return nil
}

func (f *fakeSession) Host() *Host { return f.host }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConnector struct {
	mu       sync.Mutex
	connects int
	failFor  map[string]error
	sessions []*fakeSession
	respond  func(cmd string) (*CommandResult, error)
}

func (f *fakeConnector) Connect(ctx context.Context, host *Host) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if err, ok := f.failFor[host.Name]; ok {
		return nil, err
	}
	s := &fakeSession{host: host, respond: f.respond}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type invocation struct {
	Host   string
	Module string
	Args   map[string]any
	Opts   InvokeOptions
}

// fakeModules records invocations and replies from a per-module outcome
// queue; a drained queue keeps replying with the last outcome. A non-zero
// delay holds each invocation open so tests can observe concurrency.
type fakeModules struct {
	mu          sync.Mutex
	calls       []invocation
	queues      map[string][]moduleOutcome
	missing     map[string]bool
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

type moduleOutcome struct {
	result *ModuleResult
	err    error
}

func newFakeModules() *fakeModules {
	return &fakeModules{queues: make(map[string][]moduleOutcome)}
}

func (f *fakeModules) push(module string, result *ModuleResult, err error) {
	f.queues[module] = append(f.queues[module], moduleOutcome{result: result, err: err})
}

func (f *fakeModules) Has(name string) bool {
	return !f.missing[name]
}

func (f *fakeModules) Invoke(ctx context.Context, name string, args map[string]any, sess Session, opts InvokeOptions) (*ModuleResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{Host: sess.Host().Name, Module: name, Args: args, Opts: opts})
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	q := f.queues[name]
	var out moduleOutcome
	if len(q) == 0 {
		out = moduleOutcome{result: &ModuleResult{}}
	} else {
		out = q[0]
		if len(q) > 1 {
			f.queues[name] = q[1:]
		}
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return out.result, out.err
}

func (f *fakeModules) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeModules) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCheckpointer struct {
	mu        sync.Mutex
	completed map[string]bool
	records   []CheckpointRecord
	flushes   int
	discards  int
	restored  map[string]map[string]any
	notified  map[string][]string
	breakers  map[string]map[string]BreakerSnapshot
}

func newFakeCheckpointer() *fakeCheckpointer {
	return &fakeCheckpointer{completed: make(map[string]bool)}
}

func (f *fakeCheckpointer) key(host, taskID string) string { return host + "|" + taskID }

func (f *fakeCheckpointer) Completed(host, taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[f.key(host, taskID)]
}

func (f *fakeCheckpointer) Restore(host string) (map[string]any, []string, map[string]BreakerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restored[host], f.notified[host], f.breakers[host]
}

func (f *fakeCheckpointer) Record(ctx context.Context, rec CheckpointRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeCheckpointer) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeCheckpointer) Discard(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	return nil
}

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectSink) Publish(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collectSink) ofType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type dispatcherFixture struct {
	eval       *fakeEvaluator
	modules    *fakeModules
	connector  *fakeConnector
	checkpoint *fakeCheckpointer
	notifier   *Notifier
	publisher  *Publisher
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, handlers []Handler) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		eval:      &fakeEvaluator{bools: map[string]bool{}, lists: map[string][]any{}, errs: map[string]error{}},
		modules:   newFakeModules(),
		connector: &fakeConnector{},
		notifier:  NewNotifier(handlers),
	}
	f.publisher = NewPublisher("test-run", nil, 0)
	t.Cleanup(f.publisher.Close)
	f.dispatcher = NewDispatcher(DispatcherConfig{
		Evaluator: f.eval,
		Modules:   f.modules,
		Connector: f.connector,
		Inventory: newFakeInventory([]string{"h1", "h2", "bastion"}, nil),
		Publisher: f.publisher,
		Notifier:  f.notifier,
		Throttles: NewThrottleSet(),
		Play:      "test",
		Batch:     1,
	})
	return f
}

func (f *dispatcherFixture) withCheckpoint() *fakeCheckpointer {
	f.checkpoint = newFakeCheckpointer()
	f.dispatcher.checkpoint = f.checkpoint
	return f.checkpoint
}

func TestDispatcherRegistersAndNotifiesOnChange(t *testing.T) {
	f := newDispatcherFixture(t, []Handler{{Name: "restart nginx", Module: "service"}})
	f.modules.push("copy", &ModuleResult{Changed: true, Message: "copied"}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "deploy config", Module: "copy",
		Register: "copy_out",
		Notify:   []string{"restart nginx"},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatalf("host failed: %v", st.FailedErr)
	}
	if st.Recap.Changed != 1 {
		t.Errorf("changed = %d, want 1", st.Recap.Changed)
	}
	reg, ok := st.Vars["copy_out"].(map[string]any)
	if !ok {
		t.Fatal("registered variable missing")
	}
	if reg["changed"] != true {
		t.Errorf("registered changed = %v, want true", reg["changed"])
	}
	pending := f.notifier.Pending()
	if len(pending) != 1 || pending[0].Handler.Name != "restart nginx" {
		t.Errorf("expected restart nginx notified, got %v", pending)
	}
}

func TestDispatcherWhenFalseSkips(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.eval.bools["deploy_enabled"] = false

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{ID: "t1", Name: "deploy", Module: "command", When: "deploy_enabled"}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Recap.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", st.Recap.Skipped)
	}
	if f.modules.callCount() != 0 {
		t.Error("module must not be invoked for a skipped task")
	}
	if f.connector.connectCount() != 0 {
		t.Error("no session should be opened for a skipped task")
	}
}

func TestDispatcherRetrySucceedsMidway(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, errors.New("transient"))
	f.modules.push("command", nil, errors.New("transient"))
	f.modules.push("command", &ModuleResult{Changed: true}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "flaky", Module: "command",
		Retry: &RetryPolicy{Attempts: 5},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatalf("host failed: %v", st.FailedErr)
	}
	if f.modules.callCount() != 3 {
		t.Errorf("invocations = %d, want 3", f.modules.callCount())
	}
}

func TestDispatcherRetryExhausted(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, errors.New("still broken"))

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "broken", Module: "command",
		Retry: &RetryPolicy{Attempts: 3},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !st.Failed {
		t.Fatal("host should have failed")
	}
	if !IsKind(st.FailedErr, ErrKindRetryExhausted) {
		t.Errorf("kind = %v, want retry_exhausted", KindOf(st.FailedErr))
	}
	if f.modules.callCount() != 3 {
		t.Errorf("invocations = %d, want 3", f.modules.callCount())
	}
}

func TestDispatcherEvalErrorNotRetried(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, NewEvalError("boom", nil))

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "bad expr", Module: "command",
		Retry: &RetryPolicy{Attempts: 5},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if f.modules.callCount() != 1 {
		t.Errorf("eval errors must not be retried, invocations = %d", f.modules.callCount())
	}
	if !IsKind(st.FailedErr, ErrKindEval) {
		t.Errorf("kind = %v, want eval", KindOf(st.FailedErr))
	}
}

func TestDispatcherCircuitOpenSkipsInvocation(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, errors.New("down"))

	breaker := &BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{
		{Task: &Task{ID: "same-id", Name: "first", Module: "command", Breaker: breaker, IgnoreErrors: true}},
		{Task: &Task{ID: "same-id", Name: "second", Module: "command", Breaker: breaker}},
	}
	f.dispatcher.RunHost(context.Background(), st, steps)

	// First failure opened the breaker; the second task never invokes.
	if f.modules.callCount() != 1 {
		t.Errorf("invocations = %d, want 1", f.modules.callCount())
	}
	if !IsKind(st.FailedErr, ErrKindCircuitOpen) {
		t.Errorf("kind = %v, want circuit_open", KindOf(st.FailedErr))
	}
	if f.connector.connectCount() != 1 {
		t.Errorf("open circuit must skip the connector, connects = %d", f.connector.connectCount())
	}
}

func TestDispatcherBreakersIndependentAcrossHosts(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	breaker := &BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	task := Task{ID: "t1", Name: "probe", Module: "command", Breaker: breaker}

	f.modules.push("command", nil, errors.New("down"))
	st1 := NewHostState(&Host{Name: "h1"})
	f.dispatcher.RunHost(context.Background(), st1, []Step{{Task: &task}})
	if !st1.Failed {
		t.Fatal("h1 should have failed")
	}

	// A different host has its own breaker and still invokes.
	st2 := NewHostState(&Host{Name: "h2"})
	f.dispatcher.RunHost(context.Background(), st2, []Step{{Task: &task}})
	if IsKind(st2.FailedErr, ErrKindCircuitOpen) {
		t.Error("h2's breaker must be unaffected by h1's failures")
	}
}

func TestDispatcherBlockRescueRecovers(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, errors.New("body fails"))
	f.modules.push("command", &ModuleResult{}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Block: &Block{
		Name:   "risky",
		Tasks:  []Task{{ID: "b1", Name: "body", Module: "command"}},
		Rescue: []Task{{ID: "r1", Name: "recover", Module: "command"}},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatalf("rescued block must not fail the host: %v", st.FailedErr)
	}
	if st.Recap.Rescued != 1 {
		t.Errorf("rescued = %d, want 1", st.Recap.Rescued)
	}
}

func TestDispatcherBlockAlwaysOverridesOutcome(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", &ModuleResult{}, nil)
	f.modules.push("command", nil, errors.New("always fails"))

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Block: &Block{
		Tasks:  []Task{{ID: "b1", Name: "body ok", Module: "command"}},
		Always: []Task{{ID: "a1", Name: "cleanup", Module: "command"}},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !st.Failed {
		t.Fatal("always failure must fail the host even when the body succeeded")
	}
}

func TestDispatcherBlockAlwaysRunsAfterFailure(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, errors.New("body fails"))
	f.modules.push("command", &ModuleResult{}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Block: &Block{
		Tasks:  []Task{{ID: "b1", Name: "body", Module: "command"}},
		Always: []Task{{ID: "a1", Name: "cleanup", Module: "command"}},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !st.Failed {
		t.Fatal("unrescued body failure must fail the host")
	}
	if f.modules.callCount() != 2 {
		t.Errorf("always must run after a body failure, invocations = %d", f.modules.callCount())
	}
}

func TestDispatcherLoopRunsPerItem(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.eval.lists["packages"] = []any{"nginx", "redis", "postgres"}
	f.modules.push("package", &ModuleResult{Changed: true}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "install", Module: "package",
		Args:     map[string]any{"name": "{{ item }}"},
		Loop:     "packages",
		Register: "installs",
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatalf("host failed: %v", st.FailedErr)
	}
	if f.modules.callCount() != 3 {
		t.Fatalf("invocations = %d, want 3", f.modules.callCount())
	}
	f.modules.mu.Lock()
	names := []string{
		f.modules.calls[0].Args["name"].(string),
		f.modules.calls[1].Args["name"].(string),
		f.modules.calls[2].Args["name"].(string),
	}
	f.modules.mu.Unlock()
	if names[0] != "nginx" || names[1] != "redis" || names[2] != "postgres" {
		t.Errorf("loop items not threaded into args: %v", names)
	}

	reg, ok := st.Vars["installs"].(map[string]any)
	if !ok {
		t.Fatal("loop result not registered")
	}
	results, ok := reg["results"].([]any)
	if !ok || len(results) != 3 {
		t.Errorf("expected 3 item results, got %v", reg["results"])
	}
}

func TestDispatcherLoopStopsOnFailure(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.eval.lists["items"] = []any{"a", "b", "c"}
	f.modules.push("command", &ModuleResult{}, nil)
	f.modules.push("command", nil, errors.New("item b broke"))

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{ID: "t1", Name: "loop", Module: "command", Loop: "items"}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !st.Failed {
		t.Fatal("loop failure must fail the task")
	}
	if f.modules.callCount() != 2 {
		t.Errorf("loop must stop at first failure, invocations = %d", f.modules.callCount())
	}
}

func TestDispatcherIgnoreErrors(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", nil, errors.New("tolerated"))
	f.modules.push("command", &ModuleResult{}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{
		{Task: &Task{ID: "t1", Name: "may fail", Module: "command", IgnoreErrors: true}},
		{Task: &Task{ID: "t2", Name: "continues", Module: "command"}},
	}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatal("ignored failure must not fail the host")
	}
	if st.Recap.Ignored != 1 {
		t.Errorf("ignored = %d, want 1", st.Recap.Ignored)
	}
	if f.modules.callCount() != 2 {
		t.Errorf("execution must continue past an ignored failure, invocations = %d", f.modules.callCount())
	}
}

func TestDispatcherFailWhenOverridesResult(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", &ModuleResult{Stdout: "WARNING"}, nil)
	f.eval.bools[`stdout contains "WARNING"`] = true

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "check", Module: "command",
		FailWhen: `stdout contains "WARNING"`,
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !st.Failed {
		t.Fatal("fail_when true must fail the task")
	}
	if !IsKind(st.FailedErr, ErrKindModule) {
		t.Errorf("kind = %v, want module", KindOf(st.FailedErr))
	}
}

func TestDispatcherUnknownModuleFailsFast(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.missing = map[string]bool{"nope": true}

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{ID: "t1", Name: "bad", Module: "nope"}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !IsKind(st.FailedErr, ErrKindConfig) {
		t.Errorf("kind = %v, want config", KindOf(st.FailedErr))
	}
	if f.connector.connectCount() != 0 {
		t.Error("unknown module must not open a session")
	}
}

func TestDispatcherResumeSkipsCompletedTasks(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	cp := f.withCheckpoint()
	cp.completed[cp.key("h1", "t1")] = true
	f.modules.push("command", &ModuleResult{}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{
		{Task: &Task{ID: "t1", Name: "done before", Module: "command"}},
		{Task: &Task{ID: "t2", Name: "still pending", Module: "command"}},
	}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if f.modules.callCount() != 1 {
		t.Errorf("completed task must not re-run, invocations = %d", f.modules.callCount())
	}
}

func TestDispatcherDelegateUsesDelegateSession(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.modules.push("command", &ModuleResult{Changed: true}, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "via bastion", Module: "command",
		DelegateTo: "bastion",
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatalf("host failed: %v", st.FailedErr)
	}
	f.modules.mu.Lock()
	call := f.modules.calls[0]
	f.modules.mu.Unlock()
	if call.Host != "bastion" {
		t.Errorf("module ran on %q, want delegate bastion", call.Host)
	}
	if st.Recap.Changed != 1 {
		t.Error("outcome must be recorded against the delegating host")
	}
	f.connector.mu.Lock()
	delegateClosed := f.connector.sessions[0].closed
	f.connector.mu.Unlock()
	if !delegateClosed {
		t.Error("delegate session must be closed after the task")
	}
}

func TestDispatcherHandlerFailureFailsHost(t *testing.T) {
	f := newDispatcherFixture(t, []Handler{{Name: "restart", Module: "service"}})
	f.modules.push("service", nil, errors.New("restart failed"))

	st := NewHostState(&Host{Name: "h1"})
	err := f.dispatcher.RunHandler(context.Background(), st, &Handler{Name: "restart", Module: "service"})
	if err == nil {
		t.Fatal("expected handler error")
	}
	if !IsKind(err, ErrKindHandler) {
		t.Errorf("kind = %v, want handler", KindOf(err))
	}
	if !st.Failed {
		t.Error("handler failure must fail the host")
	}
}

func TestDispatcherHandlerOutcomeCheckpointed(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	cp := f.withCheckpoint()
	f.modules.push("service", &ModuleResult{Changed: true}, nil)

	st := NewHostState(&Host{Name: "h1"})
	handler := &Handler{Name: "restart", Module: "service"}
	if err := f.dispatcher.RunHandler(context.Background(), st, handler); err != nil {
		t.Fatal(err)
	}

	cp.mu.Lock()
	if len(cp.records) == 0 {
		cp.mu.Unlock()
		t.Fatal("handler outcome not recorded")
	}
	last := cp.records[len(cp.records)-1]
	cp.mu.Unlock()
	if last.TaskID != "handler:restart" || last.State != TaskStateCompleted {
		t.Errorf("record = %+v, want completed handler:restart", last)
	}

	// Resume: a handler already recorded as completed must not run again.
	cp.completed[cp.key("h1", "handler:restart")] = true
	st2 := NewHostState(&Host{Name: "h1"})
	if err := f.dispatcher.RunHandler(context.Background(), st2, handler); err != nil {
		t.Fatal(err)
	}
	if f.modules.callCount() != 1 {
		t.Errorf("handler re-ran on resume, invocations = %d", f.modules.callCount())
	}
}

func TestDispatcherRecordCarriesBreakerState(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	cp := f.withCheckpoint()
	f.modules.push("command", nil, errors.New("down"))

	breaker := &BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{ID: "t1", Name: "flaky", Module: "command", Breaker: breaker}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	cp.mu.Lock()
	if len(cp.records) == 0 {
		cp.mu.Unlock()
		t.Fatal("failure not recorded")
	}
	last := cp.records[len(cp.records)-1]
	cp.mu.Unlock()
	snap, ok := last.Breakers["t1"]
	if !ok {
		t.Fatalf("record carries no breaker positions: %+v", last)
	}
	if snap.State != BreakerOpen {
		t.Errorf("breaker state = %s, want open", snap.State)
	}
}

func TestDispatcherCircuitRecloseEmitsEvent(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	sink := &collectSink{}
	pub := NewPublisher("test-run", sink, 0)
	f.dispatcher.publisher = pub

	f.modules.push("command", nil, errors.New("down"))
	f.modules.push("command", &ModuleResult{}, nil)

	breaker := &BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Nanosecond}
	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{
		{Task: &Task{ID: "same-id", Name: "first", Module: "command", Breaker: breaker, IgnoreErrors: true}},
		{Task: &Task{ID: "same-id", Name: "second", Module: "command", Breaker: breaker}},
	}
	f.dispatcher.RunHost(context.Background(), st, steps)
	pub.Close()

	if st.Failed {
		t.Fatalf("host failed: %v", st.FailedErr)
	}
	// The breaker opened on the first failure, went half-open after the
	// reset timeout and closed on the second task's success.
	if got := len(sink.ofType(EventCircuitClosed)); got != 1 {
		t.Errorf("circuit closed events = %d, want 1", got)
	}
}

func TestDispatcherConnectionErrorRetried(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connector.failFor = map[string]error{"h1": errors.New("refused")}

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "connect", Module: "command",
		Retry: &RetryPolicy{Attempts: 3},
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if !st.Failed {
		t.Fatal("host should have failed")
	}
	if !IsKind(st.FailedErr, ErrKindRetryExhausted) {
		t.Errorf("kind = %v, want retry_exhausted", KindOf(st.FailedErr))
	}
	if f.connector.connectCount() != 3 {
		t.Errorf("connects = %d, want one per attempt", f.connector.connectCount())
	}
}

func TestDispatcherAsyncFireAndForget(t *testing.T) {
	f := newDispatcherFixture(t, nil)

	st := NewHostState(&Host{Name: "h1"})
	steps := []Step{{Task: &Task{
		ID: "t1", Name: "long job", Module: "shell",
		Args:     map[string]any{"cmd": "sleep 300"},
		Async:    &AsyncConfig{Timeout: time.Hour, Poll: 0},
		Register: "job",
	}}}
	f.dispatcher.RunHost(context.Background(), st, steps)

	if st.Failed {
		t.Fatalf("host failed: %v", st.FailedErr)
	}
	reg, ok := st.Vars["job"].(map[string]any)
	if !ok {
		t.Fatal("job handle not registered")
	}
	if reg["finished"] != false {
		t.Errorf("finished = %v, want false", reg["finished"])
	}
	if id, _ := reg["job_id"].(string); id == "" {
		t.Error("job_id missing from registered handle")
	}
}
