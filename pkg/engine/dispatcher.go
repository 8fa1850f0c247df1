package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Dispatcher drives one host through a task sequence. A dispatcher is
// created per batch and shared by the batch's workers; all per-host state
// lives in HostState, which a single worker owns.
type Dispatcher struct {
	eval       Evaluator
	modules    ModuleRegistry
	connector  Connector
	inventory  Inventory
	checkpoint Checkpointer
	secrets    SecretResolver
	publisher  *Publisher
	notifier   *Notifier
	throttles  *ThrottleSet
	checkMode  bool
	play       string
	batch      int
}

// DispatcherConfig wires a dispatcher's collaborators.
type DispatcherConfig struct {
	Evaluator  Evaluator
	Modules    ModuleRegistry
	Connector  Connector
	Inventory  Inventory
	Checkpoint Checkpointer
	Secrets    SecretResolver
	Publisher  *Publisher
	Notifier   *Notifier
	Throttles  *ThrottleSet
	CheckMode  bool
	Play       string
	Batch      int
}

// NewDispatcher creates a dispatcher for one batch of a play.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		eval:       cfg.Evaluator,
		modules:    cfg.Modules,
		connector:  cfg.Connector,
		inventory:  cfg.Inventory,
		checkpoint: cfg.Checkpoint,
		secrets:    cfg.Secrets,
		publisher:  cfg.Publisher,
		notifier:   cfg.Notifier,
		throttles:  cfg.Throttles,
		checkMode:  cfg.CheckMode,
		play:       cfg.Play,
		batch:      cfg.Batch,
	}
}

// RunHost executes the step sequence on one host. It returns once the host
// is terminal for the batch: all steps done, the host failed, or
// cancellation was observed after the in-flight task finished.
func (d *Dispatcher) RunHost(ctx context.Context, st *HostState, steps []Step) {
	defer d.closeSession(st)

	for i := range steps {
		if st.Failed {
			return
		}
		if ctx.Err() != nil {
			return
		}
		step := steps[i]
		switch {
		case step.Task != nil:
			res := d.runTask(ctx, st, step.Task, nil)
			d.finishTask(ctx, st, step.Task, res)
		case step.Block != nil:
			d.runBlock(ctx, st, step.Block)
		}
	}
}

// finishTask records a task result: recap counts, host failure, checkpoint.
func (d *Dispatcher) finishTask(ctx context.Context, st *HostState, task *Task, res *TaskResult) {
	st.Count(res)
	if res.State == TaskStateFailed && !res.Ignored {
		st.Fail(res.Err)
		d.publisher.Emit(Event{
			Type: EventHostFailed, Play: d.play, Batch: d.batch,
			Host: st.Host.Name, Task: task.Name,
			Message: res.Err.Error(),
		})
	}
	d.record(ctx, st, task, res)
}

func (d *Dispatcher) record(ctx context.Context, st *HostState, task *Task, res *TaskResult) {
	if d.checkpoint == nil {
		return
	}
	rec := CheckpointRecord{
		Host:   st.Host.Name,
		TaskID: task.ID,
		State:  res.State,
	}
	if task.Register != "" && res.Result != nil {
		rec.Registered = map[string]any{task.Register: res.Result.Vars()}
	}
	if res.State == TaskStateCompleted && res.Changed {
		for _, name := range task.Notify {
			rec.Notified = append(rec.Notified, name)
		}
	}
	rec.Breakers = st.Breakers.Snapshot()
	// The outcome is terminal even when the run is being cancelled.
	if err := d.checkpoint.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Str("host", st.Host.Name).Str("task", task.ID).
			Msg("checkpoint append failed")
	}
}

// runBlock executes a block's body, rescuing on failure and running always
// regardless. An always failure overrides any earlier outcome.
func (d *Dispatcher) runBlock(ctx context.Context, st *HostState, block *Block) {
	if block.When != "" {
		ok, err := d.eval.EvaluateBool(block.When, st.Vars)
		if err != nil {
			st.Fail(NewEvalError(fmt.Sprintf("block %q condition", block.Name), err).WithHost(st.Host.Name))
			return
		}
		if !ok {
			for i := range block.Tasks {
				d.skipTask(st, &block.Tasks[i], "block condition was false")
			}
			return
		}
	}

	var bodyErr error
	for i := range block.Tasks {
		if ctx.Err() != nil {
			return
		}
		task := &block.Tasks[i]
		res := d.runTask(ctx, st, task, nil)
		st.Count(res)
		d.record(ctx, st, task, res)
		if res.State == TaskStateFailed && !res.Ignored {
			bodyErr = res.Err
			break
		}
	}

	rescued := false
	if bodyErr != nil && len(block.Rescue) > 0 {
		rescued = true
		failure := map[string]any{
			"failure": map[string]any{"msg": bodyErr.Error()},
		}
		for i := range block.Rescue {
			if ctx.Err() != nil {
				return
			}
			task := &block.Rescue[i]
			res := d.runTask(ctx, st, task, failure)
			st.Count(res)
			d.record(ctx, st, task, res)
			if res.State == TaskStateFailed && !res.Ignored {
				rescued = false
				bodyErr = res.Err
				break
			}
		}
	}

	var alwaysErr error
	for i := range block.Always {
		if ctx.Err() != nil {
			return
		}
		task := &block.Always[i]
		res := d.runTask(ctx, st, task, nil)
		st.Count(res)
		d.record(ctx, st, task, res)
		if res.State == TaskStateFailed && !res.Ignored {
			alwaysErr = res.Err
			break
		}
	}

	switch {
	case alwaysErr != nil:
		st.Fail(alwaysErr)
	case bodyErr != nil && !rescued:
		st.Fail(bodyErr)
	case bodyErr != nil && rescued:
		st.Recap.Rescued++
	}
}

func (d *Dispatcher) skipTask(st *HostState, task *Task, reason string) {
	res := &TaskResult{
		Host: st.Host.Name, TaskID: task.ID, TaskName: task.Name,
		State: TaskStateSkipped,
	}
	st.Count(res)
	d.publisher.Emit(Event{
		Type: EventTaskCompleted, Play: d.play, Batch: d.batch,
		Host: st.Host.Name, Task: task.Name,
		Message: reason,
		Data:    map[string]any{"state": string(TaskStateSkipped)},
	})
}

// runTask takes one task from pending to a terminal state on the host.
// extraVars overlays the host scope (rescue failure context).
func (d *Dispatcher) runTask(ctx context.Context, st *HostState, task *Task, extraVars map[string]any) *TaskResult {
	res := &TaskResult{Host: st.Host.Name, TaskID: task.ID, TaskName: task.Name}
	started := time.Now()
	defer func() { res.Duration = time.Since(started) }()

	// Resume: already terminal in a previous run.
	if d.checkpoint != nil && d.checkpoint.Completed(st.Host.Name, task.ID) {
		res.State = TaskStateSkipped
		log.Debug().Str("host", st.Host.Name).Str("task", task.ID).
			Msg("skipping task completed in previous run")
		return res
	}

	if task.Module != "" && !d.modules.Has(task.Module) {
		res.State = TaskStateFailed
		res.Err = NewConfigError(fmt.Sprintf("unknown module %q", task.Module), nil).
			WithHost(st.Host.Name).WithTask(task.Identity())
		return res
	}

	scope := st.ScopeWith(task.Vars, extraVars)

	if task.When != "" {
		ok, err := d.eval.EvaluateBool(task.When, scope)
		if err != nil {
			res.State = TaskStateFailed
			res.Err = NewEvalError("when condition", err).WithHost(st.Host.Name).WithTask(task.Identity())
			return res
		}
		if !ok {
			res.State = TaskStateSkipped
			return res
		}
	}

	if d.throttles != nil && task.Throttle > 0 {
		release := d.throttles.Acquire(ctx, task.Identity(), task.Throttle)
		if release == nil {
			res.State = TaskStateFailed
			res.Err = NewError(ErrKindCancelled, "cancelled while waiting for throttle slot", ctx.Err()).
				WithHost(st.Host.Name).WithTask(task.Identity())
			return res
		}
		defer release()
	}

	d.publisher.Emit(Event{
		Type: EventTaskStarted, Play: d.play, Batch: d.batch,
		Host: st.Host.Name, Task: task.Name,
	})

	if task.Loop != "" {
		d.runLoop(ctx, st, task, scope, res)
	} else {
		out, attempts, err := d.runWithRetry(ctx, st, task, scope)
		res.Attempts = attempts
		res.Result = out
		if err != nil {
			res.State = TaskStateFailed
			res.Err = err
		} else {
			res.State = TaskStateCompleted
			res.Changed = out.Changed
		}
	}

	if res.State == TaskStateFailed && task.IgnoreErrors {
		res.Ignored = true
	}

	if task.Register != "" && res.Result != nil {
		st.Register(task.Register, res.Result.Vars())
	}

	if res.State == TaskStateCompleted && res.Changed {
		for _, name := range task.Notify {
			if !d.notifier.Notify(name, st.Host.Name) {
				log.Warn().Str("handler", name).Str("task", task.Name).
					Msg("notify names no declared handler")
			}
		}
	}

	d.publisher.Emit(Event{
		Type: EventTaskCompleted, Play: d.play, Batch: d.batch,
		Host: st.Host.Name, Task: task.Name,
		Data: map[string]any{
			"state":    string(res.State),
			"changed":  res.Changed,
			"attempts": res.Attempts,
		},
	})
	return res
}

// runLoop expands a loop expression and runs the task once per item. The
// aggregate result carries every item result under "results"; the first
// failure stops the loop.
func (d *Dispatcher) runLoop(ctx context.Context, st *HostState, task *Task, scope map[string]any, res *TaskResult) {
	items, err := d.eval.EvaluateList(task.Loop, scope)
	if err != nil {
		res.State = TaskStateFailed
		res.Err = NewEvalError("loop expression", err).WithHost(st.Host.Name).WithTask(task.Identity())
		return
	}

	loopVar := task.LoopVar
	if loopVar == "" {
		loopVar = "item"
	}

	agg := &ModuleResult{}
	var results []any
	for i, item := range items {
		if ctx.Err() != nil {
			res.State = TaskStateFailed
			res.Err = NewError(ErrKindCancelled, "cancelled during loop", ctx.Err()).
				WithHost(st.Host.Name).WithTask(task.Identity())
			break
		}
		iterScope := st.ScopeWith(task.Vars, map[string]any{
			loopVar: item,
			"loop": map[string]any{
				"index":  i + 1,
				"index0": i,
				"first":  i == 0,
				"last":   i == len(items)-1,
				"length": len(items),
			},
		})
		out, attempts, err := d.runWithRetry(ctx, st, task, iterScope)
		res.Attempts += attempts
		if out != nil {
			itemVars := out.Vars()
			itemVars[loopVar] = item
			results = append(results, itemVars)
			if out.Changed {
				agg.Changed = true
			}
		}
		if err != nil {
			res.State = TaskStateFailed
			res.Err = err
			break
		}
	}

	agg.Data = map[string]any{"results": results}
	res.Result = agg
	res.Changed = agg.Changed
	if res.State == "" || res.State == TaskStatePending {
		res.State = TaskStateCompleted
	}
}

// runWithRetry performs the attempt loop around one invocation, honoring
// the circuit breaker, until/retry_when expressions and the delay strategy.
// It returns the final module result, the attempt count and the terminal
// error.
func (d *Dispatcher) runWithRetry(ctx context.Context, st *HostState, task *Task, scope map[string]any) (*ModuleResult, int, error) {
	attempts := 1
	var policy *RetryPolicy
	if task.Retry != nil && task.Retry.Attempts > 1 {
		policy = task.Retry
		attempts = policy.Attempts
	}

	breaker := st.Breakers.Get(task.Identity(), task.Breaker)

	var lastErr error
	var lastOut *ModuleResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if breaker != nil && !breaker.Allow() {
			d.publisher.Emit(Event{
				Type: EventCircuitOpened, Play: d.play, Batch: d.batch,
				Host: st.Host.Name, Task: task.Name,
			})
			return lastOut, attempt - 1, NewError(ErrKindCircuitOpen,
				fmt.Sprintf("circuit open for task %q", task.Identity()), nil).
				WithHost(st.Host.Name).WithTask(task.Identity())
		}

		out, err := d.invoke(ctx, st, task, scope)
		lastOut = out

		success := err == nil
		if success && policy != nil && policy.Until != "" {
			untilScope := st.ScopeWith(scope, out.Vars())
			ok, evalErr := d.eval.EvaluateBool(policy.Until, untilScope)
			if evalErr != nil {
				if breaker != nil {
					breaker.RecordFailure()
				}
				return out, attempt, NewEvalError("until condition", evalErr).
					WithHost(st.Host.Name).WithTask(task.Identity())
			}
			if !ok {
				success = false
				err = NewModuleError("until condition not met", nil).
					WithHost(st.Host.Name).WithTask(task.Identity())
			}
		}

		if success {
			if breaker != nil && breaker.RecordSuccess() {
				d.publisher.Emit(Event{
					Type: EventCircuitClosed, Play: d.play, Batch: d.batch,
					Host: st.Host.Name, Task: task.Name,
				})
			}
			return out, attempt, nil
		}

		lastErr = err
		if breaker != nil {
			breaker.RecordFailure()
		}

		// Evaluation errors are deterministic; retrying cannot change them.
		if IsKind(err, ErrKindEval) || IsKind(err, ErrKindConfig) || IsKind(err, ErrKindCancelled) {
			return out, attempt, err
		}

		if attempt == attempts {
			break
		}

		if policy != nil && policy.RetryWhen != "" {
			failScope := st.ScopeWith(scope, map[string]any{
				"failure": map[string]any{"msg": err.Error(), "attempt": attempt},
			})
			ok, evalErr := d.eval.EvaluateBool(policy.RetryWhen, failScope)
			if evalErr != nil {
				return out, attempt, NewEvalError("retry_when condition", evalErr).
					WithHost(st.Host.Name).WithTask(task.Identity())
			}
			if !ok {
				return out, attempt, err
			}
		}

		delay := RetryDelay(policy, attempt)
		d.publisher.Emit(Event{
			Type: EventTaskRetrying, Play: d.play, Batch: d.batch,
			Host: st.Host.Name, Task: task.Name,
			Data: map[string]any{"attempt": attempt, "delay": delay.String()},
		})
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return out, attempt, NewError(ErrKindCancelled, "cancelled during retry delay", ctx.Err()).
					WithHost(st.Host.Name).WithTask(task.Identity())
			}
		}
	}

	if attempts > 1 {
		return lastOut, attempts, NewError(ErrKindRetryExhausted,
			fmt.Sprintf("task failed after %d attempts", attempts), lastErr).
			WithHost(st.Host.Name).WithTask(task.Identity())
	}
	return lastOut, attempts, lastErr
}

// invoke performs one module invocation: session, args interpolation,
// module call, async handling, fail_when/changed_when overrides.
func (d *Dispatcher) invoke(ctx context.Context, st *HostState, task *Task, scope map[string]any) (*ModuleResult, error) {
	sess, delegated, err := d.sessionFor(ctx, st, task)
	if err != nil {
		return nil, err
	}
	if delegated {
		defer sess.Close()
		scope = st.ScopeWith(scope, map[string]any{"delegated_to": task.DelegateTo})
	}

	args, err := d.interpolateArgs(task.Args, scope)
	if err != nil {
		return nil, NewEvalError("argument interpolation", err).
			WithHost(st.Host.Name).WithTask(task.Identity())
	}

	var out *ModuleResult
	if task.Async != nil {
		out, err = d.invokeAsync(ctx, sess, task, args)
	} else {
		opts := InvokeOptions{CheckMode: d.checkMode, Sudo: task.Sudo, SudoUser: task.SudoUser}
		out, err = d.modules.Invoke(ctx, task.Module, args, sess, opts)
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return out, e.WithHost(st.Host.Name).WithTask(task.Identity())
		}
		return out, NewModuleError("module invocation failed", err).
			WithHost(st.Host.Name).WithTask(task.Identity())
	}

	resultScope := st.ScopeWith(scope, out.Vars())
	if task.FailWhen != "" {
		failed, evalErr := d.eval.EvaluateBool(task.FailWhen, resultScope)
		if evalErr != nil {
			return out, NewEvalError("fail_when condition", evalErr).
				WithHost(st.Host.Name).WithTask(task.Identity())
		}
		out.Failed = failed
	}
	if task.ChangedWhen != "" {
		changed, evalErr := d.eval.EvaluateBool(task.ChangedWhen, resultScope)
		if evalErr != nil {
			return out, NewEvalError("changed_when condition", evalErr).
				WithHost(st.Host.Name).WithTask(task.Identity())
		}
		out.Changed = changed
	}

	if out.Failed {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("module %q reported failure", task.Module)
		}
		return out, NewModuleError(msg, nil).WithHost(st.Host.Name).WithTask(task.Identity())
	}
	return out, nil
}

// invokeAsync starts the task's command detached. With poll > 0 the job is
// polled until finished or the timeout elapses, at which point the job is
// killed. With poll == 0 the job handle is the result.
func (d *Dispatcher) invokeAsync(ctx context.Context, sess Session, task *Task, args map[string]any) (*ModuleResult, error) {
	command, ok := commandFromArgs(task.Module, args)
	if !ok {
		return nil, NewConfigError(fmt.Sprintf("module %q does not support async", task.Module), nil)
	}

	job, err := StartAsyncJob(ctx, sess, command)
	if err != nil {
		return nil, err
	}

	if task.Async.Poll <= 0 {
		return &ModuleResult{
			Changed: true,
			Message: "async job started",
			Data: map[string]any{
				"job_id":   job.ID,
				"started":  true,
				"finished": false,
			},
		}, nil
	}

	deadline := time.Now().Add(task.Async.Timeout)
	for {
		status, err := CheckAsyncJob(ctx, sess, job.ID)
		if err != nil {
			return nil, err
		}
		if status.Finished {
			defer CleanupAsyncJob(ctx, sess, job.ID)
			out := &ModuleResult{
				Changed:  true,
				Stdout:   status.Stdout,
				Stderr:   status.Stderr,
				ExitCode: status.ExitCode,
				Data: map[string]any{
					"job_id":   job.ID,
					"finished": true,
				},
			}
			if status.ExitCode != 0 {
				out.Failed = true
				out.Message = fmt.Sprintf("async command exited %d", status.ExitCode)
			}
			return out, nil
		}
		if time.Now().After(deadline) {
			KillAsyncJob(ctx, sess, job.ID)
			CleanupAsyncJob(ctx, sess, job.ID)
			return nil, NewError(ErrKindAsyncTimeout,
				fmt.Sprintf("async job exceeded %s", task.Async.Timeout), nil)
		}
		select {
		case <-time.After(task.Async.Poll):
		case <-ctx.Done():
			return nil, NewError(ErrKindCancelled, "cancelled while polling async job", ctx.Err())
		}
	}
}

// sessionFor returns the session the task runs over: the host's own cached
// session, or a fresh one to the delegate.
func (d *Dispatcher) sessionFor(ctx context.Context, st *HostState, task *Task) (Session, bool, error) {
	if task.DelegateTo != "" {
		delegate, ok := d.inventory.Lookup(task.DelegateTo)
		if !ok {
			return nil, false, NewConfigError(fmt.Sprintf("delegate_to names unknown host %q", task.DelegateTo), nil).
				WithHost(st.Host.Name).WithTask(task.Identity())
		}
		sess, err := d.connector.Connect(ctx, delegate)
		if err != nil {
			return nil, false, NewConnectionError(fmt.Sprintf("failed to connect to delegate %q", task.DelegateTo), err).
				WithHost(st.Host.Name).WithTask(task.Identity())
		}
		return sess, true, nil
	}

	if st.session == nil {
		sess, err := d.connector.Connect(ctx, st.Host)
		if err != nil {
			return nil, false, NewConnectionError("failed to connect", err).
				WithHost(st.Host.Name).WithTask(task.Identity())
		}
		st.session = sess
	}
	return st.session, false, nil
}

func (d *Dispatcher) closeSession(st *HostState) {
	if st.session != nil {
		if err := st.session.Close(); err != nil {
			log.Debug().Err(err).Str("host", st.Host.Name).Msg("session close failed")
		}
		st.session = nil
	}
}

// interpolateArgs resolves secrets and {{ }} placeholders through nested
// maps and lists, leaving non-string values untouched.
func (d *Dispatcher) interpolateArgs(args map[string]any, scope map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		iv, err := d.interpolateValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = iv
	}
	return out, nil
}

func (d *Dispatcher) interpolateValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if d.secrets != nil && d.secrets.IsSecret(val) {
			plain, err := d.secrets.Resolve(val)
			if err != nil {
				return nil, err
			}
			val = plain
		}
		return d.eval.Interpolate(val, scope)
	case map[string]any:
		return d.interpolateArgs(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			iv, err := d.interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return v, nil
	}
}

// RunHandler executes one notified handler on one host at the batch
// barrier. A handler failure is reported as a host failure for the batch.
func (d *Dispatcher) RunHandler(ctx context.Context, st *HostState, handler *Handler) error {
	d.publisher.Emit(Event{
		Type: EventHandlerStarted, Play: d.play, Batch: d.batch,
		Host: st.Host.Name, Task: handler.Name,
	})

	task := &Task{
		ID:     "handler:" + handler.Name,
		Name:   handler.Name,
		Module: handler.Module,
		Args:   handler.Args,
	}
	res := d.runTask(ctx, st, task, nil)
	st.Count(res)
	d.record(ctx, st, task, res)

	d.publisher.Emit(Event{
		Type: EventHandlerCompleted, Play: d.play, Batch: d.batch,
		Host: st.Host.Name, Task: handler.Name,
		Data: map[string]any{"state": string(res.State)},
	})

	if res.State == TaskStateFailed {
		err := NewError(ErrKindHandler,
			fmt.Sprintf("handler %q failed", handler.Name), res.Err).
			WithHost(st.Host.Name)
		st.Fail(err)
		return err
	}
	return nil
}

// commandFromArgs extracts the shell command for modules that run one.
func commandFromArgs(module string, args map[string]any) (string, bool) {
	switch module {
	case "command", "shell":
		if cmd, ok := args["cmd"].(string); ok && cmd != "" {
			return cmd, true
		}
	}
	return "", false
}
