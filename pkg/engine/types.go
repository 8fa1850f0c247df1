package engine

import (
	"fmt"
	"time"
)

// Strategy selects how hosts progress through a play's task list.
type Strategy string

const (
	// StrategyLinear runs hosts through the task list with batch barriers.
	StrategyLinear Strategy = "linear"

	// StrategyFree lets each host run ahead without waiting for others.
	StrategyFree Strategy = "free"
)

// Validate checks that the strategy is a known value.
func (s Strategy) Validate() error {
	switch s {
	case StrategyLinear, StrategyFree, "":
		return nil
	default:
		return fmt.Errorf("invalid strategy: %s", s)
	}
}

// TaskState tracks a task's lifecycle on a single host.
type TaskState string

const (
	// TaskStatePending means the task has not started yet.
	TaskStatePending TaskState = "pending"

	// TaskStateRunning means the task is executing.
	TaskStateRunning TaskState = "running"

	// TaskStateCompleted means the task finished without failure.
	TaskStateCompleted TaskState = "completed"

	// TaskStateFailed means the task failed terminally.
	TaskStateFailed TaskState = "failed"

	// TaskStateSkipped means a condition or tag filter excluded the task.
	TaskStateSkipped TaskState = "skipped"
)

// Terminal reports whether the state is an end state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// Host is a target machine resolved from the inventory.
type Host struct {
	// Name is the inventory name, unique across the inventory.
	Name string `json:"name"`

	// Address is the network address to connect to. Defaults to Name.
	Address string `json:"address,omitempty"`

	// Port is the SSH port. Zero means the transport default.
	Port int `json:"port,omitempty"`

	// User is the login user for the transport.
	User string `json:"user,omitempty"`

	// Connection selects the transport: "ssh" (default) or "local".
	Connection string `json:"connection,omitempty"`

	// Vars are host-scoped variables, already merged with group vars.
	Vars map[string]any `json:"vars,omitempty"`
}

// DelayStrategy selects how retry delays grow between attempts.
type DelayStrategy string

const (
	// DelayFixed waits the same duration before every retry.
	DelayFixed DelayStrategy = "fixed"

	// DelayLinear waits base + increment*(n-1), capped at max.
	DelayLinear DelayStrategy = "linear"

	// DelayExponential waits base*2^(n-1), capped at max.
	DelayExponential DelayStrategy = "exponential"
)

// RetryPolicy configures re-invocation of a failing task.
type RetryPolicy struct {
	// Attempts is the maximum number of invocations, including the first.
	Attempts int `json:"attempts" yaml:"attempts"`

	// Strategy selects the delay growth curve. Defaults to fixed.
	Strategy DelayStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Delay is the base delay between attempts.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Increment is the linear strategy's per-attempt growth.
	Increment time.Duration `json:"increment,omitempty" yaml:"increment,omitempty"`

	// MaxDelay caps linear and exponential delays. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`

	// Jitter adds a uniform random amount in [0, delay] to each delay.
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`

	// Until is an expression over the task result; success only counts once
	// it evaluates truthy.
	Until string `json:"until,omitempty" yaml:"until,omitempty"`

	// RetryWhen is an expression over the failure; a falsy result stops
	// retrying immediately.
	RetryWhen string `json:"retry_when,omitempty" yaml:"retry_when,omitempty"`
}

// BreakerConfig configures the circuit breaker guarding a task identity.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold is the consecutive-success count in half-open state
	// that closes the circuit again.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// ResetTimeout is how long an open circuit waits before probing.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

// AsyncConfig configures background execution of a task.
type AsyncConfig struct {
	// Timeout is the total time budget for the background job.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Poll is the status-check interval. Zero means fire-and-forget: the
	// dispatcher registers a job handle and moves on.
	Poll time.Duration `json:"poll" yaml:"poll"`
}

// Task is a single unit of work: one module invocation per host, possibly
// expanded by a loop.
type Task struct {
	// ID is the stable task identity used for checkpoints, throttling and
	// circuit breakers. The planner assigns one when the playbook does not.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// Module is the module to invoke.
	Module string `json:"module"`

	// Args are the module arguments, interpolated per host before invocation.
	Args map[string]any `json:"args,omitempty"`

	// When is a condition expression; falsy skips the task on that host.
	When string `json:"when,omitempty"`

	// Loop is an expression producing a list; the task runs once per item.
	Loop string `json:"loop,omitempty"`

	// LoopVar overrides the per-item variable name. Defaults to "item".
	LoopVar string `json:"loop_var,omitempty"`

	// Register names a variable to store the task result under.
	Register string `json:"register,omitempty"`

	// FailWhen overrides failure detection, evaluated over the result.
	FailWhen string `json:"fail_when,omitempty"`

	// ChangedWhen overrides change detection, evaluated over the result.
	ChangedWhen string `json:"changed_when,omitempty"`

	// Notify lists handler names to notify when the task reports changed.
	Notify []string `json:"notify,omitempty"`

	// Tags are the task's tags, merged with its block's and play's tags.
	Tags []string `json:"tags,omitempty"`

	// DelegateTo runs the task on another host's session while recording the
	// outcome against the current host.
	DelegateTo string `json:"delegate_to,omitempty"`

	// Throttle bounds how many hosts may run this task concurrently within
	// a batch. Zero means unbounded.
	Throttle int `json:"throttle,omitempty"`

	// Retry configures retries. Nil means a single attempt.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Breaker configures the circuit breaker for this task identity.
	Breaker *BreakerConfig `json:"breaker,omitempty"`

	// Async configures background execution. Nil means synchronous.
	Async *AsyncConfig `json:"async,omitempty"`

	// IgnoreErrors records a failure without failing the host.
	IgnoreErrors bool `json:"ignore_errors,omitempty"`

	// Sudo escalates privileges for this task.
	Sudo bool `json:"sudo,omitempty"`

	// SudoUser is the escalation target user. Defaults to root.
	SudoUser string `json:"sudo_user,omitempty"`

	// Vars are task-scoped variables, highest precedence below loop vars.
	Vars map[string]any `json:"vars,omitempty"`
}

// Identity returns the task's stable identity, preferring the explicit ID.
func (t *Task) Identity() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Name
}

// Block groups tasks with shared error handling.
type Block struct {
	// Name is the display name.
	Name string `json:"name,omitempty"`

	// When gates the whole block.
	When string `json:"when,omitempty"`

	// Tags apply to every task in the block.
	Tags []string `json:"tags,omitempty"`

	// Tasks is the main body.
	Tasks []Task `json:"tasks"`

	// Rescue runs if any body task fails, with error details in scope.
	Rescue []Task `json:"rescue,omitempty"`

	// Always runs regardless of body or rescue outcome.
	Always []Task `json:"always,omitempty"`
}

// Step is one entry in a play's task sequence: a task or a block.
type Step struct {
	// Task is set for a plain task step.
	Task *Task `json:"task,omitempty"`

	// Block is set for a block step.
	Block *Block `json:"block,omitempty"`
}

// Handler is a named task that runs only when notified by a changed task.
type Handler struct {
	// Name is the handler's name, the key tasks notify by.
	Name string `json:"name"`

	// Module is the module to invoke.
	Module string `json:"module"`

	// Args are the module arguments.
	Args map[string]any `json:"args,omitempty"`
}

// SerialSize is one element of a serial specification.
type SerialSize struct {
	// Count is an absolute batch size when Percent is false.
	Count int `json:"count"`

	// Percent interprets Count as a percentage of the play's hosts,
	// rounded up.
	Percent bool `json:"percent,omitempty"`
}

// RoleRef references a role from a play, with optional parameter overrides.
type RoleRef struct {
	// Name is the role name.
	Name string `json:"name"`

	// Vars override the role's variables for this reference.
	Vars map[string]any `json:"vars,omitempty"`

	// Tags apply to every task the role contributes.
	Tags []string `json:"tags,omitempty"`
}

// Role is a reusable bundle of tasks, handlers and defaults.
type Role struct {
	// Name is the role name, unique across loaded roles.
	Name string `json:"name"`

	// Dependencies are roles expanded before this one, depth-first.
	Dependencies []RoleRef `json:"dependencies,omitempty"`

	// Defaults are the lowest-precedence variables.
	Defaults map[string]any `json:"defaults,omitempty"`

	// Vars are role variables, above defaults.
	Vars map[string]any `json:"vars,omitempty"`

	// Tasks is the role's task sequence.
	Tasks []Step `json:"tasks,omitempty"`

	// Handlers are the role's handlers.
	Handlers []Handler `json:"handlers,omitempty"`
}

// Play binds a host pattern to an ordered task sequence.
type Play struct {
	// Name is the display name.
	Name string `json:"name"`

	// Hosts is the target pattern: names, groups, globs, joined with the
	// union/intersect/exclude operators.
	Hosts string `json:"hosts"`

	// Strategy selects linear (default) or free execution.
	Strategy Strategy `json:"strategy,omitempty"`

	// Serial splits the play's hosts into rolling batches. Empty means one
	// batch containing every host.
	Serial []SerialSize `json:"serial,omitempty"`

	// Vars are play variables, highest precedence among play-level sources.
	Vars map[string]any `json:"vars,omitempty"`

	// Tags apply to every task in the play.
	Tags []string `json:"tags,omitempty"`

	// PreTasks run before roles.
	PreTasks []Step `json:"pre_tasks,omitempty"`

	// Roles are expanded depth-first between pre-tasks and tasks.
	Roles []RoleRef `json:"roles,omitempty"`

	// Tasks is the main task sequence.
	Tasks []Step `json:"tasks,omitempty"`

	// PostTasks run after tasks.
	PostTasks []Step `json:"post_tasks,omitempty"`

	// Handlers are the play's handlers, flushed at each batch end.
	Handlers []Handler `json:"handlers,omitempty"`
}

// Playbook is an ordered list of plays plus the roles they reference.
type Playbook struct {
	// Path is the source file, used for display and hashing.
	Path string `json:"path"`

	// Hash is the SHA-256 of the playbook content, hex-encoded.
	Hash string `json:"hash"`

	// Plays run in order.
	Plays []Play `json:"plays"`

	// Roles indexes loaded roles by name.
	Roles map[string]*Role `json:"roles,omitempty"`
}

// CommandResult is the raw outcome of one remote command.
type CommandResult struct {
	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// ExitCode is the process exit code.
	ExitCode int `json:"exit_code"`
}

// ModuleResult is what a module reports after one invocation.
type ModuleResult struct {
	// Changed reports whether the module altered the host.
	Changed bool `json:"changed"`

	// Failed reports module-level failure.
	Failed bool `json:"failed"`

	// Skipped reports that the module decided not to act.
	Skipped bool `json:"skipped,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`

	// Stdout carries command output when the module ran one.
	Stdout string `json:"stdout,omitempty"`

	// Stderr carries command error output.
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is the command exit code, when applicable.
	ExitCode int `json:"exit_code,omitempty"`

	// Data carries module-specific fields (async job ids, file stats).
	Data map[string]any `json:"data,omitempty"`
}

// Vars flattens the result into the map shape expressions see, the shape
// registered results are stored in.
func (r *ModuleResult) Vars() map[string]any {
	m := map[string]any{
		"changed":   r.Changed,
		"failed":    r.Failed,
		"skipped":   r.Skipped,
		"msg":       r.Message,
		"stdout":    r.Stdout,
		"stderr":    r.Stderr,
		"exit_code": r.ExitCode,
	}
	for k, v := range r.Data {
		m[k] = v
	}
	return m
}

// TaskResult records a task's terminal outcome on one host.
type TaskResult struct {
	// Host is the host the result is recorded against. For delegated tasks
	// this is the delegating host, not the delegate.
	Host string `json:"host"`

	// TaskID is the task identity.
	TaskID string `json:"task_id"`

	// TaskName is the display name.
	TaskName string `json:"task_name"`

	// State is the terminal lifecycle state.
	State TaskState `json:"state"`

	// Changed reports whether any invocation reported a change.
	Changed bool `json:"changed"`

	// Ignored marks a failure recorded under ignore_errors.
	Ignored bool `json:"ignored,omitempty"`

	// Attempts is the number of invocations performed.
	Attempts int `json:"attempts"`

	// Duration is wall time from first attempt to terminal state.
	Duration time.Duration `json:"duration"`

	// Result is the final module result, nil when skipped.
	Result *ModuleResult `json:"result,omitempty"`

	// Err is the terminal error for failed tasks.
	Err error `json:"-"`
}

// HostRecap summarizes one host's outcomes for the final recap.
type HostRecap struct {
	// OK counts completed, unchanged tasks.
	OK int `json:"ok"`

	// Changed counts completed tasks that reported a change.
	Changed int `json:"changed"`

	// Failed counts terminal failures.
	Failed int `json:"failed"`

	// Skipped counts skipped tasks.
	Skipped int `json:"skipped"`

	// Rescued counts block bodies recovered by a rescue section.
	Rescued int `json:"rescued"`

	// Ignored counts failures recorded under ignore_errors.
	Ignored int `json:"ignored"`
}

// RunReport is the aggregate outcome of a playbook run.
type RunReport struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Recap maps host name to its summary.
	Recap map[string]*HostRecap `json:"recap"`

	// FailedHosts lists hosts with at least one terminal failure.
	FailedHosts []string `json:"failed_hosts,omitempty"`

	// Cancelled reports whether the run was interrupted.
	Cancelled bool `json:"cancelled,omitempty"`

	// Duration is total wall time.
	Duration time.Duration `json:"duration"`
}

// Failed reports whether any host failed.
func (r *RunReport) Failed() bool {
	return len(r.FailedHosts) > 0
}
