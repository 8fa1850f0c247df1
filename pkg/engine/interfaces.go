package engine

import "context"

// Evaluator evaluates expressions against a variable scope. Implementations
// must return an eval-classified error for undefined references rather than
// silently yielding a zero value.
type Evaluator interface {
	// Evaluate compiles and runs an expression, returning its value.
	Evaluate(expr string, vars map[string]any) (any, error)

	// EvaluateBool runs an expression and coerces the result to a truth
	// value. Empty expressions are true.
	EvaluateBool(expr string, vars map[string]any) (bool, error)

	// EvaluateList runs an expression expected to yield a list, for loops.
	EvaluateList(expr string, vars map[string]any) ([]any, error)

	// Interpolate resolves {{ ... }} placeholders inside a string.
	Interpolate(s string, vars map[string]any) (string, error)
}

// Session is an established connection to one host. Sessions are owned by a
// single worker at a time and are not safe for concurrent use.
type Session interface {
	// Run executes a command and returns its captured output. It returns an
	// error only for transport failures; non-zero exits are reported in the
	// result.
	Run(ctx context.Context, command string) (*CommandResult, error)

	// Upload writes content to a remote path, creating parent directories.
	Upload(ctx context.Context, content []byte, path string, mode uint32) error

	// Host returns the host this session is connected to.
	Host() *Host

	// Close releases the connection.
	Close() error
}

// Connector establishes sessions. The pool calls Connect once per host per
// batch and reuses the session for the host's whole task sequence.
type Connector interface {
	Connect(ctx context.Context, host *Host) (Session, error)
}

// InvokeOptions carries per-invocation flags into a module.
type InvokeOptions struct {
	// CheckMode asks the module to report what it would do without acting.
	CheckMode bool

	// Sudo wraps the module's commands in privilege escalation.
	Sudo bool

	// SudoUser is the escalation target. Empty means root.
	SudoUser string
}

// ModuleRegistry resolves and invokes modules by name. Resolution happens
// once per task; an unknown name is a config-classified error.
type ModuleRegistry interface {
	// Has reports whether a module is registered under name.
	Has(name string) bool

	// Invoke runs the named module with interpolated args over the session.
	Invoke(ctx context.Context, name string, args map[string]any, sess Session, opts InvokeOptions) (*ModuleResult, error)
}

// CheckpointRecord is one durable append: a task reaching a terminal state
// on a host, plus the state needed to resume past it.
type CheckpointRecord struct {
	// Host is the host the task completed on.
	Host string `json:"host"`

	// TaskID is the task identity.
	TaskID string `json:"task_id"`

	// State is the terminal state.
	State TaskState `json:"state"`

	// Registered carries the variable written by register, if any.
	Registered map[string]any `json:"registered,omitempty"`

	// Notified lists handler names this task notified.
	Notified []string `json:"notified,omitempty"`

	// Breakers is the host's circuit breaker positions at record time,
	// keyed by task identity.
	Breakers map[string]BreakerSnapshot `json:"breakers,omitempty"`
}

// Checkpointer persists run progress so an interrupted run can resume.
// Record and Flush are called from multiple workers; implementations
// serialize writes.
type Checkpointer interface {
	// Completed reports whether the task already reached a terminal state on
	// the host in a previous run.
	Completed(host, taskID string) bool

	// Restore returns the host's registered variables, pending handler
	// notifications and circuit breaker positions from a previous run.
	Restore(host string) (registered map[string]any, notified []string, breakers map[string]BreakerSnapshot)

	// Record durably appends one terminal task or handler state.
	Record(ctx context.Context, rec CheckpointRecord) error

	// Flush persists any buffered summary state after a batch of records.
	Flush(ctx context.Context) error

	// Discard removes the checkpoint after a fully successful run.
	Discard(ctx context.Context) error
}

// EventSink receives lifecycle events. Implementations must not block; the
// publisher drops events a slow sink cannot keep up with.
type EventSink interface {
	Publish(event Event)
}

// SecretResolver decrypts vault-protected values on first use.
type SecretResolver interface {
	// IsSecret reports whether the string is a vault payload.
	IsSecret(s string) bool

	// Resolve decrypts a vault payload to its plaintext.
	Resolve(s string) (string, error)
}
