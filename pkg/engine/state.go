package engine

import "maps"

// HostState is the per-host execution context a worker threads through the
// task sequence. It is owned by one worker at a time and never shared.
type HostState struct {
	// Host is the target.
	Host *Host

	// Vars is the host's effective variable scope: inventory vars overlaid
	// with play vars, role vars and registered results.
	Vars map[string]any

	// Failed marks the host as terminally failed for the current batch.
	Failed bool

	// FailedErr is the error that failed the host.
	FailedErr error

	// Recap accumulates the host's outcome counts.
	Recap HostRecap

	// Breakers holds the host's circuit breakers by task identity.
	Breakers *BreakerSet

	// session is the live connection, established lazily on first use.
	session Session
}

// NewHostState builds the initial state for a host entering a play, layering
// variable sources lowest to highest: role defaults, role vars, role-ref
// overrides, play vars, host vars.
func NewHostState(host *Host, layers ...map[string]any) *HostState {
	vars := make(map[string]any)
	for _, layer := range layers {
		maps.Copy(vars, layer)
	}
	maps.Copy(vars, host.Vars)
	vars["inventory_hostname"] = host.Name

	return &HostState{
		Host:     host,
		Vars:     vars,
		Breakers: NewBreakerSet(),
	}
}

// Register stores a task result under name for later expressions.
func (s *HostState) Register(name string, value map[string]any) {
	s.Vars[name] = value
}

// ScopeWith returns the host scope overlaid with extra variables, leaving
// the host scope untouched. Used for task vars and loop variables.
func (s *HostState) ScopeWith(extra ...map[string]any) map[string]any {
	scope := make(map[string]any, len(s.Vars))
	maps.Copy(scope, s.Vars)
	for _, layer := range extra {
		maps.Copy(scope, layer)
	}
	return scope
}

// Fail marks the host failed with the given terminal error. The first
// failure sticks.
func (s *HostState) Fail(err error) {
	if s.Failed {
		return
	}
	s.Failed = true
	s.FailedErr = err
}

// Count updates the recap for one task result.
func (s *HostState) Count(res *TaskResult) {
	switch res.State {
	case TaskStateCompleted:
		if res.Changed {
			s.Recap.Changed++
		} else {
			s.Recap.OK++
		}
	case TaskStateFailed:
		if res.Ignored {
			s.Recap.Ignored++
		} else {
			s.Recap.Failed++
		}
	case TaskStateSkipped:
		s.Recap.Skipped++
	}
}
