// Package modules implements the built-in task modules and the name-keyed
// registry the dispatcher resolves them from.
package modules

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// Request carries one invocation's inputs into a module.
type Request struct {
	// Args are the task's arguments, already interpolated.
	Args map[string]any

	// Session is the connection to execute over.
	Session engine.Session

	// Options carries check mode and privilege escalation flags.
	Options engine.InvokeOptions
}

// Module is one registered task module.
type Module interface {
	// Name is the registry key.
	Name() string

	// Run performs the module's work and reports the outcome.
	Run(ctx context.Context, req Request) (*engine.ModuleResult, error)
}

// Registry resolves modules by name. Registration happens at construction;
// lookups are lock-free reads after that.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates a registry with every built-in module registered.
func NewRegistry() *Registry {
	r := &Registry{modules: make(map[string]Module)}
	r.Register(&commandModule{shell: false})
	r.Register(&commandModule{shell: true})
	r.Register(&copyModule{})
	r.Register(&templateModule{})
	r.Register(&fileModule{})
	r.Register(&serviceModule{})
	r.Register(&packageModule{})
	r.Register(&userModule{})
	r.Register(&debugModule{})
	r.Register(&asyncStatusModule{})
	return r
}

// Register adds a module, replacing any existing module with the same name.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// Has reports whether a module is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// Invoke resolves and runs a module.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, sess engine.Session, opts engine.InvokeOptions) (*engine.ModuleResult, error) {
	r.mu.RLock()
	m, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewConfigError(fmt.Sprintf("unknown module %q", name), nil)
	}
	return m.Run(ctx, Request{Args: args, Session: sess, Options: opts})
}

// Names returns the registered module names, for validation output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}
