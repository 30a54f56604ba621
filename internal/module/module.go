// Package module defines the contract every agent capability implements and
// the registry that holds them, populated once at startup and immutable
// thereafter.
package module

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is what a module reports back from ExecuteCommand.
type Result struct {
	Message string
}

// Module is one agent capability: a named unit with a lifecycle and a
// command surface. ExecuteCommand is cooperative and may suspend; callers
// bound it with a per-command timeout via ctx.
type Module interface {
	Name() string
	Setup(config json.RawMessage) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ExecuteCommand(ctx context.Context, command string, parameters json.RawMessage) (Result, error)

	// IdempotentRedispatch reports whether re-invoking ExecuteCommand with
	// the same command/parameters after a crash is safe. The command
	// handler's startup recovery uses this to decide between re-dispatch and marking an
	// interrupted InProgress command Failure("interrupted").
	IdempotentRedispatch() bool
}

// Registry is a name-keyed set of modules, fixed once NewRegistry returns.
type Registry struct {
	order   []string
	modules map[string]Module
}

// NewRegistry builds an immutable registry from mods, in the order given.
// Registration order is preserved for Start (forward) and Stop (reverse).
func NewRegistry(mods ...Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]Module, len(mods))}
	for _, m := range mods {
		name := m.Name()
		if _, exists := r.modules[name]; exists {
			return nil, fmt.Errorf("module: duplicate module name %q", name)
		}
		r.modules[name] = m
		r.order = append(r.order, name)
	}
	return r, nil
}

// Lookup returns the module registered under name, if any.
func (r *Registry) Lookup(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// StartAll calls Start on every module in registration order, stopping and
// returning the first error encountered.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.order {
		if err := r.modules[name].Start(ctx); err != nil {
			return fmt.Errorf("module: start %q: %w", name, err)
		}
	}
	return nil
}

// StopAll calls Stop on every module in reverse registration order,
// collecting (not short-circuiting on) errors so every module gets a chance
// to shut down.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if err := r.modules[name].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("module: stop %q: %w", name, err)
		}
	}
	return firstErr
}

// Names returns every registered module name in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
