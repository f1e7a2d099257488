// Package ops implements the named call boundary between scripting code and
// the native collaborator. An op is dispatched either immediately (never
// suspends) or as a suspendable call tracked by a Pending.
package ops

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Kind selects the dispatch shape of an op.
type Kind uint8

const (
	// Immediate ops run synchronously on the caller and must not block on I/O.
	Immediate Kind = iota
	// Suspendable ops run on their own goroutine and suspend the caller.
	Suspendable
)

func (k Kind) String() string {
	if k == Suspendable {
		return "suspendable"
	}
	return "immediate"
}

// Func is the native implementation of an op.
type Func func(ctx context.Context, args Args) (any, error)

// Op declares a named native entry point.
type Op struct {
	Name string
	Kind Kind
	Fn   Func
	// Creates marks a suspendable op whose result names a new resource. If
	// the caller was interrupted before the result arrived, the dispatcher
	// closes that resource.
	Creates bool
}

// Registry holds the op declarations available to a dispatcher.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Op
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Op)}
}

// Register adds an op. Names must be unique.
func (r *Registry) Register(op Op) error {
	if op.Name == "" || op.Fn == nil {
		return fmt.Errorf("ops: invalid op declaration %q", op.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Name]; exists {
		return fmt.Errorf("ops: op %q already registered", op.Name)
	}
	r.ops[op.Name] = op
	return nil
}

// Sync registers an immediate op, panicking on duplicates.
func (r *Registry) Sync(name string, fn Func) {
	if err := r.Register(Op{Name: name, Kind: Immediate, Fn: fn}); err != nil {
		panic(err)
	}
}

// Async registers a suspendable op, panicking on duplicates.
func (r *Registry) Async(name string, fn Func) {
	if err := r.Register(Op{Name: name, Kind: Suspendable, Fn: fn}); err != nil {
		panic(err)
	}
}

// Creates registers a suspendable op that returns a new resource id, either
// bare or as the "rid" field of a record.
func (r *Registry) Creates(name string, fn Func) {
	if err := r.Register(Op{Name: name, Kind: Suspendable, Fn: fn, Creates: true}); err != nil {
		panic(err)
	}
}

// Replace swaps an existing op implementation. Used by tests to install doubles.
func (r *Registry) Replace(op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Name] = op
}

// Lookup returns the op registered under name.
func (r *Registry) Lookup(name string) (Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns the registered op names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
