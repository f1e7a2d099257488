package websocket

import (
	"context"
	"sync"

	"tether/internal/operr"
)

// DeferredState is the settlement state of a Deferred.
type DeferredState uint8

const (
	DeferredPending DeferredState = iota
	DeferredFulfilled
	DeferredRejected
)

func (s DeferredState) String() string {
	switch s {
	case DeferredFulfilled:
		return "fulfilled"
	case DeferredRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Deferred is a completion slot settled at most once. Later settlements are
// silent no-ops.
type Deferred[T any] struct {
	mu        sync.Mutex
	state     DeferredState
	value     T
	err       error
	done      chan struct{}
	callbacks []func(T, error)
}

// NewDeferred creates a pending slot.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve fulfills the slot. It reports whether this call settled it.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(DeferredFulfilled, v, nil)
}

// Reject fails the slot. It reports whether this call settled it.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.settle(DeferredRejected, zero, err)
}

func (d *Deferred[T]) settle(state DeferredState, v T, err error) bool {
	d.mu.Lock()
	if d.state != DeferredPending {
		d.mu.Unlock()
		return false
	}
	d.state, d.value, d.err = state, v, err
	callbacks := d.callbacks
	d.callbacks = nil
	close(d.done)
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// State returns the current state.
func (d *Deferred[T]) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed once the slot settles.
func (d *Deferred[T]) Done() <-chan struct{} { return d.done }

// Result returns the settled outcome; ok is false while pending.
func (d *Deferred[T]) Result() (v T, err error, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err, d.state != DeferredPending
}

// Wait blocks until the slot settles or ctx ends.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		v, err, _ := d.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, operr.Interrupted("wait", ctx)
	}
}

// OnSettle runs fn once the slot settles, immediately if it already has.
func (d *Deferred[T]) OnSettle(fn func(T, error)) {
	d.mu.Lock()
	if d.state != DeferredPending {
		v, err := d.value, d.err
		d.mu.Unlock()
		fn(v, err)
		return
	}
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}
