package ops

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tether/internal/operr"
	"tether/internal/resource"
)

// Hook observes dispatches. Implementations must be safe for concurrent use.
type Hook interface {
	OnDispatch(op string, kind Kind)
	OnComplete(op string, kind Kind, elapsed time.Duration, err error)
}

// Dispatcher issues ops against a registry on behalf of one script
// execution and tracks which suspendable ops keep it alive.
type Dispatcher struct {
	registry *Registry
	table    *resource.Table
	logger   zerolog.Logger

	base   context.Context
	cancel context.CancelCauseFunc

	hooksMu sync.RWMutex
	hooks   []Hook

	live   *liveness
	nextID atomic.Uint64

	mu       sync.Mutex
	inflight map[uint64]*Pending
}

// NewDispatcher creates a dispatcher bound to a registry and a resource table.
func NewDispatcher(registry *Registry, table *resource.Table, logger zerolog.Logger) *Dispatcher {
	base, cancel := context.WithCancelCause(context.Background())
	return &Dispatcher{
		registry: registry,
		table:    table,
		logger:   logger.With().Str("component", "ops").Logger(),
		base:     base,
		cancel:   cancel,
		live:     newLiveness(),
		inflight: make(map[uint64]*Pending),
	}
}

// Registry returns the op registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Table returns the resource table ops operate on.
func (d *Dispatcher) Table() *resource.Table { return d.table }

// AddHook installs an observer for subsequent dispatches.
func (d *Dispatcher) AddHook(h Hook) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.hooks = append(d.hooks, h)
}

func (d *Dispatcher) dispatched(name string, kind Kind) {
	d.hooksMu.RLock()
	defer d.hooksMu.RUnlock()
	for _, h := range d.hooks {
		h.OnDispatch(name, kind)
	}
}

func (d *Dispatcher) completed(name string, kind Kind, elapsed time.Duration, err error) {
	d.hooksMu.RLock()
	defer d.hooksMu.RUnlock()
	for _, h := range d.hooks {
		h.OnComplete(name, kind, elapsed, err)
	}
}

// Sync runs an immediate op on the calling goroutine.
func (d *Dispatcher) Sync(name string, args ...any) (any, error) {
	op, ok := d.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("ops: unknown op %q", name)
	}
	if op.Kind != Immediate {
		return nil, fmt.Errorf("ops: %s is suspendable and cannot be called synchronously", name)
	}
	if err := d.base.Err(); err != nil {
		return nil, operr.ErrClosed
	}

	d.dispatched(name, Immediate)
	start := time.Now()
	v, err := op.Fn(d.base, Args(args))
	d.completed(name, Immediate, time.Since(start), err)
	return v, err
}

// Async issues a suspendable op on its own goroutine. The returned Pending is
// referenced. When ctx ends first, the Pending settles with an
// InterruptedError carrying context.Cause(ctx); the op body sees the same ctx.
func (d *Dispatcher) Async(ctx context.Context, name string, args ...any) *Pending {
	op, ok := d.registry.Lookup(name)
	if !ok {
		return Settled(name, nil, fmt.Errorf("ops: unknown op %q", name))
	}
	if op.Kind != Suspendable {
		return Settled(name, nil, fmt.Errorf("ops: %s is immediate and cannot be awaited", name))
	}
	if err := d.base.Err(); err != nil {
		return Settled(name, nil, operr.ErrClosed)
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(d.base, func() {
		cancel(context.Cause(d.base))
	})

	p := newPending(d.nextID.Add(1), name, d.live)
	d.live.add(1)
	d.mu.Lock()
	d.inflight[p.id] = p
	d.mu.Unlock()
	p.OnSettle(func(any, error) {
		d.mu.Lock()
		delete(d.inflight, p.id)
		d.mu.Unlock()
	})

	d.dispatched(name, Suspendable)
	start := time.Now()

	go func() {
		defer stop()
		defer cancel(nil)
		v, err := op.Fn(opCtx, Args(args))
		if err != nil && opCtx.Err() != nil {
			err = operr.Interrupted(name, opCtx)
		}
		if p.settle(v, err) {
			d.completed(name, Suspendable, time.Since(start), err)
			if err != nil {
				d.logger.Debug().Err(err).Str("op", name).Uint64("promise", p.id).Msg("op failed")
			}
			return
		}
		if op.Creates && err == nil {
			d.discardResult(name, v)
		}
	}()

	go func() {
		select {
		case <-opCtx.Done():
			err := operr.Interrupted(name, opCtx)
			if p.settle(nil, err) {
				d.completed(name, Suspendable, time.Since(start), err)
			}
		case <-p.done:
		}
	}()
	return p
}

// discardResult closes the resource created by an op whose caller already
// saw it interrupted. Nobody else holds the id.
func (d *Dispatcher) discardResult(name string, v any) {
	if v == nil {
		return
	}
	rid, err := ResultID(v)
	if err != nil {
		d.logger.Warn().Err(err).Str("op", name).Msg("cannot release late creation result")
		return
	}
	if err := d.table.TryClose(rid); err != nil {
		d.logger.Debug().Err(err).Str("op", name).Uint32("rid", uint32(rid)).Msg("late resource close failed")
		return
	}
	d.logger.Debug().Str("op", name).Uint32("rid", uint32(rid)).Msg("closed resource created after interrupt")
}

// Call dispatches name with the shape its declaration asks for and waits for
// the result.
func (d *Dispatcher) Call(ctx context.Context, name string, args ...any) (any, error) {
	op, ok := d.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("ops: unknown op %q", name)
	}
	if op.Kind == Immediate {
		return d.Sync(name, args...)
	}
	return d.Async(ctx, name, args...).Await(ctx)
}

// Lookup returns an in-flight op by promise id.
func (d *Dispatcher) Lookup(id uint64) (*Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.inflight[id]
	return p, ok
}

// Inflight returns the number of unsettled suspendable ops.
func (d *Dispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Referenced returns the number of unsettled ops that keep the owner alive.
func (d *Dispatcher) Referenced() int { return d.live.count() }

// IdleCh returns a channel that is closed while no referenced op is pending.
// The channel is replaced when the count rises again, so callers must fetch
// a fresh one after each wake-up.
func (d *Dispatcher) IdleCh() <-chan struct{} { return d.live.ch() }

// WaitIdle blocks until no referenced op is outstanding. Unreferenced ops
// may still be in flight when it returns.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	for {
		select {
		case <-d.live.ch():
			if d.live.count() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close interrupts every in-flight op and refuses new dispatches.
func (d *Dispatcher) Close() {
	d.cancel(operr.ErrClosed)
}

// Result converts an untyped op result into T.
func Result[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("ops: unexpected result type %T, want %T", v, zero)
	}
	return t, nil
}

// Call dispatches an op and converts its result into T.
func Call[T any](ctx context.Context, d *Dispatcher, name string, args ...any) (T, error) {
	return Result[T](d.Call(ctx, name, args...))
}

// Await waits for p and converts its result into T.
func Await[T any](ctx context.Context, p *Pending) (T, error) {
	return Result[T](p.Await(ctx))
}
