package ops

import (
	"context"
	"sync"

	"tether/internal/operr"
)

// Pending is an in-flight suspendable op. It settles exactly once.
type Pending struct {
	id   uint64
	op   string
	live *liveness

	done chan struct{}

	mu        sync.Mutex
	value     any
	err       error
	settled   bool
	ref       bool
	released  bool
	callbacks []func(any, error)
}

func newPending(id uint64, op string, live *liveness) *Pending {
	return &Pending{
		id:   id,
		op:   op,
		live: live,
		done: make(chan struct{}),
		ref:  true,
	}
}

// ID returns the dispatcher-assigned promise id.
func (p *Pending) ID() uint64 { return p.id }

// Op returns the name of the dispatched op.
func (p *Pending) Op() string { return p.op }

// Done is closed once the op has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the settled value. It is only meaningful after Done.
func (p *Pending) Result() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Await blocks until the op settles or ctx ends. A ctx ending here does not
// cancel the op itself; only the dispatch context does that.
func (p *Pending) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, operr.Interrupted(p.op, ctx)
	}
}

// Ref marks the op as keeping its owner alive.
func (p *Pending) Ref() { p.setRef(true) }

// Unref lets the owner go idle while the op is still outstanding.
func (p *Pending) Unref() { p.setRef(false) }

// Referenced reports the current ref flag.
func (p *Pending) Referenced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

func (p *Pending) setRef(ref bool) {
	p.mu.Lock()
	if p.ref == ref {
		p.mu.Unlock()
		return
	}
	p.ref = ref
	counted := !p.released
	p.mu.Unlock()

	if !counted {
		return
	}
	if ref {
		p.live.add(1)
	} else {
		p.live.add(-1)
	}
}

// OnSettle registers fn to run once the op settles. Callbacks run on the
// settling goroutine before the op stops counting towards liveness. If the
// op already settled, fn runs immediately.
func (p *Pending) OnSettle(fn func(any, error)) {
	p.mu.Lock()
	if p.settled {
		v, err := p.value, p.err
		p.mu.Unlock()
		fn(v, err)
		return
	}
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// settle records the outcome. Only the first call wins.
func (p *Pending) settle(v any, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.value, p.err = v, err
	p.settled = true
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}

	p.mu.Lock()
	wasRef := p.ref && !p.released
	p.released = true
	p.mu.Unlock()
	if wasRef {
		p.live.add(-1)
	}
	return true
}

// Settled returns a Pending that has already completed with v and err.
// It never counts towards liveness.
func Settled(op string, v any, err error) *Pending {
	p := newPending(0, op, newLiveness())
	p.released = true
	p.settle(v, err)
	return p
}
