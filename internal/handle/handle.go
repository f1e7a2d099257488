// Package handle provides the script-facing wrappers that own exactly one
// resource id and translate method calls into ops against it.
package handle

import (
	"context"
	"sync"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// State is the lifecycle position of a Handle. Transitions only move forward.
type State uint8

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	default:
		return "closed"
	}
}

// Handle owns one resource id and the suspendable ops issued against it.
type Handle struct {
	d    *ops.Dispatcher
	kind string

	mu      sync.Mutex
	state   State
	rid     resource.ID
	ref     bool
	pending map[*ops.Pending]struct{}
}

// New creates an unbound handle of the given kind.
func New(d *ops.Dispatcher, kind string) *Handle {
	return &Handle{
		d:       d,
		kind:    kind,
		ref:     true,
		pending: make(map[*ops.Pending]struct{}),
	}
}

// Bind creates a handle that already owns rid.
func Bind(d *ops.Dispatcher, kind string, rid resource.ID) *Handle {
	h := New(d, kind)
	h.state = Bound
	h.rid = rid
	return h
}

// Bind assigns the id returned by a creation op. A handle binds at most once.
func (h *Handle) Bind(rid resource.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Unbound {
		return &operr.InvalidStateError{Op: "bind " + h.kind, State: h.state.String()}
	}
	h.rid = rid
	h.state = Bound
	return nil
}

// Kind returns the resource kind this handle wraps.
func (h *Handle) Kind() string { return h.kind }

// Dispatcher returns the dispatcher ops are issued on.
func (h *Handle) Dispatcher() *ops.Dispatcher { return h.d }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RID returns the bound id, or BadResource if the handle is not bound.
func (h *Handle) RID() (resource.ID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Bound {
		return h.rid, &operr.BadResourceError{ID: uint32(h.rid), Op: h.kind}
	}
	return h.rid, nil
}

// Sync issues an immediate op with the bound id as first argument.
func (h *Handle) Sync(name string, args ...any) (any, error) {
	rid, err := h.RID()
	if err != nil {
		return nil, err
	}
	return h.d.Sync(name, append([]any{rid}, args...)...)
}

// Async issues a suspendable op with the bound id as first argument. The op
// inherits the handle's current ref flag and follows later toggles.
func (h *Handle) Async(ctx context.Context, name string, args ...any) *ops.Pending {
	h.mu.Lock()
	if h.state != Bound {
		h.mu.Unlock()
		return ops.Settled(name, nil, &operr.BadResourceError{ID: uint32(h.rid), Op: name})
	}
	p := h.d.Async(ctx, name, append([]any{h.rid}, args...)...)
	if !h.ref {
		p.Unref()
	}
	h.pending[p] = struct{}{}
	h.mu.Unlock()

	p.OnSettle(func(any, error) {
		h.mu.Lock()
		delete(h.pending, p)
		h.mu.Unlock()
	})
	return p
}

// Ref makes current and future ops keep the owner alive.
func (h *Handle) Ref() { h.setRef(true) }

// Unref lets the owner go idle while ops on this handle are pending.
func (h *Handle) Unref() { h.setRef(false) }

func (h *Handle) setRef(ref bool) {
	h.mu.Lock()
	h.ref = ref
	inflight := make([]*ops.Pending, 0, len(h.pending))
	for p := range h.pending {
		inflight = append(inflight, p)
	}
	h.mu.Unlock()

	for _, p := range inflight {
		if ref {
			p.Ref()
		} else {
			p.Unref()
		}
	}
}

// Referenced reports the handle's ref flag.
func (h *Handle) Referenced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ref
}

// Pending returns the number of unsettled ops issued through this handle.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// markClosed moves the handle to Closed and reports the id it held.
func (h *Handle) markClosed() (resource.ID, State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = Closed
	return h.rid, prev
}

// Close releases the id. A second Close fails with BadResource.
func (h *Handle) Close() error {
	rid, prev := h.markClosed()
	switch prev {
	case Closed:
		return &operr.BadResourceError{ID: uint32(rid), Op: "close"}
	case Unbound:
		return nil
	}
	_, err := h.d.Sync("op_close", rid)
	return err
}

// CloseOnce releases the id if still held. Repeated calls are no-ops and an
// id already released natively is not an error.
func (h *Handle) CloseOnce() error {
	rid, prev := h.markClosed()
	if prev != Bound {
		return nil
	}
	_, err := h.d.Sync("op_try_close", rid)
	return err
}

// create runs a creation op and binds its result. On failure the handle stays
// unbound and nothing is leaked.
func create(ctx context.Context, d *ops.Dispatcher, kind, name string, args ...any) (*Handle, any, error) {
	v, err := d.Call(ctx, name, args...)
	if err != nil {
		return nil, nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, nil, err
	}
	return Bind(d, kind, rid), v, nil
}

// RIDOf extracts the id from a creation op result: either a bare id or a
// record carrying "rid".
func RIDOf(v any) (resource.ID, error) {
	return ops.ResultID(v)
}
