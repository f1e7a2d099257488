package hostapi

import (
	"context"
	"sync"

	"github.com/dop251/goja"

	"tether/internal/jsvm/eventloop"
	"tether/internal/ops"
)

// keepAlive holds the loop for a binding whose callbacks arrive from Go
// goroutines. It follows ref/unref until stopped.
type keepAlive struct {
	loop    *eventloop.Loop
	mu      sync.Mutex
	release func()
	stopped bool
}

func newKeepAlive(loop *eventloop.Loop) *keepAlive {
	k := &keepAlive{loop: loop}
	k.ref()
	return k
}

func (k *keepAlive) ref() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.stopped && k.release == nil {
		k.release = k.loop.Hold()
	}
}

func (k *keepAlive) unref() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.release != nil {
		k.release()
		k.release = nil
	}
}

func (k *keepAlive) stop() {
	k.mu.Lock()
	k.stopped = true
	k.mu.Unlock()
	k.unref()
}

// timer state is only touched on the loop goroutine.
type timer struct {
	fn       goja.Value
	args     []goja.Value
	delay    int64
	interval bool
	ref      bool
	cancel   context.CancelFunc
	p        *ops.Pending
}

type timers struct {
	b    *bridge
	next int64
	m    map[int64]*timer
}

func (ts *timers) arm(id int64, t *timer) {
	ctx, cancel := context.WithCancel(ts.b.ctx)
	t.cancel = cancel
	t.p = ts.b.d.Async(ctx, "op_sleep", t.delay)
	if !t.ref {
		t.p.Unref()
	}
	t.p.OnSettle(func(_ any, err error) {
		if err != nil {
			return
		}
		ts.b.loop.Enqueue(func() { ts.fire(id, t) })
	})
}

func (ts *timers) fire(id int64, t *timer) {
	if ts.m[id] != t {
		return
	}
	t.cancel()
	if !t.interval {
		delete(ts.m, id)
	}
	ts.b.invoke(t.fn, nil, t.args...)
	if t.interval && ts.m[id] == t {
		ts.arm(id, t)
	}
}

func (ts *timers) set(call goja.FunctionCall, interval bool) goja.Value {
	fn := call.Argument(0)
	if _, ok := goja.AssertFunction(fn); !ok {
		ts.b.typeError("callback must be a function")
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	ts.next++
	id := ts.next
	t := &timer{fn: fn, args: args, delay: delay, interval: interval, ref: true}
	ts.m[id] = t
	ts.arm(id, t)
	return ts.b.vm.ToValue(id)
}

func (ts *timers) clear(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := ts.m[id]; ok {
		delete(ts.m, id)
		t.cancel()
	}
	return goja.Undefined()
}

func (ts *timers) setRef(call goja.FunctionCall, ref bool) goja.Value {
	if t, ok := ts.m[call.Argument(0).ToInteger()]; ok {
		t.ref = ref
		if ref {
			t.p.Ref()
		} else {
			t.p.Unref()
		}
	}
	return goja.Undefined()
}

// registerTimers registers the timer globals, Tether.refTimer/unrefTimer,
// crypto.randomUUID and Tether.version.
func registerTimers(b *bridge, tether *goja.Object) {
	ts := &timers{b: b, m: make(map[int64]*timer)}

	_ = b.vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return ts.set(call, false) })
	_ = b.vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return ts.set(call, true) })
	_ = b.vm.Set("clearTimeout", ts.clear)
	_ = b.vm.Set("clearInterval", ts.clear)
	b.method(tether, "refTimer", func(call goja.FunctionCall) goja.Value { return ts.setRef(call, true) })
	b.method(tether, "unrefTimer", func(call goja.FunctionCall) goja.Value { return ts.setRef(call, false) })

	crypto := b.vm.NewObject()
	b.method(crypto, "randomUUID", func(goja.FunctionCall) goja.Value {
		id, err := ops.Result[string](b.d.Sync("op_random_uuid"))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(id)
	})
	_ = b.vm.Set("crypto", crypto)

	if v, err := b.d.Sync("op_runtime_version"); err == nil {
		_ = tether.Set("version", b.toJS(v))
	}
}
