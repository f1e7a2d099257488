package hostapi

import (
	"strconv"
	"sync"

	"github.com/dop251/goja"

	"tether/internal/ops"
	"tether/internal/resource"
)

// pendingMap remembers the op behind each promise handed out by
// Tether.core.ops so refOp and unrefOp can reach it.
type pendingMap struct {
	mu sync.Mutex
	m  map[*goja.Promise]*ops.Pending
}

func (pm *pendingMap) put(promise *goja.Promise, p *ops.Pending) {
	pm.mu.Lock()
	pm.m[promise] = p
	pm.mu.Unlock()
	p.OnSettle(func(any, error) {
		pm.mu.Lock()
		delete(pm.m, promise)
		pm.mu.Unlock()
	})
}

func (pm *pendingMap) get(v goja.Value) *ops.Pending {
	if absent(v) {
		return nil
	}
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.m[promise]
}

// registerCore exposes the raw op boundary as Tether.core.
func registerCore(b *bridge, tether *goja.Object) {
	core := b.vm.NewObject()
	opsObj := b.vm.NewObject()
	pending := &pendingMap{m: make(map[*goja.Promise]*ops.Pending)}

	reg := b.d.Registry()
	for _, name := range reg.Names() {
		op, _ := reg.Lookup(name)
		if op.Kind == ops.Immediate {
			b.method(opsObj, name, func(call goja.FunctionCall) goja.Value {
				v, err := b.d.Sync(name, b.args(call.Arguments)...)
				if err != nil {
					b.throw(err)
				}
				return b.toJS(v)
			})
			continue
		}
		b.method(opsObj, name, func(call goja.FunctionCall) goja.Value {
			p := b.d.Async(b.ctx, name, b.args(call.Arguments)...)
			promise := b.settle(p, nil)
			pending.put(promise, p)
			return b.vm.ToValue(promise)
		})
	}
	_ = core.Set("ops", opsObj)

	b.method(core, "refOp", func(call goja.FunctionCall) goja.Value {
		if p := pending.get(call.Argument(0)); p != nil {
			p.Ref()
		}
		return goja.Undefined()
	})
	b.method(core, "unrefOp", func(call goja.FunctionCall) goja.Value {
		if p := pending.get(call.Argument(0)); p != nil {
			p.Unref()
		}
		return goja.Undefined()
	})

	// close throws BadResource for an unknown id; tryClose does not.
	b.method(core, "close", func(call goja.FunctionCall) goja.Value {
		if _, err := b.d.Sync("op_close", b.toGo(call.Argument(0))); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	b.method(core, "tryClose", func(call goja.FunctionCall) goja.Value {
		if _, err := b.d.Sync("op_try_close", b.toGo(call.Argument(0))); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})

	b.method(core, "resources", func(goja.FunctionCall) goja.Value {
		out := make(map[string]any)
		b.d.Table().Each(func(id resource.ID, r resource.Resource) bool {
			out[strconv.FormatUint(uint64(id), 10)] = r.Name()
			return true
		})
		return b.toJS(out)
	})
	b.method(core, "pendingOps", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.d.Inflight())
	})

	_ = tether.Set("core", core)
}
