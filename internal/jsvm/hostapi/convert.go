package hostapi

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"tether/internal/jsvm/eventloop"
	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
	"tether/internal/stream"
)

// bridge carries what every binding needs to cross between the VM and the
// dispatcher. Its methods must be called on the loop goroutine unless noted.
type bridge struct {
	vm     *goja.Runtime
	loop   *eventloop.Loop
	d      *ops.Dispatcher
	ctx    context.Context
	logger zerolog.Logger
	hctx   *Context

	u8 goja.Constructor

	// byte streams handed to scripts, so they can be passed back as bodies
	readables map[*goja.Object]*stream.Readable[[]byte]
}

func newBridge(vm *goja.Runtime, hctx *Context) (*bridge, error) {
	ctor, ok := goja.AssertConstructor(vm.Get("Uint8Array"))
	if !ok {
		return nil, fmt.Errorf("hostapi: Uint8Array constructor unavailable")
	}
	return &bridge{
		vm:     vm,
		loop:   hctx.Loop,
		d:      hctx.Loop.Dispatcher(),
		ctx:    hctx.Ctx,
		logger: hctx.Logger,
		hctx:   hctx,
		u8:     ctor,

		readables: make(map[*goja.Object]*stream.Readable[[]byte]),
	}, nil
}

// errorValue turns a Go error into a JS error whose name is the error's
// classification.
func (b *bridge) errorValue(err error) goja.Value {
	if err == nil {
		return goja.Undefined()
	}
	if ex, ok := err.(*goja.Exception); ok {
		return ex.Value()
	}
	class := operr.Class(err)
	var obj *goja.Object
	if class == "TypeError" {
		obj = b.vm.NewTypeError(err.Error())
	} else {
		obj = b.vm.NewGoError(err)
		_ = obj.Set("name", class)
	}
	return obj
}

func (b *bridge) throw(err error) {
	panic(b.errorValue(err))
}

func (b *bridge) typeError(format string, args ...any) {
	panic(b.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

// u8array copies p into a fresh Uint8Array.
func (b *bridge) u8array(p []byte) goja.Value {
	buf := make([]byte, len(p))
	copy(buf, p)
	obj, err := b.u8(nil, b.vm.ToValue(b.vm.NewArrayBuffer(buf)))
	if err != nil {
		b.throw(err)
	}
	return obj
}

func absent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// viewBytes returns the memory behind an ArrayBuffer or a view over one.
// The slice aliases the VM's buffer.
func viewBytes(v goja.Value) ([]byte, bool) {
	if absent(v) {
		return nil, false
	}
	if ab, ok := v.Export().(goja.ArrayBuffer); ok {
		return ab.Bytes(), true
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	bufv := obj.Get("buffer")
	if absent(bufv) {
		return nil, false
	}
	ab, ok := bufv.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	off, n := intProp(obj, "byteOffset"), intProp(obj, "byteLength")
	all := ab.Bytes()
	if off < 0 || n < 0 || off+n > int64(len(all)) {
		return nil, false
	}
	return all[off : off+n], true
}

func intProp(obj *goja.Object, name string) int64 {
	v := obj.Get(name)
	if absent(v) {
		return -1
	}
	return v.ToInteger()
}

// bytes accepts a buffer source or a string (UTF-8 encoded).
func (b *bridge) bytes(v goja.Value, what string) []byte {
	if p, ok := viewBytes(v); ok {
		return p
	}
	if !absent(v) {
		if s, ok := v.Export().(string); ok {
			return []byte(s)
		}
	}
	b.typeError("%s must be a string or buffer", what)
	return nil
}

// toGo converts a JS value into op argument data. Buffers become []byte,
// arrays []any and plain objects map[string]any.
func (b *bridge) toGo(v goja.Value) any {
	if absent(v) {
		return nil
	}
	if p, ok := viewBytes(v); ok {
		return p
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return nil
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := range n {
			out[i] = b.toGo(obj.Get(strconv.Itoa(i)))
		}
		return out
	case "Object":
		out := make(map[string]any)
		for _, k := range obj.Keys() {
			out[k] = b.toGo(obj.Get(k))
		}
		return out
	default:
		return obj.Export()
	}
}

func (b *bridge) args(vals []goja.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = b.toGo(v)
	}
	return out
}

// toJS converts op result data into JS values.
func (b *bridge) toJS(v any) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return x
	case []byte:
		return b.u8array(x)
	case resource.ID:
		return b.vm.ToValue(uint32(x))
	case map[string]any:
		obj := b.vm.NewObject()
		for k, item := range x {
			_ = obj.Set(k, b.toJS(item))
		}
		return obj
	case []map[string]any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = b.toJS(item)
		}
		return b.vm.NewArray(items...)
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = b.toJS(item)
		}
		return b.vm.NewArray(items...)
	case []string:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = item
		}
		return b.vm.NewArray(items...)
	default:
		return b.vm.ToValue(x)
	}
}

// settle returns a promise that follows p, converting its result with conv.
func (b *bridge) settle(p *ops.Pending, conv func(any) goja.Value) *goja.Promise {
	if conv == nil {
		conv = b.toJS
	}
	return b.follow(p, func(v any, err error) (goja.Value, error) {
		if err != nil {
			return nil, err
		}
		return conv(v), nil
	})
}

// follow returns a promise settled by fn once p settles. Settlement is
// queued on the loop from p's settle callback, which runs before p stops
// counting toward liveness, so the loop cannot go idle in between.
func (b *bridge) follow(p *ops.Pending, fn func(any, error) (goja.Value, error)) *goja.Promise {
	promise, resolve, reject := b.vm.NewPromise()
	p.OnSettle(func(v any, err error) {
		b.loop.Enqueue(func() {
			out, err := fn(v, err)
			if err != nil {
				reject(b.errorValue(err))
				return
			}
			resolve(out)
		})
	})
	return promise
}

// async runs fn off the loop and settles the returned promise with its
// result. The loop is held until the settlement is queued.
func (b *bridge) async(fn func(ctx context.Context) (any, error), conv func(any) goja.Value) *goja.Promise {
	promise, resolve, reject := b.vm.NewPromise()
	if conv == nil {
		conv = b.toJS
	}
	release := b.loop.Hold()
	go func() {
		defer release()
		v, err := fn(b.ctx)
		b.loop.Enqueue(func() {
			if err != nil {
				reject(b.errorValue(err))
				return
			}
			resolve(conv(v))
		})
	}()
	return promise
}

// invoke calls a JS callback. Exceptions propagate to the loop.
func (b *bridge) invoke(fn goja.Value, this goja.Value, args ...goja.Value) {
	call, ok := goja.AssertFunction(fn)
	if !ok {
		return
	}
	if this == nil {
		this = goja.Undefined()
	}
	if _, err := call(this, args...); err != nil {
		panic(err)
	}
}

// method adds a native function to obj.
func (b *bridge) method(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	_ = obj.Set(name, fn)
}

// getter defines a read-only accessor on obj.
func (b *bridge) getter(obj *goja.Object, name string, fn func() any) {
	get := b.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return b.toJS(fn())
	})
	_ = obj.DefineAccessorProperty(name, get, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// option reads a property of an options object, or nil.
func option(v goja.Value, name string) goja.Value {
	obj, ok := v.(*goja.Object)
	if !ok || absent(v) {
		return nil
	}
	return obj.Get(name)
}

// stringList accepts a string or an array of strings.
func stringList(v goja.Value) ([]string, error) {
	if absent(v) {
		return nil, operr.Invalid("paths", "missing")
	}
	if s, ok := v.Export().(string); ok {
		return []string{s}, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return nil, operr.Invalid("paths", "expected string or array")
	}
	n := int(obj.Get("length").ToInteger())
	out := make([]string, 0, n)
	for i := range n {
		out = append(out, obj.Get(strconv.Itoa(i)).String())
	}
	return out, nil
}
