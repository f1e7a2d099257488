package hostapi

import (
	"context"
	"sync"

	"github.com/dop251/goja"

	"tether/internal/handle"
	"tether/internal/resource"
	"tether/internal/stream"
)

// ioObject builds the JS shape shared by every byte resource: read, write,
// close, ref/unref and lazily created readable/writable streams.
func (b *bridge) ioObject(h *handle.Handle) *goja.Object {
	rw := handle.IO{Handle: h}
	obj := b.vm.NewObject()

	b.getter(obj, "rid", func() any {
		rid, _ := h.RID()
		return uint32(rid)
	})

	// read resolves to the byte count, or null at end of stream.
	b.method(obj, "read", func(call goja.FunctionCall) goja.Value {
		buf := b.bytes(call.Argument(0), "buffer")
		if len(buf) == 0 {
			promise, resolve, _ := b.vm.NewPromise()
			resolve(0)
			return b.vm.ToValue(promise)
		}
		p := h.Async(b.ctx, "op_read", buf)
		return b.vm.ToValue(b.settle(p, func(v any) goja.Value {
			if n, _ := v.(int); n > 0 {
				return b.vm.ToValue(n)
			}
			return goja.Null()
		}))
	})
	b.method(obj, "readSync", func(call goja.FunctionCall) goja.Value {
		n, err := rw.ReadSync(b.bytes(call.Argument(0), "buffer"))
		if handle.IsEOF(err) {
			return goja.Null()
		}
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(n)
	})
	b.method(obj, "write", func(call goja.FunctionCall) goja.Value {
		p := h.Async(b.ctx, "op_write", b.chunkBytes(call.Argument(0)))
		return b.vm.ToValue(b.settle(p, nil))
	})
	b.method(obj, "writeSync", func(call goja.FunctionCall) goja.Value {
		n, err := rw.WriteSync(b.bytes(call.Argument(0), "buffer"))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(n)
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		if err := h.Close(); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	b.method(obj, "ref", func(goja.FunctionCall) goja.Value {
		h.Ref()
		return goja.Undefined()
	})
	b.method(obj, "unref", func(goja.FunctionCall) goja.Value {
		h.Unref()
		return goja.Undefined()
	})
	b.method(obj, "isTerminal", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(rw.IsTerminal())
	})
	b.method(obj, "setRaw", func(call goja.FunctionCall) goja.Value {
		cbreak := option(call.Argument(1), "cbreak")
		if err := rw.SetRaw(call.Argument(0).ToBoolean(), !absent(cbreak) && cbreak.ToBoolean()); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})

	var (
		once     sync.Once
		readable *goja.Object
		writable *goja.Object
	)
	streams := func() {
		once.Do(func() {
			readable = b.byteReadable(stream.ReadableFrom(rw, 0, func(error) error {
				return h.CloseOnce()
			}))
			writable = writableObject(b, stream.WritableTo(rw, func(context.Context) error {
				return h.CloseOnce()
			}), b.chunkBytes)
		})
	}
	b.getter(obj, "readable", func() any { streams(); return readable })
	b.getter(obj, "writable", func() any { streams(); return writable })
	return obj
}

// ioHandle recovers a handle from a JS resource object or a bare rid. The
// returned handle does not own the id.
func (b *bridge) ioHandle(v goja.Value, kind string) handle.IO {
	rid := v
	if obj, ok := v.(*goja.Object); ok {
		rid = obj.Get("rid")
	}
	if absent(rid) {
		b.typeError("%s is not a resource", kind)
	}
	return handle.IO{Handle: handle.Bind(b.d, kind, resource.ID(uint32(rid.ToInteger())))}
}

// registerIO registers the standard streams and Tether.copy.
func registerIO(b *bridge, tether *goja.Object) {
	_ = tether.Set("stdin", b.ioObject(handle.Stdin(b.d).Handle))
	_ = tether.Set("stdout", b.ioObject(handle.Stdout(b.d).Handle))
	_ = tether.Set("stderr", b.ioObject(handle.Stderr(b.d).Handle))

	// copy(src, dst, {bufferSize}) resolves to the number of bytes copied.
	b.method(tether, "copy", func(call goja.FunctionCall) goja.Value {
		src := b.ioHandle(call.Argument(0), "source")
		dst := b.ioHandle(call.Argument(1), "destination")
		opts := &stream.CopyOptions{}
		if size := option(call.Argument(2), "bufferSize"); !absent(size) {
			opts.BufSize = int(size.ToInteger())
		}
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return stream.Copy(ctx, dst, src, opts)
		}, nil))
	})
}
