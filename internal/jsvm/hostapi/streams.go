package hostapi

import (
	"context"
	"errors"
	"io"

	"github.com/dop251/goja"

	"tether/internal/stream"
)

func (b *bridge) reason(v goja.Value) error {
	if absent(v) {
		return nil
	}
	return errors.New(formatValue(v))
}

type readResult[T any] struct {
	v    T
	done bool
}

// readableObject exposes r as a JS object with getReader and cancel. Reads
// resolve to {value, done}.
func readableObject[T any](b *bridge, r *stream.Readable[T], conv func(T) goja.Value) *goja.Object {
	obj := b.vm.NewObject()
	b.getter(obj, "locked", func() any { return r.Locked() })

	b.method(obj, "getReader", func(goja.FunctionCall) goja.Value {
		sr, err := r.GetReader()
		if err != nil {
			b.throw(err)
		}
		return readerObject(b, sr, conv)
	})
	b.method(obj, "cancel", func(call goja.FunctionCall) goja.Value {
		reason := b.reason(call.Argument(0))
		return b.vm.ToValue(b.async(func(context.Context) (any, error) {
			return nil, r.Cancel(reason)
		}, func(any) goja.Value { return goja.Undefined() }))
	})
	return obj
}

func readerObject[T any](b *bridge, sr *stream.StreamReader[T], conv func(T) goja.Value) *goja.Object {
	obj := b.vm.NewObject()
	b.method(obj, "read", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			v, err := sr.Read(ctx)
			if errors.Is(err, io.EOF) {
				return readResult[T]{done: true}, nil
			}
			if err != nil {
				return nil, err
			}
			return readResult[T]{v: v}, nil
		}, func(v any) goja.Value {
			res := v.(readResult[T])
			out := b.vm.NewObject()
			_ = out.Set("done", res.done)
			if res.done {
				_ = out.Set("value", goja.Undefined())
			} else {
				_ = out.Set("value", conv(res.v))
			}
			return out
		}))
	})
	b.method(obj, "cancel", func(call goja.FunctionCall) goja.Value {
		reason := b.reason(call.Argument(0))
		return b.vm.ToValue(b.async(func(context.Context) (any, error) {
			return nil, sr.Cancel(reason)
		}, func(any) goja.Value { return goja.Undefined() }))
	})
	b.method(obj, "releaseLock", func(goja.FunctionCall) goja.Value {
		sr.ReleaseLock()
		return goja.Undefined()
	})
	return obj
}

// byteReadable exposes a byte stream and remembers it for later use as a
// response body.
func (b *bridge) byteReadable(r *stream.Readable[[]byte]) *goja.Object {
	obj := readableObject(b, r, b.u8array)
	b.readables[obj] = r
	return obj
}

// writableObject exposes w as a JS object with getWriter, close and abort.
func writableObject[T any](b *bridge, w *stream.Writable[T], conv func(goja.Value) T) *goja.Object {
	obj := b.vm.NewObject()
	b.getter(obj, "locked", func() any { return w.Locked() })

	b.method(obj, "getWriter", func(goja.FunctionCall) goja.Value {
		sw, err := w.GetWriter()
		if err != nil {
			b.throw(err)
		}
		return writerObject(b, sw, conv)
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		sw, err := w.GetWriter()
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			defer sw.ReleaseLock()
			return nil, sw.Close(ctx)
		}, func(any) goja.Value { return goja.Undefined() }))
	})
	b.method(obj, "abort", func(call goja.FunctionCall) goja.Value {
		sw, err := w.GetWriter()
		if err != nil {
			b.throw(err)
		}
		reason := b.reason(call.Argument(0))
		return b.vm.ToValue(b.async(func(context.Context) (any, error) {
			defer sw.ReleaseLock()
			return nil, sw.Abort(reason)
		}, func(any) goja.Value { return goja.Undefined() }))
	})
	return obj
}

func writerObject[T any](b *bridge, sw *stream.StreamWriter[T], conv func(goja.Value) T) *goja.Object {
	obj := b.vm.NewObject()
	undefined := func(any) goja.Value { return goja.Undefined() }

	b.getter(obj, "desiredSize", func() any { return sw.DesiredSize() })

	// Chunks are queued here, on the loop, so writes keep call order.
	b.method(obj, "write", func(call goja.FunctionCall) goja.Value {
		done := sw.Enqueue(b.ctx, conv(call.Argument(0)))
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			select {
			case err := <-done:
				return nil, err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, undefined))
	})
	b.method(obj, "ready", func(goja.FunctionCall) goja.Value {
		ready := sw.Ready()
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			select {
			case <-ready:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, undefined))
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return nil, sw.Close(ctx)
		}, undefined))
	})
	b.method(obj, "abort", func(call goja.FunctionCall) goja.Value {
		reason := b.reason(call.Argument(0))
		return b.vm.ToValue(b.async(func(context.Context) (any, error) {
			return nil, sw.Abort(reason)
		}, undefined))
	})
	b.method(obj, "releaseLock", func(goja.FunctionCall) goja.Value {
		sw.ReleaseLock()
		return goja.Undefined()
	})
	return obj
}

// chunkBytes copies a written chunk out of VM memory.
func (b *bridge) chunkBytes(v goja.Value) []byte {
	return append([]byte(nil), b.bytes(v, "chunk")...)
}
