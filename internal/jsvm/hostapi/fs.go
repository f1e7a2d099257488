package hostapi

import (
	"context"

	"github.com/dop251/goja"

	"tether/internal/handle"
	"tether/internal/stream"
)

// registerFS registers Tether.open, readFile, writeFile and watchFs.
// Path checks happen natively against the sandbox allowlist.
func registerFS(b *bridge, tether *goja.Object) {
	b.method(tether, "open", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		opts := openOptions(call.Argument(1), handle.OpenOptions{Read: true})
		p := b.d.Async(b.ctx, "op_fs_open", path, opts)
		return b.vm.ToValue(b.settle(p, func(v any) goja.Value {
			rid, err := handle.RIDOf(v)
			if err != nil {
				b.throw(err)
			}
			return b.fileObject(handle.Bind(b.d, "fsFile", rid), path)
		}))
	})

	readFile := func(text bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			path := call.Argument(0).String()
			return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
				return readFile(ctx, b, path)
			}, func(v any) goja.Value {
				if text {
					return b.vm.ToValue(string(v.([]byte)))
				}
				return b.u8array(v.([]byte))
			}))
		}
	}
	b.method(tether, "readFile", readFile(false))
	b.method(tether, "readTextFile", readFile(true))

	writeFile := func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		data := b.chunkBytes(call.Argument(1))
		opts := handle.OpenOptions{Write: true, Create: true, Truncate: true}
		if a := option(call.Argument(2), "append"); !absent(a) && a.ToBoolean() {
			opts.Truncate, opts.Append = false, true
		}
		if c := option(call.Argument(2), "create"); !absent(c) {
			opts.Create = c.ToBoolean()
		}
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			f, err := handle.Open(ctx, b.d, path, opts)
			if err != nil {
				return nil, err
			}
			defer f.CloseOnce()
			n, err := stream.WriteAll(ctx, f, data)
			if err != nil {
				return nil, err
			}
			return n, f.Close()
		}, func(any) goja.Value { return goja.Undefined() }))
	}
	b.method(tether, "writeFile", writeFile)
	b.method(tether, "writeTextFile", writeFile)

	b.method(tether, "watchFs", func(call goja.FunctionCall) goja.Value {
		paths, err := stringList(call.Argument(0))
		if err != nil {
			b.throw(err)
		}
		recursive := true
		if r := option(call.Argument(1), "recursive"); !absent(r) {
			recursive = r.ToBoolean()
		}
		w, err := handle.Watch(b.d, paths, recursive)
		if err != nil {
			b.throw(err)
		}
		return b.watcherObject(w)
	})
}

// readFile reads a whole file, sizing the buffer from the file length when
// it is known.
func readFile(ctx context.Context, b *bridge, path string) ([]byte, error) {
	f, err := handle.Open(ctx, b.d, path, handle.OpenOptions{Read: true})
	if err != nil {
		return nil, err
	}
	defer f.CloseOnce()

	size, err := f.Size()
	if err != nil || size <= 0 {
		return stream.ReadAll(ctx, f)
	}
	return stream.ReadAllSized(ctx, f, size)
}

func openOptions(v goja.Value, def handle.OpenOptions) map[string]any {
	flag := func(name string, cur bool) bool {
		if o := option(v, name); !absent(o) {
			return o.ToBoolean()
		}
		return cur
	}
	return map[string]any{
		"read":     flag("read", def.Read),
		"write":    flag("write", def.Write),
		"append":   flag("append", def.Append),
		"create":   flag("create", def.Create),
		"truncate": flag("truncate", def.Truncate),
	}
}

func (b *bridge) fileObject(h *handle.Handle, path string) *goja.Object {
	obj := b.ioObject(h)
	_ = obj.Set("path", path)
	f := &handle.File{IO: handle.IO{Handle: h}}
	b.method(obj, "size", func(goja.FunctionCall) goja.Value {
		n, err := f.Size()
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(n)
	})
	return obj
}

func (b *bridge) watcherObject(w *handle.Watcher) *goja.Object {
	obj := b.vm.NewObject()
	b.getter(obj, "rid", func() any {
		rid, _ := w.RID()
		return uint32(rid)
	})
	// next resolves to {kind, paths}, or null once the watcher is closed.
	b.method(obj, "next", func(goja.FunctionCall) goja.Value {
		p := w.Async(b.ctx, "op_fs_watch_poll")
		return b.vm.ToValue(b.follow(p, func(v any, err error) (goja.Value, error) {
			if handle.IsBadResource(err) {
				return goja.Null(), nil
			}
			if err != nil {
				return nil, err
			}
			return b.toJS(v), nil
		}))
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		if err := w.Close(); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	b.method(obj, "ref", func(goja.FunctionCall) goja.Value {
		w.Ref()
		return goja.Undefined()
	})
	b.method(obj, "unref", func(goja.FunctionCall) goja.Value {
		w.Unref()
		return goja.Undefined()
	})
	return obj
}
