package hostapi

import (
	"context"

	"github.com/dop251/goja"

	"tether/internal/handle"
)

// registerCompression registers Tether.compress, Tether.decompress and the
// incremental Tether.compressor.
func registerCompression(b *bridge, tether *goja.Object) {
	oneShot := func(decompress bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			format := call.Argument(0).String()
			data := b.chunkBytes(call.Argument(1))
			return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
				c, err := handle.NewCompressor(b.d, format, decompress)
				if err != nil {
					return nil, err
				}
				defer c.Close()
				head, err := c.Write(ctx, data)
				if err != nil {
					return nil, err
				}
				tail, err := c.Finish(ctx)
				if err != nil {
					return nil, err
				}
				return append(head, tail...), nil
			}, nil))
		}
	}
	b.method(tether, "compress", oneShot(false))
	b.method(tether, "decompress", oneShot(true))

	b.method(tether, "compressor", func(call goja.FunctionCall) goja.Value {
		format := call.Argument(0).String()
		decompress := false
		if d := option(call.Argument(1), "decompress"); !absent(d) {
			decompress = d.ToBoolean()
		}
		c, err := handle.NewCompressor(b.d, format, decompress)
		if err != nil {
			b.throw(err)
		}
		return b.compressorObject(c)
	})
}

func (b *bridge) compressorObject(c *handle.Compressor) *goja.Object {
	obj := b.vm.NewObject()
	_ = obj.Set("format", c.Format())
	b.method(obj, "write", func(call goja.FunctionCall) goja.Value {
		p := c.Async(b.ctx, "op_compression_write", b.chunkBytes(call.Argument(0)))
		return b.vm.ToValue(b.settle(p, nil))
	})
	b.method(obj, "finish", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.settle(c.Async(b.ctx, "op_compression_finish"), nil))
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		if err := c.Close(); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	return obj
}
