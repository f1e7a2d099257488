package hostapi

import (
	"github.com/dop251/goja"

	"tether/internal/handle"
)

// registerCron registers Tether.cron(name, schedule, fn). fn runs on every
// tick until the returned job is closed.
func registerCron(b *bridge, tether *goja.Object) {
	b.method(tether, "cron", func(call goja.FunctionCall) goja.Value {
		name, schedule, fn := call.Argument(0).String(), call.Argument(1).String(), call.Argument(2)
		if _, ok := goja.AssertFunction(fn); !ok {
			b.typeError("cron handler must be a function")
		}
		job, err := handle.Cron(b.d, name, schedule)
		if err != nil {
			b.throw(err)
		}

		keep := newKeepAlive(b.loop)
		go func() {
			defer keep.stop()
			for {
				ok, err := job.Next(b.ctx)
				if err != nil {
					b.logger.Debug().Err(err).Str("cron", name).Msg("cron stopped")
					return
				}
				if !ok {
					return
				}
				b.loop.Enqueue(func() { b.invoke(fn, nil) })
			}
		}()

		obj := b.vm.NewObject()
		_ = obj.Set("name", job.Name())
		_ = obj.Set("schedule", job.Schedule())
		b.method(obj, "close", func(goja.FunctionCall) goja.Value {
			if err := job.Close(); err != nil {
				b.throw(err)
			}
			return goja.Undefined()
		})
		b.method(obj, "ref", func(goja.FunctionCall) goja.Value {
			keep.ref()
			job.Ref()
			return goja.Undefined()
		})
		b.method(obj, "unref", func(goja.FunctionCall) goja.Value {
			keep.unref()
			job.Unref()
			return goja.Undefined()
		})
		return obj
	})
}
