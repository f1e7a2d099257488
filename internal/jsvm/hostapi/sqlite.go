package hostapi

import (
	"context"

	"github.com/dop251/goja"

	"tether/internal/handle"
)

// registerSQLite registers Tether.openDatabase.
func registerSQLite(b *bridge, tether *goja.Object) {
	b.method(tether, "openDatabase", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		readOnly := false
		if r := option(call.Argument(1), "readOnly"); !absent(r) {
			readOnly = r.ToBoolean()
		}
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return handle.OpenDatabase(ctx, b.d, path, readOnly)
		}, func(v any) goja.Value {
			return b.databaseObject(v.(*handle.Connection))
		}))
	})
}

func (b *bridge) runResult(v any) goja.Value {
	r := v.(handle.RunResult)
	return b.toJS(map[string]any{
		"changes":         r.Changes,
		"lastInsertRowId": r.LastInsertRowID,
	})
}

func (b *bridge) databaseObject(c *handle.Connection) *goja.Object {
	obj := b.vm.NewObject()
	_ = obj.Set("path", c.Path())
	b.getter(obj, "isOpen", func() any { return c.IsOpen() })

	b.method(obj, "exec", func(call goja.FunctionCall) goja.Value {
		sql := call.Argument(0).String()
		params := b.args(call.Arguments[min(1, len(call.Arguments)):])
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return c.Exec(ctx, sql, params...)
		}, b.runResult))
	})
	b.method(obj, "prepare", func(call goja.FunctionCall) goja.Value {
		sql := call.Argument(0).String()
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return c.Prepare(ctx, sql)
		}, func(v any) goja.Value {
			return b.statementObject(v.(*handle.Statement))
		}))
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		if err := c.Close(); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	return obj
}

func (b *bridge) statementObject(s *handle.Statement) *goja.Object {
	obj := b.vm.NewObject()
	_ = obj.Set("sql", s.SQL())

	params := func(call goja.FunctionCall) []any { return b.args(call.Arguments) }
	b.method(obj, "run", func(call goja.FunctionCall) goja.Value {
		p := params(call)
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return s.Run(ctx, p...)
		}, b.runResult))
	})
	b.method(obj, "all", func(call goja.FunctionCall) goja.Value {
		p := params(call)
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			return s.All(ctx, p...)
		}, nil))
	})
	b.method(obj, "get", func(call goja.FunctionCall) goja.Value {
		p := params(call)
		return b.vm.ToValue(b.async(func(ctx context.Context) (any, error) {
			row, err := s.Get(ctx, p...)
			if row == nil {
				return nil, err
			}
			return row, err
		}, nil))
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		if err := s.Close(); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	return obj
}
