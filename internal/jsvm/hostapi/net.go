package hostapi

import (
	"net"
	"strconv"

	"github.com/dop251/goja"

	"tether/internal/handle"
	"tether/internal/operr"
)

// endpoint reads {transport, hostname, port, path} into a network and
// address pair.
func endpoint(v goja.Value, defHost string) (string, string, error) {
	network := "tcp"
	if t := option(v, "transport"); !absent(t) {
		network = t.String()
	}
	if network != "tcp" {
		p := option(v, "path")
		if absent(p) {
			return "", "", operr.Invalid("path", "required for %s", network)
		}
		return network, p.String(), nil
	}

	host := defHost
	if h := option(v, "hostname"); !absent(h) {
		host = h.String()
	}
	port := option(v, "port")
	if absent(port) {
		return "", "", operr.Invalid("port", "missing")
	}
	return network, net.JoinHostPort(host, strconv.FormatInt(port.ToInteger(), 10)), nil
}

// registerNet registers Tether.connect and Tether.listen.
func registerNet(b *bridge, tether *goja.Object) {
	b.method(tether, "connect", func(call goja.FunctionCall) goja.Value {
		network, addr, err := endpoint(call.Argument(0), "127.0.0.1")
		if err != nil {
			b.throw(err)
		}
		p := b.d.Async(b.ctx, "op_net_connect", network, addr)
		return b.vm.ToValue(b.settle(p, func(v any) goja.Value {
			return b.connObject(v)
		}))
	})

	b.method(tether, "listen", func(call goja.FunctionCall) goja.Value {
		network, addr, err := endpoint(call.Argument(0), "0.0.0.0")
		if err != nil {
			b.throw(err)
		}
		l, err := handle.Listen(b.d, network, addr)
		if err != nil {
			b.throw(err)
		}
		return b.listenerObject(l)
	})
}

func (b *bridge) connObject(v any) goja.Value {
	rid, err := handle.RIDOf(v)
	if err != nil {
		b.throw(err)
	}
	h := handle.Bind(b.d, "tcpStream", rid)
	obj := b.ioObject(h)
	if m, ok := v.(map[string]any); ok {
		_ = obj.Set("localAddr", m["localAddr"])
		_ = obj.Set("remoteAddr", m["remoteAddr"])
	}
	b.method(obj, "closeWrite", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.settle(h.Async(b.ctx, "op_shutdown"), func(any) goja.Value {
			return goja.Undefined()
		}))
	})
	return obj
}

func (b *bridge) listenerObject(l *handle.Listener) *goja.Object {
	obj := b.vm.NewObject()
	_ = obj.Set("addr", l.Addr())
	b.getter(obj, "rid", func() any {
		rid, _ := l.RID()
		return uint32(rid)
	})
	b.method(obj, "accept", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.settle(l.Async(b.ctx, "op_net_accept"), b.connObject))
	})
	b.method(obj, "close", func(goja.FunctionCall) goja.Value {
		if err := l.Close(); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	b.method(obj, "ref", func(goja.FunctionCall) goja.Value {
		l.Ref()
		return goja.Undefined()
	})
	b.method(obj, "unref", func(goja.FunctionCall) goja.Value {
		l.Unref()
		return goja.Undefined()
	})
	return obj
}
