package hostapi

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"tether/internal/operr"
	"tether/internal/websocket"
)

var readyStates = []string{"CONNECTING", "OPEN", "CLOSING", "CLOSED"}

// jsSocket backs one JS WebSocket object. Event handlers arrive on the
// session's goroutine and are replayed on the loop.
type jsSocket struct {
	b    *bridge
	obj  *goja.Object
	url  string
	ws   atomic.Pointer[websocket.WebSocket]
	keep *keepAlive

	// loop goroutine only
	listeners  map[string][]goja.Value
	binaryType string

	mu  sync.Mutex
	ref bool
}

func newJSSocket(b *bridge, obj *goja.Object, url string) *jsSocket {
	s := &jsSocket{
		b:          b,
		obj:        obj,
		url:        url,
		keep:       newKeepAlive(b.loop),
		listeners:  make(map[string][]goja.Value),
		binaryType: "arraybuffer",
		ref:        true,
	}
	s.define()
	return s
}

func (s *jsSocket) attach(ws *websocket.WebSocket) {
	s.ws.Store(ws)
	s.mu.Lock()
	ref := s.ref
	s.mu.Unlock()
	if !ref {
		ws.Unref()
	}
}

func (s *jsSocket) handlers() websocket.Handlers {
	enqueue := func(typ string, build func() *goja.Object) {
		s.b.loop.Enqueue(func() { s.dispatch(typ, build()) })
	}
	return websocket.Handlers{
		OnOpen: func(websocket.OpenInfo) {
			enqueue("open", func() *goja.Object { return s.event("open") })
		},
		OnMessage: func(msg websocket.Message) {
			enqueue("message", func() *goja.Object {
				ev := s.event("message")
				if msg.Binary {
					_ = ev.Set("data", s.binary(msg.Data))
				} else {
					_ = ev.Set("data", msg.Text)
				}
				return ev
			})
		},
		OnError: func(err error) {
			enqueue("error", func() *goja.Object {
				ev := s.event("error")
				_ = ev.Set("error", s.b.errorValue(err))
				_ = ev.Set("message", err.Error())
				return ev
			})
		},
		OnClose: func(ce websocket.CloseEvent) {
			enqueue("close", func() *goja.Object {
				ev := s.event("close")
				_ = ev.Set("code", ce.Code)
				_ = ev.Set("reason", ce.Reason)
				_ = ev.Set("wasClean", ce.WasClean)
				return ev
			})
			s.keep.stop()
		},
	}
}

func (s *jsSocket) binary(p []byte) goja.Value {
	u8 := s.b.u8array(p)
	if s.binaryType == "arraybuffer" {
		return u8.(*goja.Object).Get("buffer")
	}
	return u8
}

func (s *jsSocket) event(typ string) *goja.Object {
	ev := s.b.vm.NewObject()
	_ = ev.Set("type", typ)
	_ = ev.Set("target", s.obj)
	return ev
}

func (s *jsSocket) dispatch(typ string, ev *goja.Object) {
	s.b.invoke(s.obj.Get("on"+typ), s.obj, ev)
	for _, fn := range append([]goja.Value(nil), s.listeners[typ]...) {
		s.b.invoke(fn, s.obj, ev)
	}
}

func (s *jsSocket) state() websocket.State {
	ws := s.ws.Load()
	if ws == nil {
		return websocket.Connecting
	}
	return ws.ReadyState()
}

func (s *jsSocket) define() {
	b, obj := s.b, s.obj
	for i, name := range readyStates {
		_ = obj.Set(name, i)
	}
	_ = obj.Set("url", s.url)
	_ = obj.Set("onopen", goja.Null())
	_ = obj.Set("onmessage", goja.Null())
	_ = obj.Set("onerror", goja.Null())
	_ = obj.Set("onclose", goja.Null())

	b.getter(obj, "readyState", func() any { return int(s.state()) })
	b.getter(obj, "protocol", func() any {
		if ws := s.ws.Load(); ws != nil {
			return ws.Protocol()
		}
		return ""
	})
	b.getter(obj, "extensions", func() any {
		if ws := s.ws.Load(); ws != nil {
			return ws.Extensions()
		}
		return ""
	})
	b.getter(obj, "bufferedAmount", func() any {
		if ws := s.ws.Load(); ws != nil {
			return ws.BufferedAmount()
		}
		return 0
	})
	_ = obj.DefineAccessorProperty("binaryType",
		b.vm.ToValue(func(goja.FunctionCall) goja.Value { return b.vm.ToValue(s.binaryType) }),
		b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			switch v := call.Argument(0).String(); v {
			case "arraybuffer", "uint8array":
				s.binaryType = v
			}
			return goja.Undefined()
		}),
		goja.FLAG_TRUE, goja.FLAG_TRUE)

	b.method(obj, "addEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		if _, ok := goja.AssertFunction(call.Argument(1)); ok {
			s.listeners[typ] = append(s.listeners[typ], call.Argument(1))
		}
		return goja.Undefined()
	})
	b.method(obj, "removeEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		fns := s.listeners[typ]
		for i, fn := range fns {
			if fn.SameAs(call.Argument(1)) {
				s.listeners[typ] = append(fns[:i:i], fns[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})

	b.method(obj, "send", func(call goja.FunctionCall) goja.Value {
		ws := s.ws.Load()
		if ws == nil {
			b.throw(&operr.InvalidStateError{Op: "send", State: websocket.Connecting.String()})
		}
		if err := ws.Send(b.ctx, b.message(call.Argument(0))); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	b.method(obj, "close", func(call goja.FunctionCall) goja.Value {
		info := closeInfo(call.Argument(0), call.Argument(1))
		ws := s.ws.Load()
		if ws == nil {
			// Only accepted sockets are attached late, after the upgrade.
			if _, err := websocket.PrepareClose(info); err != nil {
				b.throw(err)
			}
			return goja.Undefined()
		}
		if err := ws.Session().Close(info); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	b.method(obj, "ref", func(goja.FunctionCall) goja.Value {
		s.setRef(true)
		return goja.Undefined()
	})
	b.method(obj, "unref", func(goja.FunctionCall) goja.Value {
		s.setRef(false)
		return goja.Undefined()
	})
}

func (s *jsSocket) setRef(ref bool) {
	s.mu.Lock()
	s.ref = ref
	s.mu.Unlock()
	if ref {
		s.keep.ref()
	} else {
		s.keep.unref()
	}
	if ws := s.ws.Load(); ws != nil {
		if ref {
			ws.Ref()
		} else {
			ws.Unref()
		}
	}
}

func closeInfo(code, reason goja.Value) websocket.CloseInfo {
	var info websocket.CloseInfo
	if !absent(code) {
		info.Code = int(code.ToInteger())
		info.HasCode = true
	}
	if !absent(reason) {
		info.Reason = reason.String()
	}
	return info
}

// message converts a send argument: strings go as text, buffers as binary.
func (b *bridge) message(v goja.Value) websocket.Message {
	if !absent(v) {
		if s, ok := v.Export().(string); ok {
			return websocket.Message{Text: s}
		}
	}
	return websocket.Message{Binary: true, Data: b.chunkBytes(v)}
}

func (b *bridge) messageValue(m websocket.Message) goja.Value {
	if m.Binary {
		return b.u8array(m.Data)
	}
	return b.vm.ToValue(m.Text)
}

func (b *bridge) wsConfig(url string, protocols []string) websocket.Config {
	return websocket.Config{
		URL:          url,
		Protocols:    protocols,
		CloseTimeout: b.hctx.Config.CloseTimeout,
		Logger:       b.logger,
	}
}

func protocolList(v goja.Value) []string {
	if absent(v) {
		return nil
	}
	list, err := stringList(v)
	if err != nil {
		return []string{v.String()}
	}
	return list
}

// registerWebSocket registers the WebSocket and WebSocketStream globals.
func registerWebSocket(b *bridge) {
	ctor := b.vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		url := call.Argument(0).String()
		s := newJSSocket(b, call.This, url)
		ws, err := websocket.Dial(b.ctx, b.d, b.wsConfig(url, protocolList(call.Argument(1))), s.handlers())
		if err != nil {
			s.keep.stop()
			b.throw(err)
		}
		_ = call.This.Set("url", ws.URL())
		s.attach(ws)
		return call.This
	}).(*goja.Object)
	for i, name := range readyStates {
		_ = ctor.Set(name, i)
	}
	_ = b.vm.Set("WebSocket", ctor)

	_ = b.vm.Set("WebSocketStream", func(call goja.ConstructorCall) *goja.Object {
		url := call.Argument(0).String()
		protocols := protocolList(option(call.Argument(1), "protocols"))
		st, err := websocket.DialStream(b.ctx, b.d, b.wsConfig(url, protocols))
		if err != nil {
			b.throw(err)
		}
		b.streamSocket(call.This, st)
		return call.This
	})
}

// streamSocket fills obj with the WebSocketStream shape over st.
func (b *bridge) streamSocket(obj *goja.Object, st *websocket.Stream) {
	_ = obj.Set("url", st.URL())
	_ = obj.Set("opened", b.async(func(ctx context.Context) (any, error) {
		return st.Opened(ctx)
	}, func(v any) goja.Value {
		conn := v.(websocket.StreamConnection)
		out := b.vm.NewObject()
		_ = out.Set("readable", readableObject(b, conn.Readable, b.messageValue))
		_ = out.Set("writable", writableObject(b, conn.Writable, b.message))
		_ = out.Set("protocol", conn.Protocol)
		_ = out.Set("extensions", conn.Extensions)
		return out
	}))
	_ = obj.Set("closed", b.async(func(ctx context.Context) (any, error) {
		return st.Closed(ctx)
	}, func(v any) goja.Value {
		info := v.(websocket.CloseInfo)
		out := b.vm.NewObject()
		_ = out.Set("closeCode", info.Code)
		_ = out.Set("reason", info.Reason)
		return out
	}))
	b.method(obj, "close", func(call goja.FunctionCall) goja.Value {
		info := closeInfo(option(call.Argument(0), "closeCode"), option(call.Argument(0), "reason"))
		if err := st.Close(info); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
}
