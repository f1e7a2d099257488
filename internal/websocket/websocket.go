package websocket

import (
	"context"
	"sync/atomic"

	"tether/internal/ops"
	"tether/internal/resource"
)

// CloseEvent is reported to OnClose.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// Handlers receive WebSocket events. They run on the session's pump
// goroutine; nil handlers are skipped.
type Handlers struct {
	OnOpen    func(OpenInfo)
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func(CloseEvent)
}

// WebSocket is the event-style client: handlers fire as events arrive and
// sends are fire-and-forget, tracked only by BufferedAmount.
type WebSocket struct {
	s        *Session
	handlers Handlers
	buffered atomic.Int64
}

// Dial validates cfg and starts connecting.
func Dial(ctx context.Context, d *ops.Dispatcher, cfg Config, handlers Handlers) (*WebSocket, error) {
	ws := &WebSocket{handlers: handlers}
	s, err := Connect(ctx, d, cfg, ws.deliver)
	if err != nil {
		return nil, err
	}
	ws.s = s
	ws.watch()
	return ws, nil
}

// AcceptWebSocket wraps a server-side upgraded socket.
func AcceptWebSocket(d *ops.Dispatcher, rid resource.ID, protocol string, cfg Config, handlers Handlers) *WebSocket {
	ws := &WebSocket{handlers: handlers}
	ws.s = Accept(d, rid, protocol, cfg, ws.deliver)
	ws.watch()
	return ws
}

func (ws *WebSocket) watch() {
	ws.s.opened.OnSettle(func(info OpenInfo, err error) {
		if err == nil && ws.handlers.OnOpen != nil {
			ws.handlers.OnOpen(info)
		}
	})
	ws.s.closed.OnSettle(func(info CloseInfo, err error) {
		if err != nil {
			if ws.handlers.OnError != nil {
				ws.handlers.OnError(err)
			}
			if ws.handlers.OnClose != nil {
				ws.handlers.OnClose(CloseEvent{Code: CloseAbnormal})
			}
			return
		}
		if ws.handlers.OnClose != nil {
			ws.handlers.OnClose(CloseEvent{Code: info.Code, Reason: info.Reason, WasClean: true})
		}
	})
}

func (ws *WebSocket) deliver(_ context.Context, ev Event) error {
	if ws.handlers.OnMessage == nil {
		return nil
	}
	switch ev.Kind {
	case EventText:
		ws.handlers.OnMessage(Message{Text: ev.Text})
	case EventBinary:
		ws.handlers.OnMessage(Message{Binary: true, Data: ev.Data})
	}
	return nil
}

// Session exposes the underlying state machine.
func (ws *WebSocket) Session() *Session { return ws.s }

// URL returns the normalized endpoint.
func (ws *WebSocket) URL() string { return ws.s.URL() }

// ReadyState returns the connection state.
func (ws *WebSocket) ReadyState() State { return ws.s.State() }

// Protocol returns the negotiated sub-protocol once open.
func (ws *WebSocket) Protocol() string {
	info, _, _ := ws.s.opened.Result()
	return info.Protocol
}

// Extensions returns the negotiated extensions once open.
func (ws *WebSocket) Extensions() string {
	info, _, _ := ws.s.opened.Result()
	return info.Extensions
}

// BufferedAmount is the number of payload bytes submitted but not yet sent.
func (ws *WebSocket) BufferedAmount() int64 { return ws.buffered.Load() }

// Send submits msg without waiting for it to be written. It fails with an
// invalid-state error unless the socket is open.
func (ws *WebSocket) Send(ctx context.Context, msg Message) error {
	p, err := ws.s.Send(ctx, msg)
	if err != nil {
		return err
	}
	n := int64(msg.Len())
	ws.buffered.Add(n)
	p.OnSettle(func(_ any, err error) {
		ws.buffered.Add(-n)
		if err != nil {
			ws.s.logger.Debug().Err(err).Msg("send failed")
		}
	})
	return nil
}

// Close starts the close handshake.
func (ws *WebSocket) Close(code int, reason string) error {
	return ws.s.Close(CloseInfo{Code: code, Reason: reason})
}

// Ref keeps the owner alive while the socket is open.
func (ws *WebSocket) Ref() { ws.s.Ref() }

// Unref lets the owner exit while the socket is open.
func (ws *WebSocket) Unref() { ws.s.Unref() }
