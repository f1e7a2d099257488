package native

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/operr"
	"tether/internal/ops"
)

const (
	// wsEventQueue bounds events read ahead of op_ws_next_event.
	wsEventQueue = 16

	// wsControlWait bounds control frame writes.
	wsControlWait = 10 * time.Second
)

// wsSocket is an open WebSocket. A reader goroutine turns frames into event
// records; op_ws_next_event takes them one at a time.
type wsSocket struct {
	conn     *websocket.Conn
	protocol string
	exts     string

	events chan map[string]any
	done   chan struct{}
	once   sync.Once

	writeMu   sync.Mutex
	mu        sync.Mutex
	lastPing  []byte
	closeSent bool
}

func newWSSocket(c *websocket.Conn, extensions string) *wsSocket {
	ws := &wsSocket{
		conn:     c,
		protocol: c.Subprotocol(),
		exts:     extensions,
		events:   make(chan map[string]any, wsEventQueue),
		done:     make(chan struct{}),
	}
	c.SetPingHandler(func(data string) error {
		ws.mu.Lock()
		ws.lastPing = []byte(data)
		ws.mu.Unlock()
		ws.push(map[string]any{"kind": "ping"})
		return nil
	})
	c.SetPongHandler(func(string) error {
		ws.push(map[string]any{"kind": "pong"})
		return nil
	})
	c.SetCloseHandler(func(code int, text string) error {
		ws.mu.Lock()
		echo := !ws.closeSent
		ws.closeSent = true
		ws.mu.Unlock()
		if echo {
			msg := websocket.FormatCloseMessage(code, "")
			if code == websocket.CloseNoStatusReceived {
				msg = []byte{}
			}
			ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlWait))
		}
		return nil
	})
	go ws.readLoop()
	return ws
}

func (ws *wsSocket) Name() string { return "webSocket" }

func (ws *wsSocket) push(ev map[string]any) bool {
	select {
	case ws.events <- ev:
		return true
	case <-ws.done:
		return false
	}
}

func (ws *wsSocket) readLoop() {
	defer close(ws.events)
	for {
		typ, data, err := ws.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				ws.push(map[string]any{"kind": "close", "code": ce.Code, "reason": ce.Text})
			default:
				select {
				case <-ws.done:
				default:
					ws.push(map[string]any{"kind": "error", "error": err.Error()})
				}
			}
			return
		}
		var ev map[string]any
		if typ == websocket.TextMessage {
			ev = map[string]any{"kind": "text", "text": string(data)}
		} else {
			ev = map[string]any{"kind": "binary", "data": data}
		}
		if !ws.push(ev) {
			return
		}
	}
}

func (ws *wsSocket) next(ctx context.Context) (map[string]any, error) {
	select {
	case ev, ok := <-ws.events:
		if !ok {
			return nil, operr.ErrClosed
		}
		return ev, nil
	case <-ws.done:
		return nil, operr.ErrClosed
	case <-ctx.Done():
		return nil, operr.Interrupted("nextEvent", ctx)
	}
}

func (ws *wsSocket) write(ctx context.Context, typ int, data []byte) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return operr.Interrupted("send", ctx)
	}
	deadline, _ := ctx.Deadline()
	ws.conn.SetWriteDeadline(deadline)
	return ws.conn.WriteMessage(typ, data)
}

func (ws *wsSocket) control(typ int, data []byte) error {
	return ws.conn.WriteControl(typ, data, time.Now().Add(wsControlWait))
}

// sendClose writes our close frame. Code 0 sends a frame without status.
func (ws *wsSocket) sendClose(code int, reason string) error {
	ws.mu.Lock()
	if ws.closeSent {
		ws.mu.Unlock()
		return nil
	}
	ws.closeSent = true
	ws.mu.Unlock()

	msg := []byte{}
	if code != 0 {
		msg = websocket.FormatCloseMessage(code, reason)
	}
	return ws.control(websocket.CloseMessage, msg)
}

func (ws *wsSocket) Close() error {
	var err error
	ws.once.Do(func() {
		close(ws.done)
		err = ws.conn.Close()
	})
	return err
}

func (env *Env) dialWebSocket(ctx context.Context, rawURL string, protocols []string, headers map[string]any) (*wsSocket, error) {
	if err := env.Permissions.CheckURL(rawURL); err != nil {
		return nil, err
	}
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, fmt.Sprint(v))
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: env.HandshakeTimeout,
		Subprotocols:     protocols,
	}
	c, resp, err := dialer.DialContext(ctx, rawURL, h)
	if err != nil {
		if ctx.Err() != nil {
			return nil, operr.Interrupted("connect", ctx)
		}
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return newWSSocket(c, resp.Header.Get("Sec-WebSocket-Extensions")), nil
}

func registerWebSocket(reg *ops.Registry, env *Env) {
	reg.Creates("op_ws_create", func(ctx context.Context, a ops.Args) (any, error) {
		rawURL, err := a.String(0)
		if err != nil {
			return nil, err
		}
		protocols, err := a.Strings(1)
		if err != nil {
			return nil, err
		}
		headers, err := a.Map(2)
		if err != nil {
			return nil, err
		}
		ws, err := env.dialWebSocket(ctx, rawURL, protocols, headers)
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(ws)
		if err != nil {
			ws.Close()
			return nil, err
		}
		env.Logger.Debug().Str("url", rawURL).Uint32("rid", uint32(rid)).Msg("websocket connected")
		return record(rid, "protocol", ws.protocol, "extensions", ws.exts), nil
	})

	reg.Async("op_ws_next_event", func(ctx context.Context, a ops.Args) (any, error) {
		ws, rid, err := lookup[*wsSocket](env, a, "nextEvent")
		if err != nil {
			return nil, err
		}
		ev, err := ws.next(ctx)
		return ev, env.stale(rid, "nextEvent", err)
	})

	send := func(name string, typ int) {
		reg.Async(name, func(ctx context.Context, a ops.Args) (any, error) {
			ws, rid, err := lookup[*wsSocket](env, a, "send")
			if err != nil {
				return nil, err
			}
			data, err := a.Bytes(1)
			if err != nil {
				return nil, err
			}
			return nil, env.stale(rid, "send", ws.write(ctx, typ, data))
		})
	}
	send("op_ws_send_text", websocket.TextMessage)
	send("op_ws_send_binary", websocket.BinaryMessage)

	reg.Async("op_ws_send_ping", func(_ context.Context, a ops.Args) (any, error) {
		ws, rid, err := lookup[*wsSocket](env, a, "ping")
		if err != nil {
			return nil, err
		}
		data, err := a.OptBytes(1)
		if err != nil {
			return nil, err
		}
		return nil, env.stale(rid, "ping", ws.control(websocket.PingMessage, data))
	})
	reg.Async("op_ws_send_pong", func(_ context.Context, a ops.Args) (any, error) {
		ws, rid, err := lookup[*wsSocket](env, a, "pong")
		if err != nil {
			return nil, err
		}
		ws.mu.Lock()
		data := ws.lastPing
		ws.mu.Unlock()
		return nil, env.stale(rid, "pong", ws.control(websocket.PongMessage, data))
	})

	reg.Async("op_ws_close", func(_ context.Context, a ops.Args) (any, error) {
		ws, rid, err := lookup[*wsSocket](env, a, "close")
		if err != nil {
			return nil, err
		}
		code, err := a.OptInt(1, 0)
		if err != nil {
			return nil, err
		}
		reason, err := a.OptString(2, "")
		if err != nil {
			return nil, err
		}
		return nil, env.stale(rid, "close", ws.sendClose(int(code), reason))
	})
}
