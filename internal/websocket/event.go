// Package websocket implements the WebSocket session state machine over the
// op boundary: connect, the event pump, the close handshake and the
// event-style and stream-style client APIs.
package websocket

import (
	"errors"
	"fmt"

	"tether/internal/ops"
)

// EventKind discriminates the records returned by op_ws_next_event.
type EventKind uint8

const (
	EventText EventKind = iota + 1
	EventBinary
	EventPing
	EventPong
	EventError
	EventClose
)

var eventKindNames = map[EventKind]string{
	EventText:   "text",
	EventBinary: "binary",
	EventPing:   "ping",
	EventPong:   "pong",
	EventError:  "error",
	EventClose:  "close",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is one item produced by the native socket.
type Event struct {
	Kind   EventKind
	Text   string
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Message is an application payload, as delivered to consumers.
type Message struct {
	Binary bool
	Text   string
	Data   []byte
}

// Len returns the payload size in bytes.
func (m Message) Len() int {
	if m.Binary {
		return len(m.Data)
	}
	return len(m.Text)
}

// ParseEvent decodes an op_ws_next_event record.
func ParseEvent(v any) (Event, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("websocket: malformed event %T", v)
	}
	kind, _ := m["kind"].(string)
	switch kind {
	case "text":
		text, _ := m["text"].(string)
		return Event{Kind: EventText, Text: text}, nil
	case "binary":
		data, _ := m["data"].([]byte)
		return Event{Kind: EventBinary, Data: data}, nil
	case "ping":
		return Event{Kind: EventPing}, nil
	case "pong":
		return Event{Kind: EventPong}, nil
	case "error":
		msg, _ := m["error"].(string)
		return Event{Kind: EventError, Err: errors.New(msg)}, nil
	case "close":
		code, _ := ops.Args{m["code"]}.Int(0)
		reason, _ := m["reason"].(string)
		return Event{Kind: EventClose, Code: int(code), Reason: reason}, nil
	default:
		return Event{}, fmt.Errorf("websocket: unknown event kind %q", kind)
	}
}

// Record encodes ev the way op_ws_next_event returns it.
func (ev Event) Record() map[string]any {
	rec := map[string]any{"kind": ev.Kind.String()}
	switch ev.Kind {
	case EventText:
		rec["text"] = ev.Text
	case EventBinary:
		rec["data"] = ev.Data
	case EventError:
		if ev.Err != nil {
			rec["error"] = ev.Err.Error()
		}
	case EventClose:
		rec["code"] = ev.Code
		rec["reason"] = ev.Reason
	}
	return rec
}
