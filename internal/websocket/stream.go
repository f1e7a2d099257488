package websocket

import (
	"context"
	"io"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
	"tether/internal/stream"
)

// StreamConnection is what a Stream yields once open.
type StreamConnection struct {
	Readable   *stream.Readable[Message]
	Writable   *stream.Writable[Message]
	Protocol   string
	Extensions string
}

// Stream is the stream-style client. Incoming messages are pulled through a
// readable stream, so a slow consumer holds back the pump; outgoing
// messages go through a writable stream in order.
type Stream struct {
	s      *Session
	msgs   chan Message
	stop   chan struct{}
	opened *Deferred[StreamConnection]
}

func newStream() *Stream {
	return &Stream{
		msgs:   make(chan Message),
		stop:   make(chan struct{}),
		opened: NewDeferred[StreamConnection](),
	}
}

// DialStream validates cfg and starts connecting.
func DialStream(ctx context.Context, d *ops.Dispatcher, cfg Config) (*Stream, error) {
	st := newStream()
	s, err := Connect(ctx, d, cfg, st.deliver)
	if err != nil {
		return nil, err
	}
	st.s = s
	st.watch()
	return st, nil
}

// AcceptStream wraps a server-side upgraded socket.
func AcceptStream(d *ops.Dispatcher, rid resource.ID, protocol string, cfg Config) *Stream {
	st := newStream()
	st.s = Accept(d, rid, protocol, cfg, st.deliver)
	st.watch()
	return st
}

func (st *Stream) watch() {
	st.s.closed.OnSettle(func(CloseInfo, error) { close(st.stop) })
	st.s.opened.OnSettle(func(info OpenInfo, err error) {
		if err != nil {
			st.opened.Reject(err)
			return
		}
		st.opened.Resolve(StreamConnection{
			Readable:   stream.NewReadable[Message](&messageSource{st: st}),
			Writable:   stream.NewWritable[Message](&messageSink{st: st}, stream.DefaultHighWaterMark),
			Protocol:   info.Protocol,
			Extensions: info.Extensions,
		})
	})
}

func (st *Stream) deliver(ctx context.Context, ev Event) error {
	msg := Message{Text: ev.Text}
	if ev.Kind == EventBinary {
		msg = Message{Binary: true, Data: ev.Data}
	}
	select {
	case st.msgs <- msg:
		return nil
	case <-st.stop:
		return operr.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session exposes the underlying state machine.
func (st *Stream) Session() *Session { return st.s }

// URL returns the normalized endpoint.
func (st *Stream) URL() string { return st.s.URL() }

// Opened waits for the handshake.
func (st *Stream) Opened(ctx context.Context) (StreamConnection, error) {
	return st.opened.Wait(ctx)
}

// Closed waits for the session to end.
func (st *Stream) Closed(ctx context.Context) (CloseInfo, error) {
	return st.s.closed.Wait(ctx)
}

// Close starts the close handshake.
func (st *Stream) Close(info CloseInfo) error {
	return st.s.Close(info)
}

type messageSource struct {
	st *Stream
}

func (m *messageSource) Pull(ctx context.Context) (Message, error) {
	select {
	case msg := <-m.st.msgs:
		return msg, nil
	case <-m.st.s.closed.Done():
		if _, err, _ := m.st.s.closed.Result(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, operr.Interrupted("read", ctx)
	}
}

func (m *messageSource) Cancel(error) error {
	return m.st.s.Close(CloseInfo{})
}

type messageSink struct {
	st *Stream
}

func (m *messageSink) Write(ctx context.Context, msg Message) error {
	p, err := m.st.s.Send(ctx, msg)
	if err != nil {
		return err
	}
	_, err = p.Await(ctx)
	return err
}

func (m *messageSink) Close(context.Context) error {
	return m.st.s.Close(CloseInfo{})
}

func (m *messageSink) Abort(error) error {
	return m.st.s.Close(CloseInfo{})
}
