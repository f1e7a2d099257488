package websocket

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tether/internal/handle"
	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// State is the connection lifecycle position. It only moves forward.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// DefaultCloseTimeout bounds how long a sent close frame waits for the
// peer's acknowledgement.
const DefaultCloseTimeout = 5 * time.Second

// ErrClosedBeforeOpen rejects the opened slot of a session closed while
// still connecting.
var ErrClosedBeforeOpen = errors.New("websocket: closed while connecting")

// Config describes a client session.
type Config struct {
	URL          string
	Protocols    []string
	Headers      map[string]string
	CloseTimeout time.Duration
	Logger       zerolog.Logger
}

// OpenInfo is what the handshake negotiated.
type OpenInfo struct {
	Protocol   string
	Extensions string
}

// Deliver hands a text or binary event to the consumer. It may block to
// apply backpressure until ctx ends.
type Deliver func(ctx context.Context, ev Event) error

// Session drives one WebSocket connection through its states. Exactly one
// op_ws_next_event is outstanding while the pump runs.
type Session struct {
	d       *ops.Dispatcher
	h       *handle.Handle
	url     string
	timeout time.Duration
	logger  zerolog.Logger
	deliver Deliver

	mu      sync.Mutex
	state   State
	early   *CloseInfo
	lastErr error
	create  *ops.Pending

	opened    *Deferred[OpenInfo]
	closed    *Deferred[CloseInfo]
	closeSent *Deferred[time.Time]
}

func newSession(d *ops.Dispatcher, h *handle.Handle, cfg Config, deliver Deliver) *Session {
	timeout := cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	return &Session{
		d:         d,
		h:         h,
		url:       cfg.URL,
		timeout:   timeout,
		logger:    cfg.Logger.With().Str("component", "websocket").Str("url", cfg.URL).Logger(),
		deliver:   deliver,
		opened:    NewDeferred[OpenInfo](),
		closed:    NewDeferred[CloseInfo](),
		closeSent: NewDeferred[time.Time](),
	}
}

// Connect validates cfg and starts the handshake. Validation failures are
// returned before any op is issued. ctx cancels the handshake only.
func Connect(ctx context.Context, d *ops.Dispatcher, cfg Config, deliver Deliver) (*Session, error) {
	u, err := ValidateURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := ValidateProtocols(cfg.Protocols); err != nil {
		return nil, err
	}
	cfg.URL = u.String()

	headers := make(map[string]any, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	s := newSession(d, handle.New(d, "webSocket"), cfg, deliver)
	protocols := append([]string(nil), cfg.Protocols...)
	s.create = d.Async(ctx, "op_ws_create", cfg.URL, protocols, headers)
	go s.connect(s.create)
	return s, nil
}

// Accept binds a session to a socket the server side already upgraded.
func Accept(d *ops.Dispatcher, rid resource.ID, protocol string, cfg Config, deliver Deliver) *Session {
	s := newSession(d, handle.Bind(d, "webSocket", rid), cfg, deliver)
	s.state = Open
	s.opened.Resolve(OpenInfo{Protocol: protocol})
	go s.pump()
	return s
}

func (s *Session) connect(p *ops.Pending) {
	<-p.Done()
	v, err := p.Result()
	if err != nil {
		s.logger.Debug().Err(err).Msg("connect failed")
		s.finish()
		s.opened.Reject(err)
		s.closed.Reject(err)
		return
	}

	m, _ := v.(map[string]any)
	rid, err := ops.Args{m["rid"]}.ID(0)
	if err == nil {
		err = s.h.Bind(rid)
	}
	if err != nil {
		s.finish()
		s.opened.Reject(err)
		s.closed.Reject(err)
		return
	}
	info := OpenInfo{}
	info.Protocol, _ = m["protocol"].(string)
	info.Extensions, _ = m["extensions"].(string)

	s.mu.Lock()
	s.create = nil
	early := s.early
	if early == nil {
		s.state = Open
	} else {
		s.state = Closing
	}
	s.mu.Unlock()

	if early != nil {
		s.logger.Debug().Msg("closed while connecting")
		s.opened.Reject(ErrClosedBeforeOpen)
		s.sendClose(*early)
	} else {
		s.logger.Debug().Str("protocol", info.Protocol).Msg("open")
		s.opened.Resolve(info)
	}
	s.pump()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the normalized endpoint.
func (s *Session) URL() string { return s.url }

// Opened settles when the handshake finishes or fails.
func (s *Session) Opened() *Deferred[OpenInfo] { return s.opened }

// Closed settles with the close status once the session ends.
func (s *Session) Closed() *Deferred[CloseInfo] { return s.closed }

// Ref keeps the owner alive while the session waits for events.
func (s *Session) Ref() {
	s.mu.Lock()
	create := s.create
	s.mu.Unlock()
	if create != nil {
		create.Ref()
	}
	s.h.Ref()
}

// Unref lets the owner go idle while the session waits for events.
func (s *Session) Unref() {
	s.mu.Lock()
	create := s.create
	s.mu.Unlock()
	if create != nil {
		create.Unref()
	}
	s.h.Unref()
}

// finish moves the session to Closed.
func (s *Session) finish() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

func (s *Session) release() {
	if err := s.h.CloseOnce(); err != nil {
		s.logger.Debug().Err(err).Msg("release failed")
	}
}

// Close starts the close handshake. While connecting the request is
// remembered and acted on once the socket exists. Closing or closed sessions
// ignore the call.
func (s *Session) Close(info CloseInfo) error {
	info, err := PrepareClose(info)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case Connecting:
		if s.early == nil {
			s.early = &info
		}
		s.mu.Unlock()
		return nil
	case Open:
		s.state = Closing
		s.mu.Unlock()
		s.sendClose(info)
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

func (s *Session) sendClose(info CloseInfo) {
	p := s.h.Async(context.Background(), "op_ws_close", info.Code, info.Reason)
	p.OnSettle(func(_ any, err error) {
		if err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.finish()
			s.release()
			s.closed.Reject(err)
			return
		}
		s.closeSent.Resolve(time.Now())
	})
}

func (s *Session) send(ctx context.Context, op string, args ...any) (*ops.Pending, error) {
	if st := s.State(); st != Open {
		return nil, &operr.InvalidStateError{Op: "send", State: st.String()}
	}
	return s.h.Async(ctx, op, args...), nil
}

// SendText queues a text frame. Sends run in parallel.
func (s *Session) SendText(ctx context.Context, text string) (*ops.Pending, error) {
	return s.send(ctx, "op_ws_send_text", text)
}

// SendBinary queues a binary frame. data is copied.
func (s *Session) SendBinary(ctx context.Context, data []byte) (*ops.Pending, error) {
	return s.send(ctx, "op_ws_send_binary", bytes.Clone(data))
}

// Send queues msg as a text or binary frame.
func (s *Session) Send(ctx context.Context, msg Message) (*ops.Pending, error) {
	if msg.Binary {
		return s.SendBinary(ctx, msg.Data)
	}
	return s.SendText(ctx, msg.Text)
}

// Ping sends a ping frame.
func (s *Session) Ping(ctx context.Context, data []byte) (*ops.Pending, error) {
	return s.send(ctx, "op_ws_send_ping", bytes.Clone(data))
}

// pump pulls events one at a time until the session closes. The close-ack
// deadline is checked here, alongside the outstanding next-event op, and
// bounds delivery to a consumer that stops reading.
func (s *Session) pump() {
	closeSent := s.closeSent.Done()
	var (
		timer    *time.Timer
		deadline <-chan time.Time
		expires  time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm := func() {
		closeSent = nil
		sentAt, _, _ := s.closeSent.Result()
		expires = sentAt.Add(s.timeout)
		timer = time.NewTimer(time.Until(expires))
		deadline = timer.C
	}

	for {
		if st := s.State(); st != Open && st != Closing {
			return
		}
		select {
		case <-closeSent:
			arm()
		default:
		}
		if !expires.IsZero() && !time.Now().Before(expires) {
			s.closeTimedOut()
			return
		}

		p := s.h.Async(context.Background(), "op_ws_next_event")
	wait:
		for {
			select {
			case <-p.Done():
				break wait
			case <-closeSent:
				arm()
			case <-deadline:
				s.closeTimedOut()
				<-p.Done()
				return
			}
		}

		v, err := p.Result()
		if s.State() == Closed {
			return
		}
		ev := Event{Kind: EventError, Err: err}
		if err == nil {
			if ev, err = ParseEvent(v); err != nil {
				ev = Event{Kind: EventError, Err: err}
			}
		}

		switch ev.Kind {
		case EventText, EventBinary:
			s.deliverEvent(ev)
		case EventPing:
			pong := s.h.Async(context.Background(), "op_ws_send_pong")
			pong.OnSettle(func(_ any, err error) {
				if err != nil {
					s.logger.Debug().Err(err).Msg("pong failed")
				}
			})
		case EventPong:
		case EventError:
			s.failed(ev.Err)
			return
		case EventClose:
			s.logger.Debug().Int("code", ev.Code).Str("reason", ev.Reason).Msg("closed")
			s.finish()
			s.release()
			s.closed.Resolve(CloseInfo{Code: ev.Code, Reason: ev.Reason})
			return
		}
	}
}

// deliverEvent hands ev to the consumer. Delivery is abandoned once the
// close-ack deadline passes, even when the close frame went out mid-delivery.
func (s *Session) deliverEvent(ev Event) {
	if s.deliver == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closeSent.Done():
		case <-ctx.Done():
			return
		}
		sentAt, _, _ := s.closeSent.Result()
		t := time.NewTimer(time.Until(sentAt.Add(s.timeout)))
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := s.deliver(ctx, ev); err != nil {
		s.logger.Debug().Err(err).Str("kind", ev.Kind.String()).Msg("event dropped")
	}
}

// failed handles an error event. An error shortly after our close frame went
// out counts as the end of the handshake.
func (s *Session) failed(err error) {
	s.mu.Lock()
	s.lastErr = err
	st := s.state
	s.mu.Unlock()

	if st == Closing {
		if sentAt, _, ok := s.closeSent.Result(); ok && time.Since(sentAt) <= s.timeout {
			s.finish()
			s.release()
			s.closed.Resolve(CloseInfo{Code: CloseAbnormal})
			return
		}
	}

	s.logger.Debug().Err(err).Msg("session error")
	s.finish()
	s.release()
	s.opened.Reject(err)
	s.closed.Reject(err)
}

func (s *Session) closeTimedOut() {
	s.mu.Lock()
	last := s.lastErr
	s.mu.Unlock()

	s.logger.Warn().Dur("after", s.timeout).Msg("close handshake timed out")
	s.finish()
	s.release()
	s.closed.Reject(&operr.TimeoutError{Op: "close", After: s.timeout, Last: last})
}
