// Package httpserve serves HTTP from Go code over the http ops. Requests are
// pulled one at a time and handled concurrently; responses are either fixed
// bodies or ordered streams, and a request can be upgraded to a WebSocket.
package httpserve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tether/internal/handle"
	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
	"tether/internal/stream"
	"tether/internal/websocket"
)

// Options configures a server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:8080".
	Addr   string
	Logger zerolog.Logger
}

// Handler answers one request. Returning a nil response after an upgrade is
// expected; otherwise nil means 204.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Response is a fixed or streamed reply. When Stream is set, Body is ignored
// and Stream writes the body chunk by chunk; each chunk is flushed before the
// next one is written.
type Response struct {
	Status int
	Header map[string]string
	Body   []byte
	Stream func(ctx context.Context, w *stream.StreamWriter[[]byte]) error
}

// Server is a listening HTTP server.
type Server struct {
	d      *ops.Dispatcher
	h      *handle.Handle
	addr   string
	logger zerolog.Logger
}

// Listen binds the server socket.
func Listen(d *ops.Dispatcher, opts Options) (*Server, error) {
	v, err := ops.Result[map[string]any](d.Sync("op_http_serve", opts.Addr))
	if err != nil {
		return nil, err
	}
	rid, err := ops.Args{v["rid"]}.ID(0)
	if err != nil {
		return nil, err
	}
	addr, _ := v["addr"].(string)
	return &Server{
		d:      d,
		h:      handle.Bind(d, "httpServer", rid),
		addr:   addr,
		logger: opts.Logger.With().Str("component", "httpserve").Str("addr", addr).Logger(),
	}, nil
}

// Serve listens on opts.Addr and runs handler until ctx ends.
func Serve(ctx context.Context, d *ops.Dispatcher, opts Options, handler Handler) error {
	s, err := Listen(d, opts)
	if err != nil {
		return err
	}
	return s.Serve(ctx, handler)
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.addr }

// Ref keeps the owner alive while the server waits for requests.
func (s *Server) Ref() { s.h.Ref() }

// Unref lets the owner exit while the server is idle.
func (s *Server) Unref() { s.h.Unref() }

// Close stops the server. Repeated calls are no-ops.
func (s *Server) Close() error { return s.h.CloseOnce() }

// Serve pulls requests until the server closes or ctx ends, then waits for
// in-flight handlers.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		v, err := ops.Await[map[string]any](ctx, s.h.Async(ctx, "op_http_next_request"))
		if err != nil {
			if errors.Is(err, operr.ErrBadResource) || errors.Is(err, operr.ErrInterrupted) {
				break
			}
			s.Close()
			g.Wait()
			return err
		}
		if v == nil {
			break
		}
		req := s.newRequest(v)
		g.Go(func() error {
			s.handle(gctx, req, handler)
			return nil
		})
	}
	s.Close()
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, req *Request, handler Handler) {
	defer req.h.CloseOnce()

	resp, err := handler(ctx, req)
	if req.upgraded {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("handler failed")
		resp = &Response{Status: http.StatusInternalServerError, Body: []byte(http.StatusText(http.StatusInternalServerError))}
	}
	if resp == nil {
		resp = &Response{Status: http.StatusNoContent}
	}
	if err := req.respond(ctx, resp); err != nil {
		s.logger.Debug().Err(err).Str("url", req.URL).Msg("response failed")
	}
}

// Request is one incoming request.
type Request struct {
	Method     string
	URL        string
	Header     map[string]string
	RemoteAddr string

	d        *ops.Dispatcher
	h        *handle.Handle
	body     handle.IO
	logger   zerolog.Logger
	upgraded bool
}

func (s *Server) newRequest(v map[string]any) *Request {
	rid, _ := ops.Args{v["rid"]}.ID(0)
	bodyRid, _ := ops.Args{v["bodyRid"]}.ID(0)
	req := &Request{
		d:      s.d,
		h:      handle.Bind(s.d, "httpRequest", rid),
		body:   handle.IO{Handle: handle.Bind(s.d, "httpRequestBody", bodyRid)},
		Header: map[string]string{},
		logger: s.logger,
	}
	req.Method, _ = v["method"].(string)
	req.URL, _ = v["url"].(string)
	req.RemoteAddr, _ = v["remoteAddr"].(string)
	if hm, ok := v["headers"].(map[string]any); ok {
		for k, val := range hm {
			req.Header[k] = fmt.Sprint(val)
		}
	}
	return req
}

// Body returns the request body reader.
func (r *Request) Body() stream.Reader { return r.body }

// ReadBody reads the whole request body.
func (r *Request) ReadBody(ctx context.Context) ([]byte, error) {
	return stream.ReadAll(ctx, r.body)
}

func headerRecord(h map[string]string) map[string]any {
	m := make(map[string]any, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}

func (r *Request) respond(ctx context.Context, resp *Response) error {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Stream == nil {
		_, err := r.h.Async(ctx, "op_http_respond", status, headerRecord(resp.Header), resp.Body, false).Await(ctx)
		return err
	}

	v, err := ops.Await[map[string]any](ctx, r.h.Async(ctx, "op_http_respond", status, headerRecord(resp.Header), nil, true))
	if err != nil {
		return err
	}
	rid, err := ops.Args{v["rid"]}.ID(0)
	if err != nil {
		return err
	}
	body := handle.IO{Handle: handle.Bind(r.d, "httpResponseBody", rid)}
	defer body.CloseOnce()

	out := stream.WritableTo(body, func(ctx context.Context) error {
		_, err := body.Async(ctx, "op_shutdown").Await(ctx)
		return err
	})
	w, err := out.GetWriter()
	if err != nil {
		return err
	}
	if err := resp.Stream(ctx, w); err != nil {
		w.Abort(err)
		return err
	}
	return w.Close(ctx)
}

func (r *Request) upgrade(ctx context.Context, protocols []string) (resource.ID, string, error) {
	v, err := ops.Await[map[string]any](ctx, r.h.Async(ctx, "op_http_upgrade_websocket", protocols))
	if err != nil {
		return 0, "", err
	}
	rid, err := ops.Args{v["rid"]}.ID(0)
	if err != nil {
		return 0, "", err
	}
	r.upgraded = true
	protocol, _ := v["protocol"].(string)
	return rid, protocol, nil
}

// UpgradeWebSocket completes the handshake and returns an event-style socket.
func (r *Request) UpgradeWebSocket(ctx context.Context, cfg websocket.Config, handlers websocket.Handlers) (*websocket.WebSocket, error) {
	rid, protocol, err := r.upgrade(ctx, cfg.Protocols)
	if err != nil {
		return nil, err
	}
	return websocket.AcceptWebSocket(r.d, rid, protocol, cfg, handlers), nil
}

// UpgradeStream completes the handshake and returns a stream-style socket.
func (r *Request) UpgradeStream(ctx context.Context, cfg websocket.Config) (*websocket.Stream, error) {
	rid, protocol, err := r.upgrade(ctx, cfg.Protocols)
	if err != nil {
		return nil, err
	}
	return websocket.AcceptStream(r.d, rid, protocol, cfg), nil
}
