package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

const (
	httpReadTimeout     = 60 * time.Second
	httpIdleTimeout     = 120 * time.Second
	httpShutdownTimeout = 5 * time.Second
	httpRequestQueue    = 16
)

type connSetKey struct{}

// httpServer accepts requests and hands them to op_http_next_request.
// Every connection owns a managed set holding the ids created for it.
type httpServer struct {
	srv    *http.Server
	ln     net.Listener
	table  *resource.Table
	logger zerolog.Logger

	requests chan *httpRequest
	done     chan struct{}
	once     sync.Once
	conns    sync.Map // net.Conn -> *resource.ManagedSet
}

func newHTTPServer(env *Env, ln net.Listener) *httpServer {
	s := &httpServer{
		ln:       ln,
		table:    env.Table,
		logger:   env.Logger.With().Str("component", "http").Str("addr", ln.Addr().String()).Logger(),
		requests: make(chan *httpRequest, httpRequestQueue),
		done:     make(chan struct{}),
	}

	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(s.handle)

	s.srv = &http.Server{
		Handler:     router,
		ReadTimeout: httpReadTimeout,
		IdleTimeout: httpIdleTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			set := resource.NewManagedSet(s.table)
			s.conns.Store(c, set)
			return context.WithValue(ctx, connSetKey{}, set)
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state != http.StateClosed && state != http.StateHijacked {
				return
			}
			if v, ok := s.conns.LoadAndDelete(c); ok {
				v.(*resource.ManagedSet).Teardown()
			}
		},
	}
	return s
}

func (s *httpServer) Name() string { return "httpServer" }

func (s *httpServer) serve() {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("server stopped")
	}
}

func (s *httpServer) handle(w http.ResponseWriter, r *http.Request) {
	set, _ := r.Context().Value(connSetKey{}).(*resource.ManagedSet)
	req := &httpRequest{w: w, r: r, set: set, done: make(chan struct{})}

	rid, err := s.table.Add(req)
	if err != nil {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	bodyRid, err := s.table.Add(&requestBody{r: r})
	if err != nil {
		s.table.TryClose(rid)
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	if set != nil {
		set.Add(rid)
		set.Add(bodyRid)
	}
	req.rid, req.bodyRid = rid, bodyRid

	select {
	case s.requests <- req:
	case <-s.done:
	case <-r.Context().Done():
	}

	select {
	case <-req.done:
	case <-s.done:
	case <-r.Context().Done():
	}
	req.detach(s.done)
	if respRid, ok := req.responseID(); ok {
		s.table.TryClose(respRid)
		req.untrack(respRid)
	}
	s.table.TryClose(bodyRid)
	s.table.TryClose(rid)
	req.untrack(bodyRid)
	req.untrack(rid)
	s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request done")
}

func (s *httpServer) next(ctx context.Context) (*httpRequest, error) {
	select {
	case req := <-s.requests:
		return req, nil
	case <-s.done:
		return nil, nil
	case <-ctx.Done():
		return nil, operr.Interrupted("nextRequest", ctx)
	}
}

func (s *httpServer) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err = s.srv.Shutdown(ctx); err != nil {
			err = s.srv.Close()
		}
	})
	return err
}

// httpRequest is one in-flight exchange. The ResponseWriter is only touched
// while the serving goroutine waits, guarded by mu.
type httpRequest struct {
	w       http.ResponseWriter
	r       *http.Request
	set     *resource.ManagedSet
	rid     resource.ID
	bodyRid resource.ID

	mu        sync.Mutex
	responded bool
	gone      bool
	respRid   resource.ID
	streaming bool
	done      chan struct{}
	doneOnce  sync.Once
}

func (q *httpRequest) Name() string { return "httpRequest" }

func (q *httpRequest) finish() {
	q.doneOnce.Do(func() { close(q.done) })
}

// detach runs when the serving goroutine returns. Requests the script never
// answered get a 503 while the server is shutting down.
func (q *httpRequest) detach(serverDone <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.responded {
		select {
		case <-serverDone:
			http.Error(q.w, "server closing", http.StatusServiceUnavailable)
		default:
		}
		q.responded = true
	}
	q.gone = true
}

func (q *httpRequest) Close() error {
	q.finish()
	return nil
}

// attachResponse records the streamed response body id. It fails once the
// exchange is over; the caller then owns the id.
func (q *httpRequest) attachResponse(rid resource.ID) error {
	q.mu.Lock()
	if q.gone {
		q.mu.Unlock()
		return operr.ErrClosed
	}
	q.respRid, q.streaming = rid, true
	q.mu.Unlock()
	if q.set != nil {
		q.set.Add(rid)
	}
	return nil
}

func (q *httpRequest) responseID() (resource.ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.respRid, q.streaming
}

func (q *httpRequest) untrack(rid resource.ID) {
	if q.set != nil {
		q.set.Remove(rid)
	}
}

func (q *httpRequest) record() map[string]any {
	headers := make(map[string]any, len(q.r.Header))
	for k := range q.r.Header {
		headers[k] = q.r.Header.Get(k)
	}
	return record(q.rid,
		"method", q.r.Method,
		"url", q.r.URL.String(),
		"headers", headers,
		"bodyRid", uint32(q.bodyRid),
		"remoteAddr", q.r.RemoteAddr,
	)
}

// respond writes status and headers. It fails once a response was started.
func (q *httpRequest) respond(status int, headers map[string]any) error {
	if q.gone {
		return operr.ErrClosed
	}
	if q.responded {
		return &operr.InvalidStateError{Op: "respond", State: "response already sent"}
	}
	q.responded = true
	h := q.w.Header()
	for k, v := range headers {
		h.Set(k, fmt.Sprint(v))
	}
	q.w.WriteHeader(status)
	return nil
}

type requestBody struct {
	r *http.Request
}

func (b *requestBody) Name() string { return "httpRequestBody" }

func (b *requestBody) Read(_ context.Context, p []byte) (int, error) {
	return b.r.Body.Read(p)
}

func (b *requestBody) Close() error { return b.r.Body.Close() }

// responseBody streams a response. Every write is flushed so chunk N reaches
// the client before chunk N+1 is written.
type responseBody struct {
	q *httpRequest
}

func (b *responseBody) Name() string { return "httpResponseBody" }

func (b *responseBody) Write(_ context.Context, p []byte) (int, error) {
	b.q.mu.Lock()
	defer b.q.mu.Unlock()
	if b.q.gone {
		return 0, io.ErrClosedPipe
	}
	n, err := b.q.w.Write(p)
	if f, ok := b.q.w.(http.Flusher); ok && err == nil {
		f.Flush()
	}
	return n, err
}

func (b *responseBody) Flush(context.Context) error {
	b.q.mu.Lock()
	defer b.q.mu.Unlock()
	if f, ok := b.q.w.(http.Flusher); ok && !b.q.gone {
		f.Flush()
	}
	return nil
}

func (b *responseBody) Shutdown(context.Context) error {
	b.q.finish()
	return nil
}

func (b *responseBody) Close() error {
	b.q.finish()
	if rid, ok := b.q.responseID(); ok {
		b.q.untrack(rid)
	}
	return nil
}

func registerHTTP(reg *ops.Registry, env *Env) {
	reg.Sync("op_http_serve", func(_ context.Context, a ops.Args) (any, error) {
		addr, err := a.String(0)
		if err != nil {
			return nil, err
		}
		ln, err := env.listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		s := newHTTPServer(env, ln)
		rid, err := env.Table.Add(s)
		if err != nil {
			ln.Close()
			return nil, err
		}
		go s.serve()
		s.logger.Info().Msg("serving")
		return record(rid, "addr", ln.Addr().String()), nil
	})

	reg.Async("op_http_next_request", func(ctx context.Context, a ops.Args) (any, error) {
		s, _, err := lookup[*httpServer](env, a, "nextRequest")
		if err != nil {
			return nil, err
		}
		req, err := s.next(ctx)
		if err != nil || req == nil {
			return nil, err
		}
		return req.record(), nil
	})

	reg.Creates("op_http_respond", func(_ context.Context, a ops.Args) (any, error) {
		q, _, err := lookup[*httpRequest](env, a, "respond")
		if err != nil {
			return nil, err
		}
		status, err := a.OptInt(1, http.StatusOK)
		if err != nil {
			return nil, err
		}
		if status < 100 || status > 999 {
			return nil, operr.Invalid("status", "%d is out of range", status)
		}
		headers, err := a.Map(2)
		if err != nil {
			return nil, err
		}
		body, err := a.OptBytes(3)
		if err != nil {
			return nil, err
		}
		streaming, err := a.Bool(4)
		if err != nil {
			return nil, err
		}

		q.mu.Lock()
		if err := q.respond(int(status), headers); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		if !streaming {
			if len(body) > 0 {
				_, err = q.w.Write(body)
			}
			q.mu.Unlock()
			q.finish()
			return nil, err
		}
		if f, ok := q.w.(http.Flusher); ok {
			f.Flush()
		}
		q.mu.Unlock()

		rid, err := env.Table.Add(&responseBody{q: q})
		if err != nil {
			q.finish()
			return nil, err
		}
		if err := q.attachResponse(rid); err != nil {
			env.Table.TryClose(rid)
			return nil, err
		}
		return record(rid), nil
	})

	reg.Creates("op_http_upgrade_websocket", func(_ context.Context, a ops.Args) (any, error) {
		q, _, err := lookup[*httpRequest](env, a, "upgrade")
		if err != nil {
			return nil, err
		}
		protocols, err := a.Strings(1)
		if err != nil {
			return nil, err
		}
		upgrader := websocket.Upgrader{
			Subprotocols: protocols,
			CheckOrigin:  func(*http.Request) bool { return true },
		}

		q.mu.Lock()
		if q.gone || q.responded {
			q.mu.Unlock()
			return nil, &operr.InvalidStateError{Op: "upgrade", State: "response already sent"}
		}
		q.responded = true
		c, err := upgrader.Upgrade(q.w, q.r, nil)
		q.mu.Unlock()
		defer q.finish()
		if err != nil {
			return nil, err
		}

		ws := newWSSocket(c, "")
		rid, err := env.Table.Add(ws)
		if err != nil {
			ws.Close()
			return nil, err
		}
		return record(rid, "protocol", ws.protocol), nil
	})
}
