package hostapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/dop251/goja"

	"tether/internal/httpserve"
	"tether/internal/operr"
	"tether/internal/stream"
)

// registerHTTP registers Tether.serve.
//
//	Tether.serve({port, hostname}, handler)
//	Tether.serve(handler)
//
// handler receives a request object and returns (or resolves to) a
// response {status, headers, body}; body may be a string, a buffer or a
// byte readable obtained from another resource.
func registerHTTP(b *bridge, tether *goja.Object) {
	b.method(tether, "serve", func(call goja.FunctionCall) goja.Value {
		opts, handler := call.Argument(0), call.Argument(1)
		if _, ok := goja.AssertFunction(opts); ok {
			opts, handler = nil, opts
		}
		if _, ok := goja.AssertFunction(handler); !ok {
			b.typeError("handler must be a function")
		}

		host, port := b.hctx.Config.ServeHostname, int64(b.hctx.Config.ServePort)
		if host == "" {
			host = "0.0.0.0"
		}
		if port == 0 && absent(option(opts, "port")) {
			port = 8000
		}
		if h := option(opts, "hostname"); !absent(h) {
			host = h.String()
		}
		if p := option(opts, "port"); !absent(p) {
			port = p.ToInteger()
		}
		srv, err := httpserve.Listen(b.d, httpserve.Options{
			Addr:   net.JoinHostPort(host, strconv.FormatInt(port, 10)),
			Logger: b.logger,
		})
		if err != nil {
			b.throw(err)
		}

		keep := newKeepAlive(b.loop)
		ctx, cancel := context.WithCancel(b.ctx)
		finished, resolve, reject := b.vm.NewPromise()
		go func() {
			err := srv.Serve(ctx, b.httpHandler(handler))
			b.loop.Enqueue(func() {
				if err != nil {
					reject(b.errorValue(err))
					return
				}
				resolve(goja.Undefined())
			})
			keep.stop()
		}()

		obj := b.vm.NewObject()
		_ = obj.Set("addr", srv.Addr())
		_ = obj.Set("finished", finished)
		shutdown := func(goja.FunctionCall) goja.Value {
			cancel()
			return b.vm.ToValue(finished)
		}
		b.method(obj, "shutdown", shutdown)
		b.method(obj, "close", shutdown)
		b.method(obj, "ref", func(goja.FunctionCall) goja.Value {
			keep.ref()
			srv.Ref()
			return goja.Undefined()
		})
		b.method(obj, "unref", func(goja.FunctionCall) goja.Value {
			keep.unref()
			srv.Unref()
			return goja.Undefined()
		})
		return obj
	})
}

type handlerOutcome struct {
	resp *httpserve.Response
	err  error
}

// httpHandler runs the JS handler on the loop and waits for its response.
func (b *bridge) httpHandler(fn goja.Value) httpserve.Handler {
	return func(ctx context.Context, req *httpserve.Request) (*httpserve.Response, error) {
		var upgrades sync.WaitGroup
		done := make(chan handlerOutcome, 1)
		queued := b.loop.Enqueue(func() {
			call, _ := goja.AssertFunction(fn)
			v, err := call(goja.Undefined(), b.requestObject(ctx, req, &upgrades))
			if err != nil {
				done <- handlerOutcome{err: err}
				return
			}
			b.await(v, func(v goja.Value, err error) {
				if err != nil {
					done <- handlerOutcome{err: err}
					return
				}
				resp, err := b.response(v)
				done <- handlerOutcome{resp: resp, err: err}
			})
		})
		if !queued {
			return nil, operr.ErrClosed
		}

		var out handlerOutcome
		select {
		case out = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		upgrades.Wait()
		return out.resp, out.err
	}
}

// await calls cb with the settled value of v, which may be a promise.
func (b *bridge) await(v goja.Value, cb func(goja.Value, error)) {
	p, ok := exportPromise(v)
	if !ok {
		cb(v, nil)
		return
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		cb(p.Result(), nil)
	case goja.PromiseStateRejected:
		cb(nil, rejection(p.Result()))
	default:
		then, _ := goja.AssertFunction(v.(*goja.Object).Get("then"))
		onFulfilled := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			cb(call.Argument(0), nil)
			return goja.Undefined()
		})
		onRejected := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			cb(nil, rejection(call.Argument(0)))
			return goja.Undefined()
		})
		if _, err := then(v, onFulfilled, onRejected); err != nil {
			cb(nil, err)
		}
	}
}

func exportPromise(v goja.Value) (*goja.Promise, bool) {
	if absent(v) {
		return nil, false
	}
	p, ok := v.Export().(*goja.Promise)
	return p, ok
}

func rejection(v goja.Value) error {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); !absent(msg) {
			return errors.New(msg.String())
		}
	}
	return errors.New(formatValue(v))
}

func (b *bridge) requestObject(ctx context.Context, req *httpserve.Request, upgrades *sync.WaitGroup) *goja.Object {
	obj := b.vm.NewObject()
	_ = obj.Set("method", req.Method)
	_ = obj.Set("url", req.URL)
	_ = obj.Set("remoteAddr", req.RemoteAddr)
	headers := b.vm.NewObject()
	for k, v := range req.Header {
		_ = headers.Set(k, v)
	}
	_ = obj.Set("headers", headers)

	readBody := func(text bool) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			return b.vm.ToValue(b.async(func(context.Context) (any, error) {
				return req.ReadBody(ctx)
			}, func(v any) goja.Value {
				if text {
					return b.vm.ToValue(string(v.([]byte)))
				}
				return b.u8array(v.([]byte))
			}))
		}
	}
	b.method(obj, "text", readBody(true))
	b.method(obj, "bytes", readBody(false))

	var (
		once sync.Once
		body *goja.Object
	)
	b.getter(obj, "body", func() any {
		once.Do(func() {
			body = b.byteReadable(stream.ReadableFrom(req.Body(), 0, nil))
		})
		return body
	})

	// upgradeWebSocket resolves to a server-side WebSocket once the
	// handshake completed. The response is sent by the upgrade itself.
	b.method(obj, "upgradeWebSocket", func(call goja.FunctionCall) goja.Value {
		protocols := protocolList(option(call.Argument(0), "protocols"))
		sock := b.vm.NewObject()
		s := newJSSocket(b, sock, req.URL)
		upgrades.Add(1)
		return b.vm.ToValue(b.async(func(context.Context) (any, error) {
			defer upgrades.Done()
			ws, err := req.UpgradeWebSocket(ctx, b.wsConfig(req.URL, protocols), s.handlers())
			if err != nil {
				s.keep.stop()
				return nil, err
			}
			s.attach(ws)
			return nil, nil
		}, func(any) goja.Value { return sock }))
	})
	return obj
}

// response converts a handler result. A missing result means 204.
func (b *bridge) response(v goja.Value) (*httpserve.Response, error) {
	if absent(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return &httpserve.Response{Status: 200, Body: []byte(v.String())}, nil
	}
	resp := &httpserve.Response{Status: 200, Header: map[string]string{}}
	if s := obj.Get("status"); !absent(s) {
		resp.Status = int(s.ToInteger())
	}
	if h, ok := obj.Get("headers").(*goja.Object); ok {
		for _, k := range h.Keys() {
			resp.Header[k] = h.Get(k).String()
		}
	}

	body := obj.Get("body")
	if absent(body) {
		return resp, nil
	}
	if bo, ok := body.(*goja.Object); ok {
		if r, ok := b.readables[bo]; ok {
			resp.Stream = pipeBody(r)
			return resp, nil
		}
	}
	if p, ok := viewBytes(body); ok {
		resp.Body = append([]byte(nil), p...)
		return resp, nil
	}
	if s, ok := body.Export().(string); ok {
		resp.Body = []byte(s)
		return resp, nil
	}
	return nil, fmt.Errorf("unsupported response body %s", body.String())
}

func pipeBody(r *stream.Readable[[]byte]) func(context.Context, *stream.StreamWriter[[]byte]) error {
	return func(ctx context.Context, w *stream.StreamWriter[[]byte]) error {
		sr, err := r.GetReader()
		if err != nil {
			return err
		}
		defer sr.ReleaseLock()
		for {
			chunk, err := sr.Read(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := w.Write(ctx, chunk); err != nil {
				return err
			}
		}
	}
}
