package native

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// conn wraps a stream connection. Reads and writes honour the op context by
// moving the socket deadline into the past when it ends.
type conn struct {
	kind string
	c    net.Conn
}

func (c *conn) Name() string { return c.kind }

func (c *conn) interruptible(ctx context.Context, op string, set func(time.Time) error, fn func() (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, operr.Interrupted(op, ctx)
	}
	stop := context.AfterFunc(ctx, func() {
		set(time.Unix(1, 0))
	})
	n, err := fn()
	if !stop() {
		set(time.Time{})
		if err != nil {
			return n, operr.Interrupted(op, ctx)
		}
	}
	return n, err
}

func (c *conn) Read(ctx context.Context, p []byte) (int, error) {
	return c.interruptible(ctx, "read", c.c.SetReadDeadline, func() (int, error) {
		return c.c.Read(p)
	})
}

func (c *conn) Write(ctx context.Context, p []byte) (int, error) {
	return c.interruptible(ctx, "write", c.c.SetWriteDeadline, func() (int, error) {
		return c.c.Write(p)
	})
}

func (c *conn) Shutdown(context.Context) error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return operr.ErrNotSupported
}

func (c *conn) Close() error { return c.c.Close() }

func (c *conn) record(rid resource.ID) map[string]any {
	return record(rid,
		"localAddr", c.c.LocalAddr().String(),
		"remoteAddr", c.c.RemoteAddr().String(),
	)
}

// listener accepts connections. A single goroutine drives Accept and hands
// each connection to whichever accept op is waiting, so a cancelled accept
// never swallows the next client. A closed listener fails pending accepts.
type listener struct {
	kind  string
	l     net.Listener
	once  sync.Once
	start sync.Once
	done  chan struct{}
	conns chan accepted
}

type accepted struct {
	c   net.Conn
	err error
}

func newListener(kind string, l net.Listener) *listener {
	return &listener{kind: kind, l: l, done: make(chan struct{}), conns: make(chan accepted)}
}

func (l *listener) Name() string { return "listener" }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		select {
		case l.conns <- accepted{c, err}:
		case <-l.done:
			if c != nil {
				c.Close()
			}
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

func (l *listener) accept(ctx context.Context) (net.Conn, error) {
	l.start.Do(func() { go l.acceptLoop() })
	select {
	case r := <-l.conns:
		return r.c, r.err
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, operr.Interrupted("accept", ctx)
	}
}

func streamKind(network string) (string, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return "tcpStream", nil
	case "unix":
		return "unixStream", nil
	case "pipe":
		return "pipeStream", nil
	default:
		return "", operr.Invalid("network", "unsupported network %q", network)
	}
}

func (env *Env) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "pipe":
		return dialPipe(ctx, addr)
	case "unix":
		if _, err := env.Permissions.CheckPath(addr); err != nil {
			return nil, err
		}
	default:
		if err := env.Permissions.CheckHost(addr); err != nil {
			return nil, err
		}
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func (env *Env) listen(network, addr string) (net.Listener, error) {
	switch network {
	case "pipe":
		return listenPipe(addr)
	case "unix":
		if _, err := env.Permissions.CheckPath(addr); err != nil {
			return nil, err
		}
	}
	return net.Listen(network, addr)
}

func registerNet(reg *ops.Registry, env *Env) {
	reg.Creates("op_net_connect", func(ctx context.Context, a ops.Args) (any, error) {
		network, err := a.String(0)
		if err != nil {
			return nil, err
		}
		addr, err := a.String(1)
		if err != nil {
			return nil, err
		}
		kind, err := streamKind(network)
		if err != nil {
			return nil, err
		}
		nc, err := env.dial(ctx, network, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, operr.Interrupted("connect", ctx)
			}
			return nil, err
		}
		c := &conn{kind: kind, c: nc}
		rid, err := env.Table.Add(c)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return c.record(rid), nil
	})

	reg.Sync("op_net_listen", func(_ context.Context, a ops.Args) (any, error) {
		network, err := a.String(0)
		if err != nil {
			return nil, err
		}
		addr, err := a.String(1)
		if err != nil {
			return nil, err
		}
		kind, err := streamKind(network)
		if err != nil {
			return nil, err
		}
		nl, err := env.listen(network, addr)
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(newListener(kind, nl))
		if err != nil {
			nl.Close()
			return nil, err
		}
		env.Logger.Debug().Str("network", network).Str("addr", nl.Addr().String()).Msg("listening")
		return record(rid, "addr", nl.Addr().String()), nil
	})

	reg.Creates("op_net_accept", func(ctx context.Context, a ops.Args) (any, error) {
		l, rid, err := lookup[*listener](env, a, "accept")
		if err != nil {
			return nil, err
		}
		nc, err := l.accept(ctx)
		if err != nil {
			select {
			case <-l.done:
				return nil, &operr.BadResourceError{ID: uint32(rid), Op: "accept"}
			default:
			}
			if errors.Is(err, operr.ErrInterrupted) {
				return nil, err
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		c := &conn{kind: l.kind, c: nc}
		crid, err := env.Table.Add(c)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return c.record(crid), nil
	})
}
