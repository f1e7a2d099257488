package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// stdio is one of the process standard streams. Closing it detaches the id
// but leaves the process descriptor open.
type stdio struct {
	name string
	r    io.Reader
	w    io.Writer

	mu    sync.Mutex
	state *term.State
}

func newStdio(name string, r io.Reader, w io.Writer) *stdio {
	return &stdio{name: name, r: r, w: w}
}

func (s *stdio) Name() string { return s.name }

func (s *stdio) Read(_ context.Context, p []byte) (int, error) {
	if s.r == nil {
		return 0, operr.ErrNotSupported
	}
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

func (s *stdio) Write(_ context.Context, p []byte) (int, error) {
	if s.w == nil {
		return 0, operr.ErrNotSupported
	}
	return s.w.Write(p)
}

// ReadSync reads stdin without suspending. Only in-memory input or a
// redirected regular file qualifies; a terminal or pipe may wait forever.
func (s *stdio) ReadSync(p []byte) (int, error) {
	if s.r == nil || !nonBlocking(s.r) {
		return 0, fmt.Errorf("readSync on %s: %w", s.name, operr.ErrNotSupported)
	}
	return s.Read(context.Background(), p)
}

// WriteSync writes to stdout or stderr directly, as console output does.
func (s *stdio) WriteSync(p []byte) (int, error) {
	return s.Write(context.Background(), p)
}

func nonBlocking(r io.Reader) bool {
	switch v := r.(type) {
	case *bytes.Reader, *bytes.Buffer, *strings.Reader:
		return true
	case *os.File:
		info, err := v.Stat()
		return err == nil && info.Mode().IsRegular()
	default:
		return false
	}
}

func (s *stdio) fd() (int, bool) {
	var v any = s.r
	if v == nil {
		v = s.w
	}
	f, ok := v.(*os.File)
	if !ok {
		return 0, false
	}
	return int(f.Fd()), true
}

func (s *stdio) IsTerminal() bool {
	fd, ok := s.fd()
	return ok && term.IsTerminal(fd)
}

func (s *stdio) SetRaw(raw, cbreak bool) error {
	fd, ok := s.fd()
	if !ok || !term.IsTerminal(fd) {
		return operr.ErrNotSupported
	}
	if cbreak {
		// x/term has no cbreak mode; raw is the closest it offers.
		raw = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if raw {
		if s.state != nil {
			return nil
		}
		st, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		s.state = st
		return nil
	}
	if s.state == nil {
		return nil
	}
	err := term.Restore(fd, s.state)
	s.state = nil
	return err
}

func (s *stdio) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	fd, _ := s.fd()
	err := term.Restore(fd, s.state)
	s.state = nil
	return err
}

func registerIO(reg *ops.Registry, env *Env) {
	read := func(ctx context.Context, a ops.Args) (any, error) {
		r, rid, err := lookup[resource.Reader](env, a, "read")
		if err != nil {
			return nil, err
		}
		buf, err := a.Bytes(1)
		if err != nil {
			return nil, err
		}
		n, err := r.Read(ctx, buf)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return nil, env.stale(rid, "read", err)
		}
		return n, nil
	}
	write := func(ctx context.Context, a ops.Args) (any, error) {
		w, rid, err := lookup[resource.Writer](env, a, "write")
		if err != nil {
			return nil, err
		}
		buf, err := a.Bytes(1)
		if err != nil {
			return nil, err
		}
		n, err := w.Write(ctx, buf)
		if err != nil {
			return nil, env.stale(rid, "write", err)
		}
		return n, nil
	}

	reg.Async("op_read", read)
	reg.Async("op_write", write)

	// The immediate forms only reach resources that never wait on a peer.
	reg.Sync("op_read_sync", func(_ context.Context, a ops.Args) (any, error) {
		r, rid, err := lookup[resource.SyncReader](env, a, "readSync")
		if err != nil {
			return nil, err
		}
		buf, err := a.Bytes(1)
		if err != nil {
			return nil, err
		}
		n, err := r.ReadSync(buf)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return nil, env.stale(rid, "readSync", err)
		}
		return n, nil
	})
	reg.Sync("op_write_sync", func(_ context.Context, a ops.Args) (any, error) {
		w, rid, err := lookup[resource.SyncWriter](env, a, "writeSync")
		if err != nil {
			return nil, err
		}
		buf, err := a.Bytes(1)
		if err != nil {
			return nil, err
		}
		n, err := w.WriteSync(buf)
		if err != nil {
			return nil, env.stale(rid, "writeSync", err)
		}
		return n, nil
	})

	reg.Sync("op_close", func(_ context.Context, a ops.Args) (any, error) {
		rid, err := a.ID(0)
		if err != nil {
			return nil, err
		}
		return nil, env.Table.Close(rid)
	})
	reg.Sync("op_try_close", func(_ context.Context, a ops.Args) (any, error) {
		rid, err := a.ID(0)
		if err != nil {
			return nil, err
		}
		return nil, env.Table.TryClose(rid)
	})
	reg.Async("op_shutdown", func(ctx context.Context, a ops.Args) (any, error) {
		s, rid, err := lookup[resource.Shutdowner](env, a, "shutdown")
		if err != nil {
			return nil, err
		}
		return nil, env.stale(rid, "shutdown", s.Shutdown(ctx))
	})
	reg.Sync("op_fstat_size", func(_ context.Context, a ops.Args) (any, error) {
		s, _, err := lookup[resource.Sizer](env, a, "stat")
		if err != nil {
			return nil, err
		}
		return s.Size()
	})
	reg.Sync("op_is_terminal", func(_ context.Context, a ops.Args) (any, error) {
		t, _, err := lookup[resource.Terminal](env, a, "isTerminal")
		if errors.Is(err, operr.ErrNotSupported) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		return t.IsTerminal(), nil
	})
	reg.Sync("op_set_raw", func(_ context.Context, a ops.Args) (any, error) {
		t, _, err := lookup[resource.Terminal](env, a, "setRaw")
		if err != nil {
			return nil, err
		}
		raw, err := a.Bool(1)
		if err != nil {
			return nil, err
		}
		cbreak, err := a.Bool(2)
		if err != nil {
			return nil, err
		}
		return nil, t.SetRaw(raw, cbreak)
	})
}
