package native

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"tether/internal/operr"
	"tether/internal/ops"
)

// file is an open file under an allowed path.
type file struct {
	f        *os.File
	path     string
	maxWrite int64
	written  atomic.Int64
}

func (f *file) Name() string { return "fsFile" }

func (f *file) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, operr.Interrupted("read", ctx)
	}
	return f.f.Read(p)
}

func (f *file) Write(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, operr.Interrupted("write", ctx)
	}
	if f.maxWrite > 0 && f.written.Load()+int64(len(p)) > f.maxWrite {
		return 0, fmt.Errorf("write to %s exceeds limit of %d bytes: %w", f.path, f.maxWrite, operr.ErrPermission)
	}
	n, err := f.f.Write(p)
	f.written.Add(int64(n))
	return n, err
}

// ReadSync reads without suspending. Only regular files qualify; a FIFO or
// device may wait indefinitely.
func (f *file) ReadSync(p []byte) (int, error) {
	if !f.regular() {
		return 0, fmt.Errorf("readSync on %s: %w", f.path, operr.ErrNotSupported)
	}
	return f.f.Read(p)
}

func (f *file) WriteSync(p []byte) (int, error) {
	if !f.regular() {
		return 0, fmt.Errorf("writeSync on %s: %w", f.path, operr.ErrNotSupported)
	}
	return f.Write(context.Background(), p)
}

func (f *file) regular() bool {
	info, err := f.f.Stat()
	return err == nil && info.Mode().IsRegular()
}

func (f *file) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *file) Close() error { return f.f.Close() }

func openFlags(opts map[string]any) int {
	flag := func(k string) bool {
		v, _ := opts[k].(bool)
		return v
	}
	read, write := flag("read"), flag("write")
	if !read && !write && !flag("append") {
		read = true
	}
	var mode int
	switch {
	case read && (write || flag("append")):
		mode = os.O_RDWR
	case write || flag("append"):
		mode = os.O_WRONLY
	default:
		mode = os.O_RDONLY
	}
	if flag("append") {
		mode |= os.O_APPEND
	}
	if flag("create") {
		mode |= os.O_CREATE
	}
	if flag("truncate") {
		mode |= os.O_TRUNC
	}
	return mode
}

func registerFS(reg *ops.Registry, env *Env) {
	reg.Creates("op_fs_open", func(ctx context.Context, a ops.Args) (any, error) {
		path, err := a.String(0)
		if err != nil {
			return nil, err
		}
		opts, err := a.Map(1)
		if err != nil {
			return nil, err
		}
		clean, err := env.Permissions.CheckPath(path)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, operr.Interrupted("open", ctx)
		}

		f, err := os.OpenFile(clean, openFlags(opts), 0o644)
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(&file{f: f, path: clean, maxWrite: env.Permissions.MaxWriteSize})
		if err != nil {
			f.Close()
			return nil, err
		}
		env.Logger.Debug().Str("path", clean).Uint32("rid", uint32(rid)).Msg("file opened")
		return record(rid, "path", clean), nil
	})
}
