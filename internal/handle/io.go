package handle

import (
	"context"
	"errors"
	"io"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// IO reads and writes a byte resource through op_read and op_write.
type IO struct {
	*Handle
}

// Read fills p from the resource. An empty p returns 0 without dispatching
// anything; a zero-byte native read on a non-empty p is io.EOF.
func (s IO) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := ops.Await[int](ctx, s.Async(ctx, "op_read", p))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadSync is Read dispatched as an immediate op.
func (s IO) ReadSync(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := ops.Result[int](s.Sync("op_read_sync", p))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write sends p to the resource. The write may be partial.
func (s IO) Write(ctx context.Context, p []byte) (int, error) {
	return ops.Await[int](ctx, s.Async(ctx, "op_write", p))
}

// WriteSync is Write dispatched as an immediate op.
func (s IO) WriteSync(p []byte) (int, error) {
	return ops.Result[int](s.Sync("op_write_sync", p))
}

// IsTerminal reports whether the resource is an interactive device.
func (s IO) IsTerminal() bool {
	ok, err := ops.Result[bool](s.Sync("op_is_terminal"))
	return err == nil && ok
}

// SetRaw toggles raw mode. Resources without a terminal fail with
// ErrNotSupported.
func (s IO) SetRaw(raw, cbreak bool) error {
	_, err := s.Sync("op_set_raw", raw, cbreak)
	return err
}

// Stdio wraps one of the process standard streams.
type Stdio struct {
	IO
}

// Stdin binds the reserved stdin id.
func Stdin(d *ops.Dispatcher) *Stdio {
	return &Stdio{IO{Bind(d, "stdin", resource.Stdin)}}
}

// Stdout binds the reserved stdout id.
func Stdout(d *ops.Dispatcher) *Stdio {
	return &Stdio{IO{Bind(d, "stdout", resource.Stdout)}}
}

// Stderr binds the reserved stderr id.
func Stderr(d *ops.Dispatcher) *Stdio {
	return &Stdio{IO{Bind(d, "stderr", resource.Stderr)}}
}

// OpenOptions mirrors the flags accepted by op_fs_open.
type OpenOptions struct {
	Read     bool
	Write    bool
	Append   bool
	Create   bool
	Truncate bool
}

func (o OpenOptions) record() map[string]any {
	return map[string]any{
		"read":     o.Read,
		"write":    o.Write,
		"append":   o.Append,
		"create":   o.Create,
		"truncate": o.Truncate,
	}
}

// File is an open filesystem file.
type File struct {
	IO
	path string
}

// Open opens path through op_fs_open.
func Open(ctx context.Context, d *ops.Dispatcher, path string, opts OpenOptions) (*File, error) {
	h, _, err := create(ctx, d, "fsFile", "op_fs_open", path, opts.record())
	if err != nil {
		return nil, err
	}
	return &File{IO: IO{h}, path: path}, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Size returns the current file length.
func (f *File) Size() (int64, error) {
	return ops.Result[int64](f.Sync("op_fstat_size"))
}

// Conn is a connected stream socket.
type Conn struct {
	IO
	local, remote string
}

func newConn(h *Handle, v any) *Conn {
	c := &Conn{IO: IO{h}}
	if m, ok := v.(map[string]any); ok {
		c.local, _ = m["localAddr"].(string)
		c.remote, _ = m["remoteAddr"].(string)
	}
	return c
}

// Dial connects to addr over network ("tcp", "unix" or "pipe").
func Dial(ctx context.Context, d *ops.Dispatcher, network, addr string) (*Conn, error) {
	h, v, err := create(ctx, d, "tcpStream", "op_net_connect", network, addr)
	if err != nil {
		return nil, err
	}
	return newConn(h, v), nil
}

// LocalAddr returns the local endpoint.
func (c *Conn) LocalAddr() string { return c.local }

// RemoteAddr returns the peer endpoint.
func (c *Conn) RemoteAddr() string { return c.remote }

// CloseWrite half-closes the connection.
func (c *Conn) CloseWrite(ctx context.Context) error {
	_, err := c.Async(ctx, "op_shutdown").Await(ctx)
	return err
}

// Listener accepts stream connections. Close is idempotent.
type Listener struct {
	*Handle
	addr string
}

// Listen binds a listener through the immediate op_net_listen.
func Listen(d *ops.Dispatcher, network, addr string) (*Listener, error) {
	v, err := d.Sync("op_net_listen", network, addr)
	if err != nil {
		return nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, err
	}
	l := &Listener{Handle: Bind(d, "listener", rid)}
	if m, ok := v.(map[string]any); ok {
		l.addr, _ = m["addr"].(string)
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.addr }

// Accept waits for the next connection. Once the listener is closed Accept
// fails with BadResource.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	v, err := l.Async(ctx, "op_net_accept").Await(ctx)
	if err != nil {
		return nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, err
	}
	return newConn(Bind(l.d, "tcpStream", rid), v), nil
}

// Close stops accepting. Repeated calls are no-ops.
func (l *Listener) Close() error {
	return l.CloseOnce()
}

// IsEOF reports whether err marks end of stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// IsBadResource reports whether err is a BadResource classification.
func IsBadResource(err error) bool {
	return errors.Is(err, operr.ErrBadResource)
}
