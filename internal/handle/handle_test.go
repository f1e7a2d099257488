package handle

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

type memResource struct {
	name string
}

func (m *memResource) Name() string { return m.name }
func (m *memResource) Close() error { return nil }

// fakeNative registers minimal io ops over a table so handles can be
// exercised without the real native package.
type fakeNative struct {
	table *resource.Table
	reads atomic.Int32
	// readResult is returned by op_read.
	readResult int
	block      chan struct{}
}

func newFake(t *testing.T) (*ops.Dispatcher, *fakeNative) {
	t.Helper()
	f := &fakeNative{table: resource.NewTable(), block: make(chan struct{})}
	reg := ops.NewRegistry()
	reg.Sync("op_close", func(_ context.Context, a ops.Args) (any, error) {
		rid, err := a.ID(0)
		if err != nil {
			return nil, err
		}
		return nil, f.table.Close(rid)
	})
	reg.Sync("op_try_close", func(_ context.Context, a ops.Args) (any, error) {
		rid, err := a.ID(0)
		if err != nil {
			return nil, err
		}
		return nil, f.table.TryClose(rid)
	})
	reg.Async("op_read", func(ctx context.Context, a ops.Args) (any, error) {
		f.reads.Add(1)
		if _, err := a.ID(0); err != nil {
			return nil, err
		}
		return f.readResult, nil
	})
	reg.Async("op_block", func(ctx context.Context, a ops.Args) (any, error) {
		select {
		case <-f.block:
			return 0, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg.Sync("op_set_raw", func(context.Context, ops.Args) (any, error) {
		return nil, operr.ErrNotSupported
	})
	reg.Sync("op_is_terminal", func(context.Context, ops.Args) (any, error) {
		return false, nil
	})
	d := ops.NewDispatcher(reg, f.table, zerolog.Nop())
	t.Cleanup(d.Close)
	return d, f
}

func (f *fakeNative) add(t *testing.T, name string) resource.ID {
	t.Helper()
	rid, err := f.table.Add(&memResource{name: name})
	require.NoError(t, err)
	return rid
}

func TestIO_EOFTranslation(t *testing.T) {
	d, f := newFake(t)
	rid := f.add(t, "fsFile")
	r := IO{Bind(d, "fsFile", rid)}
	ctx := context.Background()

	n, err := r.Read(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = r.Read(ctx, []byte{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(0), f.reads.Load(), "empty buffer must not dispatch")

	n, err = r.Read(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(1), f.reads.Load())

	f.readResult = 5
	n, err = r.Read(ctx, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestHandle_CloseNonIdempotent(t *testing.T) {
	d, f := newFake(t)
	h := Bind(d, "fsFile", f.add(t, "fsFile"))

	require.NoError(t, h.Close())
	assert.Equal(t, Closed, h.State())
	assert.ErrorIs(t, h.Close(), operr.ErrBadResource)
	assert.Equal(t, 0, f.table.Len())

	_, err := IO{h}.Read(context.Background(), make([]byte, 1))
	assert.ErrorIs(t, err, operr.ErrBadResource)
}

func TestHandle_CloseOnceIdempotent(t *testing.T) {
	d, f := newFake(t)
	rid := f.add(t, "listener")
	l := &Listener{Handle: Bind(d, "listener", rid)}

	// Released natively behind the wrapper's back.
	require.NoError(t, f.table.Close(rid))
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestHandle_BindOnce(t *testing.T) {
	d, f := newFake(t)
	h := New(d, "fsFile")
	_, err := h.RID()
	assert.ErrorIs(t, err, operr.ErrBadResource)

	require.NoError(t, h.Bind(f.add(t, "fsFile")))
	assert.ErrorIs(t, h.Bind(f.add(t, "fsFile")), operr.ErrInvalidState)

	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Bind(f.add(t, "fsFile")), operr.ErrInvalidState)
}

func TestHandle_UnboundCloseReleasesNothing(t *testing.T) {
	d, _ := newFake(t)
	h := New(d, "webSocket")
	assert.NoError(t, h.Close())
	assert.Equal(t, Closed, h.State())
}

func TestHandle_RefUnrefPropagatesToPending(t *testing.T) {
	d, f := newFake(t)
	h := Bind(d, "stdin", f.add(t, "stdin"))

	p := h.Async(context.Background(), "op_block")
	assert.Equal(t, 1, h.Pending())
	assert.Equal(t, 1, d.Referenced())

	h.Unref()
	assert.False(t, p.Referenced())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx), "an unref'd read must not keep the owner alive")

	h.Ref()
	assert.True(t, p.Referenced())
	assert.Equal(t, 1, d.Referenced())

	// New ops inherit the handle flag.
	h.Unref()
	p2 := h.Async(context.Background(), "op_block")
	assert.False(t, p2.Referenced())
	assert.Equal(t, 0, d.Referenced())

	close(f.block)
	_, err := p.Await(context.Background())
	require.NoError(t, err)
	_, err = p2.Await(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestIO_CapabilityProbe(t *testing.T) {
	d, f := newFake(t)
	s := IO{Bind(d, "fsFile", f.add(t, "fsFile"))}
	assert.False(t, s.IsTerminal())
	assert.ErrorIs(t, s.SetRaw(true, false), operr.ErrNotSupported)
}

func TestConnection_DoubleCloseInvalidState(t *testing.T) {
	d, f := newFake(t)
	c := &Connection{Handle: Bind(d, "sqliteConnection", f.add(t, "sqliteConnection"))}

	require.NoError(t, c.Close())
	err := c.Close()
	assert.ErrorIs(t, err, operr.ErrInvalidState)
	assert.Contains(t, err.Error(), "database is not open")

	_, err = c.Prepare(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, operr.ErrInvalidState)
}

func TestRidOf(t *testing.T) {
	rid, err := RIDOf(uint32(4))
	require.NoError(t, err)
	assert.Equal(t, resource.ID(4), rid)

	rid, err = RIDOf(map[string]any{"rid": uint32(6), "addr": "x"})
	require.NoError(t, err)
	assert.Equal(t, resource.ID(6), rid)

	_, err = RIDOf("nope")
	assert.ErrorIs(t, err, operr.ErrValidation)
}
