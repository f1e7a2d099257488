package ops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/operr"
	"tether/internal/resource"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry()
	d := NewDispatcher(reg, resource.NewTable(), zerolog.Nop())
	t.Cleanup(d.Close)
	return d, reg
}

// blockingOp returns an op body that parks until release is closed or ctx ends.
func blockingOp(release <-chan struct{}) Func {
	return func(ctx context.Context, _ Args) (any, error) {
		select {
		case <-release:
			return 0, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestDispatcher_Sync(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.Sync("op_add", func(_ context.Context, a Args) (any, error) {
		x, err := a.Int(0)
		if err != nil {
			return nil, err
		}
		y, err := a.Int(1)
		if err != nil {
			return nil, err
		}
		return x + y, nil
	})

	v, err := d.Sync("op_add", 2, 3.0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	_, err = d.Sync("op_add", "two", 3)
	assert.ErrorIs(t, err, operr.ErrValidation)

	_, err = d.Sync("op_missing")
	assert.Error(t, err)
}

func TestDispatcher_KindMismatch(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.Async("op_wait", blockingOp(make(chan struct{})))
	reg.Sync("op_now", func(context.Context, Args) (any, error) { return "now", nil })

	_, err := d.Sync("op_wait")
	assert.Error(t, err)

	_, err = d.Async(context.Background(), "op_now").Await(context.Background())
	assert.Error(t, err)

	v, err := Call[string](context.Background(), d, "op_now")
	require.NoError(t, err)
	assert.Equal(t, "now", v)
}

func TestDispatcher_AsyncResult(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.Async("op_echo", func(_ context.Context, a Args) (any, error) {
		return a.String(0)
	})

	p := d.Async(context.Background(), "op_echo", "hello")
	v, err := Await[string](context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 0, d.Inflight())
}

func TestDispatcher_CancelSettlesInterrupted(t *testing.T) {
	d, reg := newTestDispatcher(t)
	never := make(chan struct{})
	reg.Async("op_hang", func(ctx context.Context, _ Args) (any, error) {
		<-never
		return nil, nil
	})
	defer close(never)

	reason := errors.New("user aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	p := d.Async(ctx, "op_hang")
	cancel(reason)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pending op did not settle after cancellation")
	}

	_, err := p.Result()
	require.ErrorIs(t, err, operr.ErrInterrupted)
	assert.Equal(t, reason, operr.Reason(err))
	require.NoError(t, d.WaitIdle(context.Background()))
}

type closeCounter struct {
	mu     sync.Mutex
	closed int
}

func (c *closeCounter) Name() string { return "counter" }

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestDispatcher_LateCreationResultClosed(t *testing.T) {
	d, reg := newTestDispatcher(t)
	unblock := make(chan struct{})
	res := &closeCounter{}
	created := make(chan resource.ID, 1)
	reg.Creates("op_open_slow", func(ctx context.Context, _ Args) (any, error) {
		<-unblock
		rid, err := d.Table().Add(res)
		if err != nil {
			return nil, err
		}
		created <- rid
		return map[string]any{"rid": uint32(rid)}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Async(ctx, "op_open_slow").Await(context.Background())
	require.ErrorIs(t, err, operr.ErrInterrupted)

	close(unblock)
	rid := <-created
	require.Eventually(t, func() bool { return res.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.Table().Len())
	_, err = d.Table().Get(rid)
	assert.ErrorIs(t, err, operr.ErrBadResource)
}

func TestDispatcher_CloseInterruptsInflight(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.Async("op_wait", blockingOp(make(chan struct{})))

	p := d.Async(context.Background(), "op_wait")
	d.Close()

	_, err := p.Await(context.Background())
	require.ErrorIs(t, err, operr.ErrInterrupted)
	assert.ErrorIs(t, operr.Reason(err), operr.ErrClosed)

	_, err = d.Async(context.Background(), "op_wait").Await(context.Background())
	assert.ErrorIs(t, err, operr.ErrClosed)
}

func TestDispatcher_RefUnrefPropagation(t *testing.T) {
	d, reg := newTestDispatcher(t)
	release := make(chan struct{})
	reg.Async("op_read", blockingOp(release))

	p := d.Async(context.Background(), "op_read")
	assert.Equal(t, 1, d.Referenced())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitIdle(ctx), context.DeadlineExceeded)

	p.Unref()
	assert.Equal(t, 0, d.Referenced())
	require.NoError(t, d.WaitIdle(context.Background()))

	p.Ref()
	assert.Equal(t, 1, d.Referenced())
	select {
	case <-d.IdleCh():
		t.Fatal("dispatcher reported idle with a referenced op pending")
	default:
	}

	close(release)
	require.NoError(t, d.WaitIdle(context.Background()))
	assert.Equal(t, 0, d.Referenced())

	// Toggling after settlement must not disturb the count.
	p.Unref()
	p.Ref()
	assert.Equal(t, 0, d.Referenced())
}

func TestPending_OnSettleRunsBeforeIdle(t *testing.T) {
	d, reg := newTestDispatcher(t)
	release := make(chan struct{})
	reg.Async("op_wait", blockingOp(release))

	p := d.Async(context.Background(), "op_wait")
	var sawReferenced int
	var wg sync.WaitGroup
	wg.Add(1)
	p.OnSettle(func(any, error) {
		defer wg.Done()
		sawReferenced = d.Referenced()
	})

	close(release)
	wg.Wait()
	assert.Equal(t, 1, sawReferenced)

	require.NoError(t, d.WaitIdle(context.Background()))

	// Late callbacks run immediately.
	called := false
	p.OnSettle(func(any, error) { called = true })
	assert.True(t, called)
}

type recordingHook struct {
	mu        sync.Mutex
	dispatch  []string
	completed []string
}

func (h *recordingHook) OnDispatch(op string, _ Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatch = append(h.dispatch, op)
}

func (h *recordingHook) OnComplete(op string, _ Kind, _ time.Duration, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, op)
}

func TestDispatcher_Hooks(t *testing.T) {
	d, reg := newTestDispatcher(t)
	hook := &recordingHook{}
	d.AddHook(hook)
	reg.Sync("op_a", func(context.Context, Args) (any, error) { return nil, nil })
	reg.Async("op_b", func(context.Context, Args) (any, error) { return nil, nil })

	_, err := d.Sync("op_a")
	require.NoError(t, err)
	_, err = d.Async(context.Background(), "op_b").Await(context.Background())
	require.NoError(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, []string{"op_a", "op_b"}, hook.dispatch)
	assert.Equal(t, []string{"op_a", "op_b"}, hook.completed)
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Op{Name: "op_x", Fn: func(context.Context, Args) (any, error) { return nil, nil }}))
	assert.Error(t, reg.Register(Op{Name: "op_x", Fn: func(context.Context, Args) (any, error) { return nil, nil }}))
	assert.Panics(t, func() { reg.Sync("op_x", func(context.Context, Args) (any, error) { return nil, nil }) })
	assert.Equal(t, []string{"op_x"}, reg.Names())
}

func TestArgs(t *testing.T) {
	a := Args{uint32(7), 1.5, "s", []byte("b"), true, []any{"x", "y"}, map[string]any{"k": 1}, nil}

	id, err := a.ID(0)
	require.NoError(t, err)
	assert.Equal(t, resource.ID(7), id)

	_, err = a.Int(1)
	assert.ErrorIs(t, err, operr.ErrValidation)

	s, err := a.String(2)
	require.NoError(t, err)
	assert.Equal(t, "s", s)

	b, err := a.Bytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), b)

	ok, err := a.Bool(4)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := a.Strings(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, list)

	m, err := a.Map(6)
	require.NoError(t, err)
	assert.Equal(t, 1, m["k"])

	def, err := a.OptString(7, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", def)

	n, err := a.OptInt(12, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = Args{-1}.Uint32(0)
	assert.ErrorIs(t, err, operr.ErrValidation)
}
