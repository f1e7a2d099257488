package eventloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

func newTestLoop(t *testing.T) (*Loop, *ops.Registry) {
	t.Helper()
	reg := ops.NewRegistry()
	reg.Async("op_wait", func(ctx context.Context, a ops.Args) (any, error) {
		ms, err := a.Int(0)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return ms, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d := ops.NewDispatcher(reg, resource.NewTable(), zerolog.Nop())
	t.Cleanup(d.Close)
	return New(goja.New(), d), reg
}

func runWithin(t *testing.T, l *Loop, limit time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	return l.Run(ctx)
}

func TestLoop_EmptyReturnsImmediately(t *testing.T) {
	l, _ := newTestLoop(t)
	require.NoError(t, runWithin(t, l, time.Second))
}

func TestLoop_JobsRunInOrder(t *testing.T) {
	l, _ := newTestLoop(t)
	var seen []int
	for i := 0; i < 3; i++ {
		require.True(t, l.Enqueue(func() {
			seen = append(seen, i)
			if i == 0 {
				l.Enqueue(func() { seen = append(seen, 10) })
			}
		}))
	}
	require.NoError(t, runWithin(t, l, time.Second))
	assert.Equal(t, []int{0, 1, 2, 10}, seen)
}

func TestLoop_WaitsForReferencedOp(t *testing.T) {
	l, _ := newTestLoop(t)
	var got any
	p := l.Dispatcher().Async(context.Background(), "op_wait", 30)
	p.OnSettle(func(v any, err error) {
		l.Enqueue(func() { got = v })
	})

	start := time.Now()
	require.NoError(t, runWithin(t, l, 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int64(30), got)
}

func TestLoop_UnrefOpDoesNotKeepAlive(t *testing.T) {
	l, _ := newTestLoop(t)
	p := l.Dispatcher().Async(context.Background(), "op_wait", 10000)
	p.Unref()

	start := time.Now()
	require.NoError(t, runWithin(t, l, 2*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoop_HoldKeepsAlive(t *testing.T) {
	l, _ := newTestLoop(t)
	release := l.Hold()
	ran := false
	go func() {
		time.Sleep(30 * time.Millisecond)
		l.Enqueue(func() { ran = true })
		release()
		release()
	}()

	require.NoError(t, runWithin(t, l, 2*time.Second))
	assert.True(t, ran)
}

func TestLoop_EnqueueAfterStop(t *testing.T) {
	l, _ := newTestLoop(t)
	require.NoError(t, runWithin(t, l, time.Second))
	assert.False(t, l.Enqueue(func() {}))
}

func TestLoop_ContextEndInterrupts(t *testing.T) {
	l, _ := newTestLoop(t)
	release := l.Hold()
	defer release()

	err := runWithin(t, l, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, operr.ErrInterrupted))
}

func TestLoop_ThrowingJobStops(t *testing.T) {
	l, _ := newTestLoop(t)
	vm := l.VM()
	after := false
	l.Enqueue(func() {
		_, err := vm.RunString(`throw new Error("job failed")`)
		panic(err)
	})
	l.Enqueue(func() { after = true })

	err := runWithin(t, l, time.Second)
	var ex *goja.Exception
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, ex.Error(), "job failed")
	assert.False(t, after)
}
