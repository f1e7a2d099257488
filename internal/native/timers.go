package native

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"

	"tether/internal/operr"
	"tether/internal/ops"
)

func registerTimers(reg *ops.Registry, env *Env) {
	reg.Async("op_sleep", func(ctx context.Context, a ops.Args) (any, error) {
		ms, err := a.Int(0)
		if err != nil {
			return nil, err
		}
		if ms < 0 {
			ms = 0
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, operr.Interrupted("sleep", ctx)
		}
	})

	reg.Sync("op_random_uuid", func(context.Context, ops.Args) (any, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	})

	reg.Sync("op_runtime_version", func(context.Context, ops.Args) (any, error) {
		return map[string]any{
			"tether": env.Version,
			"go":     runtime.Version(),
			"os":     runtime.GOOS,
			"arch":   runtime.GOARCH,
		}, nil
	})
}
