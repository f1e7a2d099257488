// Package native implements the ops scripts reach native functionality
// through. Every op takes and returns plain data: ids, byte slices,
// strings, numbers and string-keyed records.
package native

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// Permissions restrict what scripts may touch.
type Permissions struct {
	// AllowedPaths is the list of directories files may be opened under.
	AllowedPaths []string
	// NetAllowlist restricts outbound hosts (empty = allow all).
	NetAllowlist []string
	// MaxWriteSize caps a single file write in bytes (0 = unlimited).
	MaxWriteSize int64
}

// Env is shared by the ops of one script execution.
type Env struct {
	Table       *resource.Table
	Permissions Permissions
	Logger      zerolog.Logger
	Version     string

	// HandshakeTimeout bounds WebSocket client handshakes.
	HandshakeTimeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	cronOnce sync.Once
	cron     *scheduler
}

func (env *Env) scheduler() *scheduler {
	env.cronOnce.Do(func() {
		env.cron = newScheduler(env.Logger)
	})
	return env.cron
}

// Shutdown stops background services started by ops.
func (env *Env) Shutdown() {
	if env.cron != nil {
		env.cron.stop()
	}
}

// Register installs every native op into reg.
func Register(reg *ops.Registry, env *Env) {
	registerIO(reg, env)
	registerFS(reg, env)
	registerNet(reg, env)
	registerWebSocket(reg, env)
	registerSQLite(reg, env)
	registerCompression(reg, env)
	registerWatch(reg, env)
	registerCron(reg, env)
	registerTimers(reg, env)
	registerHTTP(reg, env)
}

// InstallStdio binds the process standard streams to the reserved ids.
func (env *Env) InstallStdio() error {
	stdin, stdout, stderr := env.Stdin, env.Stdout, env.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	for id, r := range map[resource.ID]resource.Resource{
		resource.Stdin:  newStdio("stdin", stdin, nil),
		resource.Stdout: newStdio("stdout", nil, stdout),
		resource.Stderr: newStdio("stderr", nil, stderr),
	} {
		if err := env.Table.Reserve(id, r); err != nil {
			return err
		}
	}
	return nil
}

// lookup resolves the id in argument 0 to a resource with capability T.
// Live resources lacking the capability fail with ErrNotSupported.
func lookup[T any](env *Env, a ops.Args, op string) (T, resource.ID, error) {
	var zero T
	rid, err := a.ID(0)
	if err != nil {
		return zero, rid, err
	}
	r, err := env.Table.Get(rid)
	if err != nil {
		return zero, rid, &operr.BadResourceError{ID: uint32(rid), Op: op}
	}
	c, ok := r.(T)
	if !ok {
		return zero, rid, fmt.Errorf("%s on %s: %w", op, r.Name(), operr.ErrNotSupported)
	}
	return c, rid, nil
}

// stale converts an I/O failure on a resource closed mid-operation into
// BadResource.
func (env *Env) stale(rid resource.ID, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, gerr := env.Table.Get(rid); gerr != nil {
		return &operr.BadResourceError{ID: uint32(rid), Op: op}
	}
	return err
}

func record(rid resource.ID, kv ...any) map[string]any {
	m := map[string]any{"rid": uint32(rid)}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}
