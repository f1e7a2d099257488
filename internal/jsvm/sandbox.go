package jsvm

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"tether/internal/jsvm/eventloop"
	"tether/internal/jsvm/hostapi"
	"tether/internal/native"
	"tether/internal/ops"
	"tether/internal/resource"
)

// SandboxConfig holds configuration for the sandbox environment.
type SandboxConfig struct {
	// Timeout is the maximum execution time for scripts (0 = none).
	Timeout time.Duration
	// AllowedPaths is the list of allowed file system paths.
	AllowedPaths []string
	// NetAllowlist is the list of hosts scripts may connect to (empty = all).
	NetAllowlist []string
	// MaxWriteSize is the maximum file write size in bytes.
	MaxWriteSize int64
	// HandshakeTimeout bounds WebSocket client handshakes.
	HandshakeTimeout time.Duration
	// CloseTimeout bounds how long a WebSocket close waits for the peer.
	CloseTimeout time.Duration
	// ServeHostname and ServePort are the Tether.serve defaults.
	ServeHostname string
	ServePort     int
	// Observe, if set, is attached to every execution's dispatcher before
	// any resource is created. The returned function detaches it.
	Observe func(d *ops.Dispatcher) (detach func())
}

// DefaultSandboxConfig returns default sandbox configuration.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:          30 * time.Second,
		AllowedPaths:     []string{"~/.tether/", "/tmp"},
		MaxWriteSize:     10 * 1024 * 1024, // 10MB
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     5 * time.Second,
		ServeHostname:    "0.0.0.0",
		ServePort:        8000,
	}
}

// Stdio overrides the process standard streams for an execution.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Execution is the per-run state the sandbox wires up: a fresh resource
// table and dispatcher, the native ops bound to them and the event loop.
type Execution struct {
	Ctx        context.Context
	Table      *resource.Table
	Dispatcher *ops.Dispatcher
	Loop       *eventloop.Loop
	env        *native.Env
	detach     func()
}

// Sandbox provides a secure execution environment for JavaScript.
type Sandbox struct {
	config  SandboxConfig
	stdio   Stdio
	version string
	logger  zerolog.Logger

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{} // signals cleanup to interrupt goroutine
	exec       *Execution
}

// NewSandbox creates a new sandbox with the given configuration.
func NewSandbox(cfg SandboxConfig, stdio Stdio, version string, logger zerolog.Logger) *Sandbox {
	return &Sandbox{
		config:  cfg,
		stdio:   stdio,
		version: version,
		logger:  logger,
	}
}

// Setup builds the execution state and injects Host APIs into vm.
func (s *Sandbox) Setup(vm *goja.Runtime, ctx context.Context, scriptName, executionID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if s.config.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	s.cancelFunc = cancel
	s.done = make(chan struct{})
	done := s.done

	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt("execution interrupted: " + execCtx.Err().Error())
		case <-done:
		}
	}()

	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	logger := s.logger.With().Str("exec_id", executionID).Logger()
	table := resource.NewTable()
	env := &native.Env{
		Table: table,
		Permissions: native.Permissions{
			AllowedPaths: s.config.AllowedPaths,
			NetAllowlist: s.config.NetAllowlist,
			MaxWriteSize: s.config.MaxWriteSize,
		},
		Logger:           logger,
		Version:          s.version,
		HandshakeTimeout: s.config.HandshakeTimeout,
		Stdin:            s.stdio.Stdin,
		Stdout:           s.stdio.Stdout,
		Stderr:           s.stdio.Stderr,
	}
	reg := ops.NewRegistry()
	native.Register(reg, env)
	d := ops.NewDispatcher(reg, table, logger)

	exec := &Execution{
		Ctx:        execCtx,
		Table:      table,
		Dispatcher: d,
		Loop:       eventloop.New(vm, d),
		env:        env,
	}
	if s.config.Observe != nil {
		exec.detach = s.config.Observe(d)
	}
	if err := env.InstallStdio(); err != nil {
		cancel()
		exec.close()
		return nil, err
	}
	hctx := &hostapi.Context{
		Ctx:         execCtx,
		Loop:        exec.Loop,
		Logger:      logger,
		ScriptName:  scriptName,
		ExecutionID: executionID,
		Config: hostapi.Config{
			CloseTimeout:  s.config.CloseTimeout,
			Version:       s.version,
			ServeHostname: s.config.ServeHostname,
			ServePort:     s.config.ServePort,
		},
	}
	if err := hostapi.Register(vm, hctx); err != nil {
		cancel()
		exec.close()
		return nil, err
	}
	s.exec = exec
	return exec, nil
}

func (e *Execution) close() {
	e.Dispatcher.Close()
	if err := e.Table.CloseAll(); err != nil {
		e.env.Logger.Debug().Err(err).Msg("closing leftover resources")
	}
	e.env.Shutdown()
	if e.detach != nil {
		e.detach()
	}
}

// Cleanup stops pending ops, closes every resource the script left open and
// removes the injected globals.
func (s *Sandbox) Cleanup(vm *goja.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	if s.exec != nil {
		s.exec.close()
		s.exec = nil
	}

	hostapi.Unregister(vm)
	vm.ClearInterrupt()
}
