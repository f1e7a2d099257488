package jsvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"tether/internal/operr"
)

// RuntimeConfig holds configuration for the Runtime.
type RuntimeConfig struct {
	// Pool configuration
	PoolConfig PoolConfig
	// Sandbox configuration
	SandboxConfig SandboxConfig
	// Stdio replaces the process streams seen by scripts (nil fields keep
	// the process streams).
	Stdio Stdio
	// Version is reported by Tether.version.
	Version string
}

// DefaultRuntimeConfig returns default runtime configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PoolConfig:    DefaultPoolConfig(),
		SandboxConfig: DefaultSandboxConfig(),
		Version:       "dev",
	}
}

// Runtime provides JavaScript execution capabilities.
type Runtime struct {
	pool   *VMPool
	config RuntimeConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRuntime creates a new JavaScript runtime.
func NewRuntime(cfg RuntimeConfig, logger zerolog.Logger) *Runtime {
	return &Runtime{
		pool:   NewVMPool(cfg.PoolConfig),
		config: cfg,
		logger: logger,
	}
}

// ExecuteResult holds the result of script execution.
type ExecuteResult struct {
	// Value is the completion value of the script. A promise is replaced
	// by its fulfilled value.
	Value any
	// Duration covers the script body and its event loop.
	Duration time.Duration
}

// rejections tracks promises rejected without a handler.
type rejections struct {
	order   []*goja.Promise
	pending map[*goja.Promise]bool
}

func (r *rejections) track(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		if !r.pending[p] {
			r.pending[p] = true
			r.order = append(r.order, p)
		}
	case goja.PromiseRejectionHandle:
		delete(r.pending, p)
	}
}

// first returns the oldest rejection still unhandled, skipping skip.
func (r *rejections) first(skip *goja.Promise) *goja.Promise {
	for _, p := range r.order {
		if p != skip && r.pending[p] {
			return p
		}
	}
	return nil
}

// Execute runs a JavaScript script, drives its event loop until nothing
// keeps it alive and returns the result. Resources the script left open
// are closed before Execute returns.
func (r *Runtime) Execute(ctx context.Context, script, scriptName, executionID string) (*ExecuteResult, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("runtime is closed")
	}

	vm, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	sandbox := NewSandbox(r.config.SandboxConfig, r.config.Stdio, r.config.Version, r.logger)
	exec, err := sandbox.Setup(vm, ctx, scriptName, executionID)
	if err != nil {
		sandbox.Cleanup(vm)
		r.pool.Release(vm)
		return nil, err
	}

	start := time.Now()
	res, err := r.run(vm, exec, script, scriptName)
	sandbox.Cleanup(vm)

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || errors.Is(err, ErrTimeout) || errors.Is(err, operr.ErrInterrupted) {
		r.pool.Discard(vm)
	} else {
		r.pool.Release(vm)
	}
	if err != nil {
		r.logger.Debug().Err(err).Str("script", scriptName).Str("exec_id", executionID).Msg("execution failed")
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *Runtime) run(vm *goja.Runtime, exec *Execution, script, scriptName string) (*ExecuteResult, error) {
	rej := &rejections{pending: make(map[*goja.Promise]bool)}
	vm.SetPromiseRejectionTracker(rej.track)

	// The body runs as a block so top-level declarations do not leak into
	// the next execution on a pooled VM.
	prog, err := goja.Compile(scriptName, "{\n"+script+"\n}", false)
	if err != nil {
		return nil, wrapExecutionError(exec.Ctx, err, scriptName)
	}
	val, err := vm.RunProgram(prog)
	if err != nil {
		return nil, wrapExecutionError(exec.Ctx, err, scriptName)
	}
	if err := exec.Loop.Run(exec.Ctx); err != nil {
		return nil, wrapExecutionError(exec.Ctx, err, scriptName)
	}

	result, _ := exportPromise(val)
	if p := rej.first(result); p != nil {
		return nil, &ExecutionError{
			Script: scriptName,
			Cause:  fmt.Errorf("%w: %s", ErrUnhandledRejection, describe(p.Result())),
		}
	}

	if result != nil {
		switch result.State() {
		case goja.PromiseStateFulfilled:
			val = result.Result()
		case goja.PromiseStateRejected:
			return nil, &ExecutionError{
				Script: scriptName,
				Cause:  fmt.Errorf("%w: %s", ErrUnhandledRejection, describe(result.Result())),
			}
		default:
			val = nil
		}
	}
	return &ExecuteResult{Value: exportValue(val)}, nil
}

// ExecuteFile reads a file and executes its contents.
func (r *Runtime) ExecuteFile(ctx context.Context, filePath, executionID string) (*ExecuteResult, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}

	scriptName := filepath.Base(filePath)
	return r.Execute(ctx, string(content), scriptName, executionID)
}

// Stats returns the VM pool statistics.
func (r *Runtime) Stats() PoolStats {
	return r.pool.Stats()
}

// Close shuts down the runtime and releases resources.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.pool.Close()
}

func exportPromise(val goja.Value) (*goja.Promise, bool) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, false
	}
	p, ok := val.Export().(*goja.Promise)
	return p, ok
}

// describe renders a rejection reason, preferring an error's stack.
func describe(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
	}
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// exportValue converts goja values to Go values.
func exportValue(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
