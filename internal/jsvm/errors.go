// Package jsvm runs scripts on pooled goja VMs. Each execution gets its own
// resource table, op dispatcher and event loop.
package jsvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"tether/internal/operr"
)

// Re-exported so callers of the runtime need not import operr.
var (
	ErrTimeout         = operr.ErrTimeout
	ErrVMPoolExhausted = operr.ErrVMPoolExhausted
	ErrScriptSyntax    = operr.ErrScriptSyntax
	ErrExecution       = operr.ErrExecution
)

type ScriptSyntaxError = operr.ScriptSyntaxError
type ExecutionError = operr.ExecutionError

// ErrUnhandledRejection is the cause of an execution that ended with a
// rejected promise nobody handled.
var ErrUnhandledRejection = errors.New("jsvm: uncaught (in promise)")

// wrapExecutionError converts goja errors to structured errors. An
// interrupt caused by the execution deadline becomes ErrTimeout.
func wrapExecutionError(ctx context.Context, err error, scriptName string) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || errors.Is(err, operr.ErrInterrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ExecutionError{Script: scriptName, Cause: ErrTimeout}
		}
		return &ExecutionError{Script: scriptName, Cause: operr.Interrupted("execute", ctx)}
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ExecutionError{
			Script: scriptName,
			Cause:  fmt.Errorf("exception: %s", exception.String()),
		}
	}

	var compileErr *goja.CompilerSyntaxError
	if errors.As(err, &compileErr) {
		return &ScriptSyntaxError{
			File:    scriptName,
			Message: compileErr.Error(),
		}
	}

	return &ExecutionError{Script: scriptName, Cause: err}
}
