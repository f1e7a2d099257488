// Package operr provides the error classifications shared by the op boundary,
// the handle wrappers and the script runtime.
// It lives apart from those packages to avoid import cycles between them.
package operr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for op dispatch.
var (
	// ErrBadResource indicates the resource id no longer names a live resource.
	ErrBadResource = errors.New("tether: bad resource id")

	// ErrInterrupted indicates a suspendable op was cancelled by its signal.
	ErrInterrupted = errors.New("tether: operation interrupted")

	// ErrLocked indicates a stream already has an active reader or writer.
	ErrLocked = errors.New("tether: stream is locked")

	// ErrNotSupported indicates the resource lacks the requested capability.
	ErrNotSupported = errors.New("tether: operation not supported by resource")

	// ErrClosed indicates the table or dispatcher has been shut down.
	ErrClosed = errors.New("tether: runtime closed")

	// ErrPermission indicates the sandbox refused access.
	ErrPermission = errors.New("tether: permission denied")

	// ErrTimeout indicates script execution exceeded the timeout limit.
	ErrTimeout = errors.New("tether: execution timeout")

	// ErrVMPoolExhausted indicates no VM instances available in the pool.
	ErrVMPoolExhausted = errors.New("tether: vm pool exhausted")
)

// BadResourceError reports an operation against a dead resource id.
type BadResourceError struct {
	ID uint32
	Op string
}

func (e *BadResourceError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("tether: %s: bad resource id %d", e.Op, e.ID)
	}
	return fmt.Sprintf("tether: bad resource id %d", e.ID)
}

// Is implements errors.Is for BadResourceError.
func (e *BadResourceError) Is(target error) bool {
	if target == ErrBadResource {
		return true
	}
	_, ok := target.(*BadResourceError)
	return ok
}

// InterruptedError reports a suspendable op cancelled through its context.
// Cause carries the cancellation reason (context.Cause of the signal).
type InterruptedError struct {
	Op    string
	Cause error
}

func (e *InterruptedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tether: %s interrupted: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("tether: %s interrupted", e.Op)
}

// Is implements errors.Is for InterruptedError.
func (e *InterruptedError) Is(target error) bool {
	if target == ErrInterrupted {
		return true
	}
	_, ok := target.(*InterruptedError)
	return ok
}

// Interrupted builds an InterruptedError from a finished context.
func Interrupted(op string, ctx context.Context) *InterruptedError {
	return &InterruptedError{Op: op, Cause: context.Cause(ctx)}
}

// Reason maps an Interrupted error back to the reason carried by the
// cancellation source. Other errors are returned unchanged.
func Reason(err error) error {
	var ie *InterruptedError
	if errors.As(err, &ie) && ie.Cause != nil {
		return ie.Cause
	}
	return err
}

// ValidationError is raised before any op is dispatched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("tether: invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("tether: invalid argument: %s", e.Message)
}

// Is implements errors.Is for ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ErrValidation is a sentinel for errors.Is matching.
var ErrValidation = &ValidationError{}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation not permitted in the current state.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("tether: cannot %s in state %s", e.Op, e.State)
}

// Is implements errors.Is for InvalidStateError.
func (e *InvalidStateError) Is(target error) bool {
	_, ok := target.(*InvalidStateError)
	return ok
}

// ErrInvalidState is a sentinel for errors.Is matching.
var ErrInvalidState = &InvalidStateError{}

// TimeoutError reports a protocol level deadline that passed.
// Last carries the last native error observed, if any.
type TimeoutError struct {
	Op    string
	After time.Duration
	Last  error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("tether: %s timed out after %s: %v", e.Op, e.After, e.Last)
	}
	return fmt.Sprintf("tether: %s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Is implements errors.Is for TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok
}

// PathNotAllowedError indicates a file path is not in the allowed whitelist.
type PathNotAllowedError struct {
	Path string
}

func (e *PathNotAllowedError) Error() string {
	return fmt.Sprintf("tether: path not allowed: %s", e.Path)
}

// Is implements errors.Is for PathNotAllowedError.
func (e *PathNotAllowedError) Is(target error) bool {
	if target == ErrPermission {
		return true
	}
	_, ok := target.(*PathNotAllowedError)
	return ok
}

// ScriptSyntaxError indicates a JavaScript syntax error.
type ScriptSyntaxError struct {
	File    string
	Message string
}

func (e *ScriptSyntaxError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("tether: syntax error in %s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("tether: syntax error: %s", e.Message)
}

// Is implements errors.Is for ScriptSyntaxError.
func (e *ScriptSyntaxError) Is(target error) bool {
	_, ok := target.(*ScriptSyntaxError)
	return ok
}

// ErrScriptSyntax is a sentinel for errors.Is matching.
var ErrScriptSyntax = &ScriptSyntaxError{}

// ExecutionError wraps runtime errors during script execution.
type ExecutionError struct {
	Script string
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.Script != "" {
		return fmt.Sprintf("tether: execution error in %s: %v", e.Script, e.Cause)
	}
	return fmt.Sprintf("tether: execution error: %v", e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for ExecutionError.
func (e *ExecutionError) Is(target error) bool {
	_, ok := target.(*ExecutionError)
	return ok
}

// ErrExecution is a sentinel for errors.Is matching.
var ErrExecution = &ExecutionError{}

// Class returns the classification name used when an error crosses into
// script land.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadResource):
		return "BadResource"
	case errors.Is(err, ErrInterrupted):
		return "Interrupted"
	case errors.Is(err, ErrValidation):
		return "TypeError"
	case errors.Is(err, ErrInvalidState):
		return "InvalidStateError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrPermission):
		return "PermissionDenied"
	case errors.Is(err, ErrNotSupported):
		return "NotSupported"
	case errors.Is(err, ErrLocked):
		return "TypeError"
	default:
		return "Error"
	}
}
