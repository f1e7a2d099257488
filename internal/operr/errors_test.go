package operr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBadResourceError_Is(t *testing.T) {
	err := fmt.Errorf("close: %w", &BadResourceError{ID: 9, Op: "close"})
	assert.ErrorIs(t, err, ErrBadResource)
	assert.Contains(t, err.Error(), "bad resource id 9")

	var bre *BadResourceError
	assert.True(t, errors.As(err, &bre))
	assert.Equal(t, uint32(9), bre.ID)
}

func TestInterrupted_Reason(t *testing.T) {
	reason := errors.New("aborted by caller")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(reason)

	err := Interrupted("op_read", ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, reason, Reason(err))

	plain := errors.New("boom")
	assert.Equal(t, plain, Reason(plain))
}

func TestTimeoutError_UnwrapsLast(t *testing.T) {
	last := errors.New("connection reset")
	err := &TimeoutError{Op: "close", After: 5 * time.Second, Last: last}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "5s")
}

func TestClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&BadResourceError{ID: 1}, "BadResource"},
		{&InterruptedError{Op: "op_read"}, "Interrupted"},
		{Invalid("code", "must be 1000"), "TypeError"},
		{&InvalidStateError{Op: "send", State: "closed"}, "InvalidStateError"},
		{&TimeoutError{Op: "close"}, "TimeoutError"},
		{&PathNotAllowedError{Path: "/etc"}, "PermissionDenied"},
		{ErrNotSupported, "NotSupported"},
		{ErrLocked, "TypeError"},
		{errors.New("other"), "Error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Class(tt.err), "%v", tt.err)
	}
}

func TestExecutionError(t *testing.T) {
	cause := &ScriptSyntaxError{File: "a.js", Message: "unexpected token"}
	err := &ExecutionError{Script: "a.js", Cause: cause}
	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, ErrScriptSyntax)
}
