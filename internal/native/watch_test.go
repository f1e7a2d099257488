package native

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/handle"
	"tether/internal/operr"
)

func TestWatchReportsCreate(t *testing.T) {
	d, env := newTestEnv(t)
	ctx := testCtx(t)
	dir, err := filepath.EvalSymlinks(env.Permissions.AllowedPaths[0])
	require.NoError(t, err)

	w, err := handle.Watch(d, []string{dir}, true)
	require.NoError(t, err)

	path := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	var kinds []string
	for {
		ev, err := w.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{path}, ev.Paths)
		kinds = append(kinds, ev.Kind)
		if ev.Kind == "create" {
			break
		}
		require.Less(t, len(kinds), 4, "no create event in %v", kinds)
	}

	require.NoError(t, w.Close())
	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWatchPollEndsOnClose(t *testing.T) {
	d, env := newTestEnv(t)
	ctx := testCtx(t)

	w, err := handle.Watch(d, []string{env.Permissions.AllowedPaths[0]}, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Next(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, <-done, io.EOF)
}

func TestWatchOutsideAllowedPaths(t *testing.T) {
	d, _ := newTestEnv(t)

	_, err := handle.Watch(d, []string{os.TempDir()}, false)
	assert.ErrorIs(t, err, operr.ErrPermission)
}

func TestCronTicks(t *testing.T) {
	d, _ := newTestEnv(t)
	ctx := testCtx(t)

	job, err := handle.Cron(d, "tick", "@every 1s")
	require.NoError(t, err)

	ok, err := job.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = handle.Cron(d, "tick", "* * * * * *")
	assert.Error(t, err, "job names are unique")

	done := make(chan bool, 1)
	go func() {
		ok, _ := job.Next(ctx)
		done <- ok
	}()
	require.NoError(t, job.Close())
	assert.False(t, <-done)

	_, err = handle.Cron(d, "bad", "not a schedule")
	assert.ErrorIs(t, err, operr.ErrValidation)
}
