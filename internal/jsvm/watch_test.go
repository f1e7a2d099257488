package jsvm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type watchResult struct {
	run int
	val any
	err error
}

func TestWatcherRerunsOnChange(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "main.js")
	if err := os.WriteFile(script, []byte(`1`), 0644); err != nil {
		t.Fatal(err)
	}

	rt := newTestRuntime(t, nil)
	w, err := NewWatcher(rt, script, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	results := make(chan watchResult, 10)
	w.OnResult = func(run int, res *ExecuteResult, err error) {
		r := watchResult{run: run, err: err}
		if res != nil {
			r.val = res.Value
		}
		results <- r
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	expect := func(want int64) {
		t.Helper()
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("run %d failed: %v", r.run, r.err)
			}
			if r.val != want {
				t.Fatalf("run %d: got %v, want %d", r.run, r.val, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no run produced %d", want)
		}
	}
	expect(1)

	// Give the watcher a moment to be registered before changing the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(script, []byte(`2`), 0644); err != nil {
		t.Fatal(err)
	}
	expect(2)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherCancelsLongRun(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "loop.js")
	if err := os.WriteFile(script, []byte(`setInterval(() => {}, 10)`), 0644); err != nil {
		t.Fatal(err)
	}

	rt := newTestRuntime(t, nil)
	w, err := NewWatcher(rt, script, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	results := make(chan watchResult, 10)
	w.OnResult = func(run int, _ *ExecuteResult, err error) {
		results <- watchResult{run: run, err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case r := <-results:
		if r.err == nil {
			t.Error("interrupted run should report an error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long run was not cancelled")
	}
	<-done
}
