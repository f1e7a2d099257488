package jsvm

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"tether/internal/ops"
)

func testStdio() (Stdio, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return Stdio{Stdin: bytes.NewReader(nil), Stdout: out, Stderr: &bytes.Buffer{}}, out
}

func TestSandboxSetupAndCleanup(t *testing.T) {
	stdio, _ := testStdio()
	sandbox := NewSandbox(DefaultSandboxConfig(), stdio, "1.0.0", zerolog.Nop())

	vm := goja.New()
	exec, err := sandbox.Setup(vm, context.Background(), "test.js", "exec-123")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	for _, name := range []string{"Tether", "console", "WebSocket", "setTimeout"} {
		if v := vm.Get(name); v == nil || goja.IsUndefined(v) {
			t.Errorf("%s not injected", name)
		}
	}
	if exec.Table.Len() != 3 {
		t.Errorf("expected the three stdio resources, got %d", exec.Table.Len())
	}

	sandbox.Cleanup(vm)

	select {
	case <-exec.Ctx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("context not cancelled after cleanup")
	}
	if exec.Table.Len() != 0 {
		t.Errorf("resources left after cleanup: %d", exec.Table.Len())
	}
	if v := vm.Get("Tether"); v != nil && !goja.IsUndefined(v) {
		t.Error("Tether not cleaned up")
	}
}

func TestSandboxTimeout(t *testing.T) {
	stdio, _ := testStdio()
	cfg := DefaultSandboxConfig()
	cfg.Timeout = 100 * time.Millisecond
	sandbox := NewSandbox(cfg, stdio, "", zerolog.Nop())

	vm := goja.New()
	if _, err := sandbox.Setup(vm, context.Background(), "test.js", "exec-timeout"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer sandbox.Cleanup(vm)

	_, err := vm.RunString(`while(true) {}`)
	if _, ok := err.(*goja.InterruptedError); !ok {
		t.Errorf("expected interrupt, got %v", err)
	}
}

func TestSandboxContextCancellation(t *testing.T) {
	stdio, _ := testStdio()
	cfg := DefaultSandboxConfig()
	cfg.Timeout = 5 * time.Second
	sandbox := NewSandbox(cfg, stdio, "", zerolog.Nop())

	vm := goja.New()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := sandbox.Setup(vm, ctx, "test.js", "exec-cancel"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer sandbox.Cleanup(vm)

	done := make(chan error, 1)
	go func() {
		_, err := vm.RunString(`while(true) {}`)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected interrupt error, got nil")
		}
	case <-time.After(time.Second):
		t.Error("execution did not stop after cancellation")
	}
}

func TestSandboxStdio(t *testing.T) {
	stdio, out := testStdio()
	sandbox := NewSandbox(DefaultSandboxConfig(), stdio, "", zerolog.Nop())

	vm := goja.New()
	if _, err := sandbox.Setup(vm, context.Background(), "test.js", "exec-stdio"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer sandbox.Cleanup(vm)

	if _, err := vm.RunString(`Tether.stdout.writeSync("out")`); err != nil {
		t.Fatal(err)
	}
	if out.String() != "out" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestSandboxObserve(t *testing.T) {
	stdio, _ := testStdio()
	var (
		mu       sync.Mutex
		attached *ops.Dispatcher
		detached bool
	)
	cfg := DefaultSandboxConfig()
	cfg.Observe = func(d *ops.Dispatcher) func() {
		mu.Lock()
		attached = d
		mu.Unlock()
		return func() {
			mu.Lock()
			detached = true
			mu.Unlock()
		}
	}
	sandbox := NewSandbox(cfg, stdio, "", zerolog.Nop())

	vm := goja.New()
	exec, err := sandbox.Setup(vm, context.Background(), "test.js", "exec-observe")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	sandbox.Cleanup(vm)

	mu.Lock()
	defer mu.Unlock()
	if attached != exec.Dispatcher {
		t.Error("observer not attached to the execution dispatcher")
	}
	if !detached {
		t.Error("observer not detached on cleanup")
	}
}

func TestSandboxConcurrentSetup(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			stdio, _ := testStdio()
			sandbox := NewSandbox(DefaultSandboxConfig(), stdio, "", zerolog.Nop())
			vm := goja.New()
			if _, err := sandbox.Setup(vm, context.Background(), "test.js", "exec-concurrent"); err != nil {
				errs <- err
				return
			}
			defer sandbox.Cleanup(vm)
			if _, err := vm.RunString(`1 + 1`); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent setup error: %v", err)
	}
}

func TestDefaultSandboxConfig(t *testing.T) {
	cfg := DefaultSandboxConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.MaxWriteSize != 10*1024*1024 {
		t.Errorf("MaxWriteSize = %d, want 10MB", cfg.MaxWriteSize)
	}
	if len(cfg.AllowedPaths) != 2 {
		t.Errorf("AllowedPaths length = %d, want 2", len(cfg.AllowedPaths))
	}
	if cfg.CloseTimeout != 5*time.Second {
		t.Errorf("CloseTimeout = %v, want 5s", cfg.CloseTimeout)
	}
}
