package jsvm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
)

func TestNewVMPool_Defaults(t *testing.T) {
	pool := NewVMPool(PoolConfig{})
	defer pool.Close()

	stats := pool.Stats()
	if stats.MaxSize != 5 {
		t.Errorf("expected default MaxSize 5, got %d", stats.MaxSize)
	}
	if stats.Created != 0 {
		t.Errorf("expected Created 0, got %d", stats.Created)
	}
	if stats.IdleTimeout != 5*time.Minute {
		t.Errorf("expected IdleTimeout 5m, got %v", stats.IdleTimeout)
	}
}

func TestVMPool_AcquireRelease(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 2})
	defer pool.Close()

	ctx := context.Background()
	vm1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire VM: %v", err)
	}

	stats := pool.Stats()
	if stats.Created != 1 || stats.Active != 1 {
		t.Errorf("expected 1 created and active, got %+v", stats)
	}

	pool.Release(vm1)
	stats = pool.Stats()
	if stats.Active != 0 || stats.Pooled != 1 {
		t.Errorf("expected 0 active and 1 pooled, got %+v", stats)
	}

	vm2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire VM: %v", err)
	}
	if vm2 != vm1 {
		t.Error("expected the pooled VM to be reused")
	}
	pool.Release(vm2)
}

func TestVMPool_ReleaseRemovesHostGlobals(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1})
	defer pool.Close()

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = vm.Set("Tether", vm.NewObject())
	_ = vm.Set("setTimeout", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	pool.Release(vm)

	vm, err = pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(vm)
	for _, name := range []string{"Tether", "setTimeout"} {
		if v := vm.Get(name); v != nil && !goja.IsUndefined(v) {
			t.Errorf("%s survived release", name)
		}
	}
}

func TestVMPool_MaxUsesRecyclesVM(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1, MaxUses: 2})
	defer pool.Close()

	ctx := context.Background()
	first, _ := pool.Acquire(ctx)
	pool.Release(first)
	again, _ := pool.Acquire(ctx)
	if again != first {
		t.Fatal("expected reuse before MaxUses")
	}
	pool.Release(again)

	if stats := pool.Stats(); stats.Pooled != 0 || stats.Created != 0 {
		t.Fatalf("expected the VM to be dropped, got %+v", stats)
	}
	fresh, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == first {
		t.Error("expected a fresh VM after MaxUses")
	}
	pool.Release(fresh)
}

func TestVMPool_Discard(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})
	defer pool.Close()

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Discard(vm)

	stats := pool.Stats()
	if stats.Active != 0 || stats.Created != 0 || stats.Pooled != 0 {
		t.Errorf("expected empty pool, got %+v", stats)
	}

	// The slot is free again.
	next, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if next == vm {
		t.Error("discarded VM was handed out again")
	}
	pool.Release(next)
}

func TestVMPool_AcquireTimeout(t *testing.T) {
	pool := NewVMPool(PoolConfig{
		MaxSize:        1,
		AcquireTimeout: 100 * time.Millisecond,
	})
	defer pool.Close()

	vm1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire VM: %v", err)
	}

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	if err != ErrVMPoolExhausted {
		t.Errorf("expected ErrVMPoolExhausted, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("acquire timeout was not applied")
	}

	pool.Release(vm1)
}

func TestVMPool_WaiterGetsReleasedVM(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1, AcquireTimeout: 2 * time.Second})
	defer pool.Close()

	vm1, _ := pool.Acquire(context.Background())
	got := make(chan *goja.Runtime, 1)
	go func() {
		vm, err := pool.Acquire(context.Background())
		if err != nil {
			got <- nil
			return
		}
		got <- vm
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release(vm1)

	select {
	case vm := <-got:
		if vm != vm1 {
			t.Error("waiter should receive the released VM")
		}
		pool.Release(vm)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestVMPool_ConcurrentAccess(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 5})
	defer pool.Close()

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				vm, err := pool.Acquire(context.Background())
				if err != nil {
					continue
				}
				time.Sleep(time.Millisecond)
				pool.Release(vm)
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() == 0 {
		t.Error("expected at least some successful acquisitions")
	}
	if stats := pool.Stats(); stats.Active != 0 || stats.Created > 5 {
		t.Errorf("pool accounting off: %+v", stats)
	}
}

func TestVMPool_Close(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 2})

	vm, _ := pool.Acquire(context.Background())
	pool.Release(vm)

	if err := pool.Close(); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}
	if _, err := pool.Acquire(context.Background()); err != ErrVMPoolExhausted {
		t.Errorf("expected ErrVMPoolExhausted after close, got %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("double close should not error: %v", err)
	}
}

func TestVMPool_ReleaseNil(t *testing.T) {
	pool := NewVMPool(DefaultPoolConfig())
	defer pool.Close()

	pool.Release(nil)
	pool.Discard(nil)
}

func TestVMPool_ExpiredInstance(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 2, IdleTimeout: 10 * time.Millisecond})
	defer pool.Close()

	vm, _ := pool.Acquire(context.Background())
	pool.Release(vm)
	time.Sleep(50 * time.Millisecond)

	vm2, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire after expiry: %v", err)
	}
	if vm2 == vm {
		t.Error("expired VM was reused")
	}
	pool.Release(vm2)
}

func TestVMPool_EvictExpired(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 2, IdleTimeout: 10 * time.Millisecond})
	defer pool.Close()

	vm, _ := pool.Acquire(context.Background())
	pool.Release(vm)
	time.Sleep(30 * time.Millisecond)

	pool.evictExpired()
	if stats := pool.Stats(); stats.Pooled != 0 || stats.Created != 0 {
		t.Errorf("expected eviction, got %+v", stats)
	}
}
