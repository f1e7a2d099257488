package jsvm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"tether/internal/jsvm/hostapi"
	"tether/internal/operr"
)

// PoolConfig holds configuration for the VM pool.
type PoolConfig struct {
	// MaxSize is the maximum number of VM instances alive at once.
	MaxSize int
	// IdleTimeout is the duration after which a pooled VM is evicted.
	IdleTimeout time.Duration
	// AcquireTimeout is the maximum time to wait for a VM.
	AcquireTimeout time.Duration
	// MaxUses recycles a VM after this many executions (0 = unlimited).
	MaxUses int
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        5,
		IdleTimeout:    5 * time.Minute,
		AcquireTimeout: 5 * time.Second,
		MaxUses:        100,
	}
}

type vmInstance struct {
	vm       *goja.Runtime
	uses     int
	pooledAt time.Time
}

func (v *vmInstance) isExpired(idleTimeout time.Duration) bool {
	return time.Since(v.pooledAt) > idleTimeout
}

// VMPool manages a pool of goja.Runtime instances. A VM is used by one
// execution at a time; between executions its host globals are removed.
type VMPool struct {
	pool           chan *vmInstance
	maxSize        int
	maxUses        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	createCount    atomic.Int64
	activeCount    atomic.Int64

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	wg       sync.WaitGroup
	uses     map[*goja.Runtime]int
}

// NewVMPool creates a new VM pool with the given configuration.
func NewVMPool(cfg PoolConfig) *VMPool {
	def := DefaultPoolConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}

	p := &VMPool{
		pool:           make(chan *vmInstance, cfg.MaxSize),
		maxSize:        cfg.MaxSize,
		maxUses:        cfg.MaxUses,
		idleTimeout:    cfg.IdleTimeout,
		acquireTimeout: cfg.AcquireTimeout,
		closedCh:       make(chan struct{}),
		uses:           make(map[*goja.Runtime]int),
	}

	p.wg.Add(1)
	go p.cleanupLoop()

	return p
}

func (p *VMPool) checkout(inst *vmInstance) *goja.Runtime {
	p.mu.Lock()
	p.uses[inst.vm] = inst.uses
	p.mu.Unlock()
	p.activeCount.Add(1)
	return inst.vm
}

// reuse checks out a pooled VM unless it idled out, in which case its
// slot is given back and nil returned.
func (p *VMPool) reuse(inst *vmInstance) *goja.Runtime {
	if inst == nil {
		return nil
	}
	if inst.isExpired(p.idleTimeout) {
		p.createCount.Add(-1)
		return nil
	}
	return p.checkout(inst)
}

// Acquire takes a pooled VM or creates one. It blocks until a VM is
// available, the acquire timeout passes or ctx ends.
func (p *VMPool) Acquire(ctx context.Context) (*goja.Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, operr.ErrVMPoolExhausted
	}
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	select {
	case inst := <-p.pool:
		if vm := p.reuse(inst); vm != nil {
			return vm, nil
		}
	default:
	}

	for {
		current := p.createCount.Load()
		if current >= int64(p.maxSize) {
			break
		}
		if p.createCount.CompareAndSwap(current, current+1) {
			return p.checkout(&vmInstance{vm: goja.New()}), nil
		}
	}

	select {
	case inst := <-p.pool:
		if vm := p.reuse(inst); vm != nil {
			return vm, nil
		}
		if inst == nil {
			return nil, operr.ErrVMPoolExhausted
		}
		// The expired VM's slot passes to a fresh one.
		p.createCount.Add(1)
		return p.checkout(&vmInstance{vm: goja.New()}), nil
	case <-ctx.Done():
		return nil, operr.ErrVMPoolExhausted
	case <-p.closedCh:
		return nil, operr.ErrVMPoolExhausted
	}
}

// Release returns a VM to the pool after removing the host globals. VMs
// past MaxUses are dropped instead.
func (p *VMPool) Release(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	p.activeCount.Add(-1)

	p.mu.Lock()
	uses := p.uses[vm] + 1
	delete(p.uses, vm)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if p.maxUses > 0 && uses >= p.maxUses {
		p.createCount.Add(-1)
		return
	}

	resetVM(vm)
	p.put(&vmInstance{vm: vm, uses: uses, pooledAt: time.Now()})
}

// put parks inst in the pool. It is dropped when the pool is full or
// closed; holding mu keeps the send ordered before Close closes the channel.
func (p *VMPool) put(inst *vmInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.createCount.Add(-1)
		return
	}
	select {
	case p.pool <- inst:
	default:
		p.createCount.Add(-1)
	}
}

// Discard drops a VM that must not be reused, e.g. after an interrupt.
func (p *VMPool) Discard(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	p.activeCount.Add(-1)
	p.createCount.Add(-1)
	p.mu.Lock()
	delete(p.uses, vm)
	p.mu.Unlock()
}

// resetVM removes what an execution installed on vm.
func resetVM(vm *goja.Runtime) {
	hostapi.Unregister(vm)
	vm.SetPromiseRejectionTracker(nil)
	vm.ClearInterrupt()
}

// Close shuts down the pool and releases all resources.
func (p *VMPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	close(p.pool)
	for range p.pool {
		p.createCount.Add(-1)
	}

	p.wg.Wait()
	return nil
}

func (p *VMPool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.closedCh:
			return
		}
	}
}

// evictExpired drops pooled VMs idle for longer than the idle timeout.
func (p *VMPool) evictExpired() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var kept []*vmInstance
drain:
	for {
		select {
		case inst := <-p.pool:
			if inst == nil {
				continue
			}
			if inst.isExpired(p.idleTimeout) {
				p.createCount.Add(-1)
			} else {
				kept = append(kept, inst)
			}
		default:
			break drain
		}
	}

	for _, inst := range kept {
		p.put(inst)
	}
}

// Stats returns current pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		MaxSize:     p.maxSize,
		Created:     int(p.createCount.Load()),
		Active:      int(p.activeCount.Load()),
		Pooled:      len(p.pool),
		IdleTimeout: p.idleTimeout,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxSize     int
	Created     int
	Active      int
	Pooled      int
	IdleTimeout time.Duration
}
