// Package eventloop runs the jobs of one script execution on a single
// goroutine. Native completions are queued from any goroutine; the loop ends
// when no job is queued, no referenced op is pending and nothing holds it.
package eventloop

import (
	"context"
	"sync"

	"github.com/dop251/goja"

	"tether/internal/operr"
	"tether/internal/ops"
)

// Loop owns a VM for the duration of one execution.
type Loop struct {
	vm *goja.Runtime
	d  *ops.Dispatcher

	mu     sync.Mutex
	jobs   []func()
	holds  int
	wake   chan struct{}
	closed bool
}

// New creates a loop over vm whose liveness follows d.
func New(vm *goja.Runtime, d *ops.Dispatcher) *Loop {
	return &Loop{vm: vm, d: d, wake: make(chan struct{}, 1)}
}

// VM returns the runtime. It may only be used from jobs.
func (l *Loop) VM() *goja.Runtime { return l.vm }

// Dispatcher returns the op dispatcher of this execution.
func (l *Loop) Dispatcher() *ops.Dispatcher { return l.d }

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Enqueue schedules job on the loop goroutine. It reports false once the
// loop has stopped.
func (l *Loop) Enqueue(job func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()
	l.signal()
	return true
}

// Hold keeps the loop running until release is called. Bindings hold the
// loop while Go goroutines may still queue callbacks that no referenced op
// accounts for. release is idempotent.
func (l *Loop) Hold() (release func()) {
	l.mu.Lock()
	l.holds++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holds--
			l.mu.Unlock()
			l.signal()
		})
	}
}

func (l *Loop) take() ([]func(), int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := l.jobs
	l.jobs = nil
	return jobs, l.holds
}

// Run executes queued jobs until the loop is idle or ctx ends. A job that
// throws stops the loop and its error is returned.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.jobs = nil
		l.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return operr.Interrupted("run", ctx)
		}

		jobs, holds := l.take()
		if len(jobs) > 0 {
			for _, job := range jobs {
				if err := l.run(job); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return operr.Interrupted("run", ctx)
				}
			}
			continue
		}

		idle := l.d.IdleCh()
		select {
		case <-idle:
			if holds == 0 {
				// Settle callbacks queue their job before the op stops
				// counting, so an empty queue here is final.
				jobs, _ := l.take()
				if len(jobs) == 0 {
					return nil
				}
				l.requeue(jobs)
				continue
			}
			idle = nil
		default:
		}

		select {
		case <-l.wake:
		case <-idle:
		case <-ctx.Done():
		}
	}
}

func (l *Loop) requeue(jobs []func()) {
	l.mu.Lock()
	l.jobs = append(jobs, l.jobs...)
	l.mu.Unlock()
}

// run executes one job, turning JS exceptions and interrupts into errors.
func (l *Loop) run(job func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *goja.Exception:
				err = v
			case *goja.InterruptedError:
				err = v
			default:
				panic(r)
			}
		}
	}()
	job()
	return nil
}
