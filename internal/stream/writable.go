package stream

import (
	"context"
	"sync"

	"tether/internal/operr"
)

// Sink consumes chunks. Write is never called concurrently.
type Sink[T any] interface {
	Write(ctx context.Context, chunk T) error
	Close(ctx context.Context) error
	Abort(reason error) error
}

// DefaultHighWaterMark is the queue length at which a writer reports
// backpressure.
const DefaultHighWaterMark = 1

type writableState uint8

const (
	stateWritable writableState = iota
	stateClosing
	stateClosed
	stateErrored
)

type writeRequest[T any] struct {
	ctx   context.Context
	chunk T
	done  chan error
}

// Writable is a push stream whose chunks reach the sink strictly in
// submission order: chunk N's write completes before chunk N+1 starts.
type Writable[T any] struct {
	sink Sink[T]
	hwm  int

	mu      sync.Mutex
	locked  bool
	state   writableState
	err     error
	queue   []writeRequest[T]
	running bool
	ready   chan struct{}
	idle    chan struct{}
}

// NewWritable wraps sink. A highWaterMark below 1 uses DefaultHighWaterMark.
func NewWritable[T any](sink Sink[T], highWaterMark int) *Writable[T] {
	if highWaterMark < 1 {
		highWaterMark = DefaultHighWaterMark
	}
	w := &Writable[T]{
		sink:  sink,
		hwm:   highWaterMark,
		ready: make(chan struct{}),
		idle:  make(chan struct{}),
	}
	close(w.ready)
	close(w.idle)
	return w
}

// Locked reports whether a writer currently holds the stream.
func (w *Writable[T]) Locked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locked
}

// GetWriter locks the stream to a new writer. A second writer fails with
// ErrLocked until the first releases its lock.
func (w *Writable[T]) GetWriter() (*StreamWriter[T], error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locked {
		return nil, operr.ErrLocked
	}
	w.locked = true
	return &StreamWriter[T]{w: w}, nil
}

// signal refreshes the ready and idle channels. Callers hold w.mu.
func (w *Writable[T]) signal() {
	if len(w.queue) < w.hwm {
		select {
		case <-w.ready:
		default:
			close(w.ready)
		}
	} else {
		select {
		case <-w.ready:
			w.ready = make(chan struct{})
		default:
		}
	}

	if len(w.queue) == 0 && !w.running {
		select {
		case <-w.idle:
		default:
			close(w.idle)
		}
	} else {
		select {
		case <-w.idle:
			w.idle = make(chan struct{})
		default:
		}
	}
}

func (w *Writable[T]) enqueue(ctx context.Context, chunk T) <-chan error {
	done := make(chan error, 1)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case stateErrored:
		done <- w.err
		return done
	case stateClosing, stateClosed:
		done <- &operr.InvalidStateError{Op: "write", State: "closed"}
		return done
	}

	w.queue = append(w.queue, writeRequest[T]{ctx: ctx, chunk: chunk, done: done})
	if !w.running {
		w.running = true
		go w.drain()
	}
	w.signal()
	return done
}

// drain runs the queue head to completion before looking at the next one.
func (w *Writable[T]) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.signal()
			w.mu.Unlock()
			return
		}
		req := w.queue[0]
		err := w.err
		w.mu.Unlock()

		if err == nil {
			err = w.sink.Write(req.ctx, req.chunk)
		}

		w.mu.Lock()
		w.queue = w.queue[1:]
		if err != nil && w.state != stateErrored {
			w.state = stateErrored
			w.err = err
		}
		w.signal()
		w.mu.Unlock()
		req.done <- err
	}
}

func (w *Writable[T]) desiredSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateWritable {
		return 0
	}
	return w.hwm - len(w.queue)
}

func (w *Writable[T]) readyCh() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

func (w *Writable[T]) close(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case stateErrored:
		err := w.err
		w.mu.Unlock()
		return err
	case stateClosing, stateClosed:
		w.mu.Unlock()
		return &operr.InvalidStateError{Op: "close", State: "closed"}
	}
	w.state = stateClosing
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return operr.Interrupted("close", ctx)
	}

	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()

	err := w.sink.Close(ctx)
	w.mu.Lock()
	if err != nil {
		w.state = stateErrored
		w.err = err
	} else {
		w.state = stateClosed
	}
	w.mu.Unlock()
	return err
}

func (w *Writable[T]) abort(reason error) error {
	w.mu.Lock()
	if w.state == stateClosed || w.state == stateErrored {
		w.mu.Unlock()
		return nil
	}
	if reason == nil {
		reason = &operr.InvalidStateError{Op: "write", State: "aborted"}
	}
	w.state = stateErrored
	w.err = reason
	w.mu.Unlock()
	return w.sink.Abort(reason)
}

// StreamWriter is the exclusive producer of a Writable.
type StreamWriter[T any] struct {
	w *Writable[T]

	mu       sync.Mutex
	released bool
}

func (sw *StreamWriter[T]) check(op string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.released {
		return &operr.InvalidStateError{Op: op, State: "released"}
	}
	return nil
}

// Enqueue submits chunk and returns a channel that receives the outcome of
// its write. Enqueue does not wait for backpressure.
func (sw *StreamWriter[T]) Enqueue(ctx context.Context, chunk T) <-chan error {
	if err := sw.check("write"); err != nil {
		done := make(chan error, 1)
		done <- err
		return done
	}
	return sw.w.enqueue(ctx, chunk)
}

// Write submits chunk and waits for the sink to accept it.
func (sw *StreamWriter[T]) Write(ctx context.Context, chunk T) error {
	done := sw.Enqueue(ctx, chunk)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return operr.Interrupted("write", ctx)
	}
}

// DesiredSize is the room left before the high-water mark. Zero or less
// means the producer should wait on Ready.
func (sw *StreamWriter[T]) DesiredSize() int { return sw.w.desiredSize() }

// Ready is closed while DesiredSize is positive.
func (sw *StreamWriter[T]) Ready() <-chan struct{} { return sw.w.readyCh() }

// Close waits for queued writes to finish and closes the sink.
func (sw *StreamWriter[T]) Close(ctx context.Context) error {
	if err := sw.check("close"); err != nil {
		return err
	}
	return sw.w.close(ctx)
}

// Abort errors the stream and drops writes that have not started.
func (sw *StreamWriter[T]) Abort(reason error) error {
	if err := sw.check("abort"); err != nil {
		return err
	}
	return sw.w.abort(reason)
}

// ReleaseLock detaches the writer so another may be acquired.
func (sw *StreamWriter[T]) ReleaseLock() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.released {
		return
	}
	sw.released = true
	sw.w.mu.Lock()
	sw.w.locked = false
	sw.w.mu.Unlock()
}
