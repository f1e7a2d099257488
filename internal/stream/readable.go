package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"tether/internal/operr"
)

// Source produces chunks on demand. Pull returns io.EOF once exhausted.
type Source[T any] interface {
	Pull(ctx context.Context) (T, error)
	Cancel(reason error) error
}

// Readable is a pull-driven stream with a single-reader lock.
type Readable[T any] struct {
	src Source[T]

	mu     sync.Mutex
	locked bool
	done   bool
	err    error
}

// NewReadable wraps src.
func NewReadable[T any](src Source[T]) *Readable[T] {
	return &Readable[T]{src: src}
}

// Locked reports whether a reader currently holds the stream.
func (r *Readable[T]) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// GetReader locks the stream to a new reader. A second reader fails with
// ErrLocked until the first releases its lock.
func (r *Readable[T]) GetReader() (*StreamReader[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, operr.ErrLocked
	}
	r.locked = true
	return &StreamReader[T]{r: r}, nil
}

// Cancel discards the stream. It fails with ErrLocked while a reader holds it.
func (r *Readable[T]) Cancel(reason error) error {
	if r.Locked() {
		return operr.ErrLocked
	}
	return r.cancel(reason)
}

func (r *Readable[T]) cancel(reason error) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	r.mu.Unlock()
	return r.src.Cancel(reason)
}

func (r *Readable[T]) pull(ctx context.Context) (T, error) {
	var zero T
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return zero, err
	}
	if r.done {
		r.mu.Unlock()
		return zero, io.EOF
	}
	r.mu.Unlock()

	v, err := r.src.Pull(ctx)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, io.EOF) {
			r.done = true
		} else if !errors.Is(err, operr.ErrInterrupted) {
			r.err = err
		}
		r.mu.Unlock()
		return zero, err
	}
	return v, nil
}

// All ranges over the remaining chunks. The stream stays locked for the
// duration of the loop; breaking out early cancels it.
func (r *Readable[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		sr, err := r.GetReader()
		if err != nil {
			yield(zero, err)
			return
		}
		defer sr.ReleaseLock()
		for {
			v, err := sr.Read(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				_ = r.cancel(nil)
				return
			}
		}
	}
}

// PipeTo moves every chunk into w in order and closes it at the end.
func (r *Readable[T]) PipeTo(ctx context.Context, w *Writable[T]) error {
	sw, err := w.GetWriter()
	if err != nil {
		return err
	}
	defer sw.ReleaseLock()

	for v, err := range r.All(ctx) {
		if err != nil {
			_ = sw.Abort(err)
			return err
		}
		if err := sw.Write(ctx, v); err != nil {
			_ = r.cancel(err)
			return err
		}
	}
	return sw.Close(ctx)
}

// StreamReader is the exclusive consumer of a Readable. Reads are serialized
// so at most one pull is outstanding.
type StreamReader[T any] struct {
	r *Readable[T]

	mu       sync.Mutex
	released bool
}

// Read pulls the next chunk, or io.EOF once the stream is done.
func (sr *StreamReader[T]) Read(ctx context.Context) (T, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.released {
		var zero T
		return zero, &operr.InvalidStateError{Op: "read", State: "released"}
	}
	return sr.r.pull(ctx)
}

// Cancel discards the stream through the reader.
func (sr *StreamReader[T]) Cancel(reason error) error {
	return sr.r.cancel(reason)
}

// ReleaseLock detaches the reader so another may be acquired.
func (sr *StreamReader[T]) ReleaseLock() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.released {
		return
	}
	sr.released = true
	sr.r.mu.Lock()
	sr.r.locked = false
	sr.r.mu.Unlock()
}
