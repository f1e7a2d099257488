// Package stream adapts handle-level read/write calls into bulk transfers,
// chunk iterators and locked readable/writable streams.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"

	"tether/internal/operr"
)

const (
	// DefaultCopyBufSize is the buffer Copy allocates when none is given.
	DefaultCopyBufSize = 32 * 1024
	// ReadAllChunkSize is the size of each fresh chunk ReadAll reads into.
	ReadAllChunkSize = 64 * 1024
)

// Reader is a pull-based byte source. It returns io.EOF at end of stream and
// never returns 0 with a nil error for a non-empty p.
type Reader interface {
	Read(ctx context.Context, p []byte) (int, error)
}

// Writer is a push-based byte sink. Writes may be partial.
type Writer interface {
	Write(ctx context.Context, p []byte) (int, error)
}

// CopyOptions tunes Copy.
type CopyOptions struct {
	BufSize int
}

func interrupted(op string, ctx context.Context) error {
	if ctx.Err() != nil {
		return operr.Interrupted(op, ctx)
	}
	return nil
}

// WriteAll writes p completely, looping over partial writes.
func WriteAll(ctx context.Context, w Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if err := interrupted("write", ctx); err != nil {
			return written, err
		}
		n, err := w.Write(ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Copy moves bytes from src to dst until EOF using one reusable buffer and
// returns the number of bytes moved.
func Copy(ctx context.Context, dst Writer, src Reader, opts *CopyOptions) (int64, error) {
	size := DefaultCopyBufSize
	if opts != nil && opts.BufSize > 0 {
		size = opts.BufSize
	}
	buf := make([]byte, size)

	var total int64
	for {
		if err := interrupted("copy", ctx); err != nil {
			return total, err
		}
		n, err := src.Read(ctx, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		w, err := WriteAll(ctx, dst, buf[:n])
		total += int64(w)
		if err != nil {
			return total, err
		}
	}
	return total, interrupted("copy", ctx)
}

// ReadAll reads src to EOF into fresh 64 KiB chunks and joins them with a
// single final allocation.
func ReadAll(ctx context.Context, src Reader) ([]byte, error) {
	chunks, total, err := readChunks(ctx, src)
	if err != nil {
		return nil, err
	}
	return join(chunks, total), nil
}

func readChunks(ctx context.Context, src Reader) ([][]byte, int, error) {
	var chunks [][]byte
	total := 0
	for {
		if err := interrupted("readAll", ctx); err != nil {
			return nil, 0, err
		}
		buf := make([]byte, ReadAllChunkSize)
		n, err := src.Read(ctx, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		chunks = append(chunks, buf[:n])
		total += n
	}
	if err := interrupted("readAll", ctx); err != nil {
		return nil, 0, err
	}
	return chunks, total, nil
}

func join(chunks [][]byte, total int) []byte {
	out := make([]byte, total)
	off := 0
	for _, c := range chunks {
		off += copy(out[off:], c)
	}
	return out
}

// ReadAllSized reads src when its length is expected to be size. One extra
// byte is allocated so a source longer than announced is detected; the tail
// is then read with ReadAll and appended. A shorter source yields what it had.
func ReadAllSized(ctx context.Context, src Reader, size int64) ([]byte, error) {
	if size < 0 {
		return ReadAll(ctx, src)
	}
	buf := make([]byte, size+1)
	cursor := int64(0)
	for cursor < size {
		if err := interrupted("readAll", ctx); err != nil {
			return nil, err
		}
		n, err := src.Read(ctx, buf[cursor:])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cursor += int64(n)
	}
	if err := interrupted("readAll", ctx); err != nil {
		return nil, err
	}

	if cursor > size {
		chunks, total, err := readChunks(ctx, src)
		if err != nil {
			return nil, err
		}
		head := buf[:cursor]
		return join(append([][]byte{head}, chunks...), len(head)+total), nil
	}
	if cursor == size {
		// Probe for bytes past the announced end.
		n, err := src.Read(ctx, buf[size:])
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if n > 0 {
			chunks, total, err := readChunks(ctx, src)
			if err != nil {
				return nil, err
			}
			head := buf[:size+int64(n)]
			return join(append([][]byte{head}, chunks...), len(head)+total), nil
		}
	}
	return buf[:cursor], nil
}

// ErrIterated is yielded by a Chunks sequence ranged over a second time.
var ErrIterated = errors.New("stream: chunk sequence already consumed")

// Chunks returns a lazy, finite sequence of reads into one reusable buffer of
// the given size. Yielded slices are only valid until the next iteration.
// The sequence can be ranged over once.
func Chunks(ctx context.Context, src Reader, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultCopyBufSize
	}
	var used atomic.Bool
	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrIterated)
			return
		}
		buf := make([]byte, size)
		for {
			if err := interrupted("read", ctx); err != nil {
				yield(nil, err)
				return
			}
			n, err := src.Read(ctx, buf)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(buf[:n], nil) {
				return
			}
		}
	}
}
