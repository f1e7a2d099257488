package stream

import (
	"context"
	"io"
)

type byteSource struct {
	r      Reader
	size   int
	cancel func(reason error) error
}

func (s *byteSource) Pull(ctx context.Context) ([]byte, error) {
	buf := make([]byte, s.size)
	n, err := s.r.Read(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (s *byteSource) Cancel(reason error) error {
	if s.cancel == nil {
		return nil
	}
	return s.cancel(reason)
}

// ReadableFrom exposes r as a readable byte stream. Each chunk is a fresh
// buffer of up to chunkSize bytes. onCancel, if set, runs when the stream is
// cancelled.
func ReadableFrom(r Reader, chunkSize int, onCancel func(reason error) error) *Readable[[]byte] {
	if chunkSize <= 0 {
		chunkSize = ReadAllChunkSize
	}
	return NewReadable[[]byte](&byteSource{r: r, size: chunkSize, cancel: onCancel})
}

// ByteSink adapts a Writer into a Sink. Each chunk is written completely.
type ByteSink struct {
	W       Writer
	OnClose func(ctx context.Context) error
	OnAbort func(reason error) error
}

func (s *ByteSink) Write(ctx context.Context, chunk []byte) error {
	_, err := WriteAll(ctx, s.W, chunk)
	return err
}

func (s *ByteSink) Close(ctx context.Context) error {
	if s.OnClose == nil {
		return nil
	}
	return s.OnClose(ctx)
}

func (s *ByteSink) Abort(reason error) error {
	if s.OnAbort == nil {
		return nil
	}
	return s.OnAbort(reason)
}

// WritableTo exposes w as a writable byte stream with ordered writes.
func WritableTo(w Writer, onClose func(ctx context.Context) error) *Writable[[]byte] {
	return NewWritable[[]byte](&ByteSink{W: w, OnClose: onClose}, DefaultHighWaterMark)
}

type ioReader struct{ r io.Reader }

func (a ioReader) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, interrupted("read", ctx)
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := a.r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// FromReader adapts a standard io.Reader. Zero-byte reads with a nil error
// are retried so the result honours the Reader contract.
func FromReader(r io.Reader) Reader { return ioReader{r: r} }

type ioWriter struct{ w io.Writer }

func (a ioWriter) Write(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, interrupted("write", ctx)
	}
	return a.w.Write(p)
}

// FromWriter adapts a standard io.Writer.
func FromWriter(w io.Writer) Writer { return ioWriter{w: w} }

type stdReader struct {
	ctx context.Context
	r   Reader
}

func (a stdReader) Read(p []byte) (int, error) {
	return a.r.Read(a.ctx, p)
}

// ToReader adapts a Reader into a standard io.Reader bound to ctx.
func ToReader(ctx context.Context, r Reader) io.Reader { return stdReader{ctx: ctx, r: r} }
