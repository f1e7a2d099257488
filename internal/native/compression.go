package native

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"tether/internal/operr"
	"tether/internal/ops"
)

// codec is an incremental compressor or decompressor. Write returns the
// output produced so far; Finish flushes the rest.
type codec interface {
	Write(p []byte) ([]byte, error)
	Finish() ([]byte, error)
	Close() error
}

// safeBuffer collects codec output from a background goroutine.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	return out
}

type encoder struct {
	w    io.WriteCloser
	out  *safeBuffer
	done bool
}

func newEncoder(format string) (*encoder, error) {
	out := &safeBuffer{}
	var (
		w   io.WriteCloser
		err error
	)
	switch format {
	case "gzip":
		w = gzip.NewWriter(out)
	case "deflate":
		w = zlib.NewWriter(out)
	case "deflate-raw":
		w, err = flate.NewWriter(out, flate.DefaultCompression)
	case "zstd":
		w, err = zstd.NewWriter(out)
	case "br":
		w = brotli.NewWriter(out)
	default:
		return nil, operr.Invalid("format", "unsupported compression format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return &encoder{w: w, out: out}, nil
}

func (e *encoder) Write(p []byte) ([]byte, error) {
	if e.done {
		return nil, &operr.InvalidStateError{Op: "write", State: "finished"}
	}
	if _, err := e.w.Write(p); err != nil {
		return nil, err
	}
	return e.out.drain(), nil
}

func (e *encoder) Finish() ([]byte, error) {
	if e.done {
		return nil, &operr.InvalidStateError{Op: "finish", State: "finished"}
	}
	e.done = true
	if err := e.w.Close(); err != nil {
		return nil, err
	}
	return e.out.drain(), nil
}

func (e *encoder) Close() error {
	if e.done {
		return nil
	}
	e.done = true
	return e.w.Close()
}

// decoder feeds input through a pipe to a reader running on its own
// goroutine.
type decoder struct {
	pw   *io.PipeWriter
	out  *safeBuffer
	done chan struct{}
	err  error
}

func newDecoder(format string) (*decoder, error) {
	switch format {
	case "gzip", "deflate", "deflate-raw", "zstd", "br":
	default:
		return nil, operr.Invalid("format", "unsupported compression format %q", format)
	}

	pr, pw := io.Pipe()
	d := &decoder{pw: pw, out: &safeBuffer{}, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		r, err := openDecoder(format, pr)
		if err == nil {
			_, err = io.Copy(d.out, r)
			r.Close()
		}
		d.err = err
		pr.CloseWithError(errDecoderDone)
	}()
	return d, nil
}

var errDecoderDone = errors.New("decoder finished")

func openDecoder(format string, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return zlib.NewReader(r)
	case "deflate-raw":
		return flate.NewReader(r), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(brotli.NewReader(r)), nil
	}
}

func (d *decoder) Write(p []byte) ([]byte, error) {
	if _, err := d.pw.Write(p); err != nil {
		if errors.Is(err, errDecoderDone) {
			<-d.done
			if d.err != nil {
				return nil, d.err
			}
			return nil, operr.Invalid("data", "trailing bytes after end of stream")
		}
		return nil, err
	}
	return d.out.drain(), nil
}

func (d *decoder) Finish() ([]byte, error) {
	d.pw.Close()
	<-d.done
	if d.err != nil {
		return nil, d.err
	}
	return d.out.drain(), nil
}

func (d *decoder) Close() error {
	d.pw.CloseWithError(operr.ErrClosed)
	<-d.done
	return nil
}

// compressor is the table resource wrapping a codec. Calls are serialized.
type compressor struct {
	mu sync.Mutex
	c  codec
}

func (c *compressor) Name() string { return "compression" }

func (c *compressor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Close()
}

func registerCompression(reg *ops.Registry, env *Env) {
	reg.Sync("op_compression_new", func(_ context.Context, a ops.Args) (any, error) {
		format, err := a.String(0)
		if err != nil {
			return nil, err
		}
		decompress, err := a.Bool(1)
		if err != nil {
			return nil, err
		}
		var c codec
		if decompress {
			c, err = newDecoder(format)
		} else {
			c, err = newEncoder(format)
		}
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(&compressor{c: c})
		if err != nil {
			c.Close()
			return nil, err
		}
		return record(rid), nil
	})

	reg.Async("op_compression_write", func(_ context.Context, a ops.Args) (any, error) {
		c, _, err := lookup[*compressor](env, a, "compress")
		if err != nil {
			return nil, err
		}
		p, err := a.Bytes(1)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.c.Write(p)
	})

	reg.Async("op_compression_finish", func(_ context.Context, a ops.Args) (any, error) {
		c, _, err := lookup[*compressor](env, a, "finish")
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.c.Finish()
	})
}
