package handle

import (
	"context"

	"tether/internal/ops"
)

// Compressor transforms bytes through a native (de)compression resource.
type Compressor struct {
	*Handle
	format     string
	decompress bool
}

// NewCompressor creates a compressor for format: "gzip", "deflate",
// "deflate-raw", "zstd" or "br".
func NewCompressor(d *ops.Dispatcher, format string, decompress bool) (*Compressor, error) {
	v, err := d.Sync("op_compression_new", format, decompress)
	if err != nil {
		return nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, err
	}
	return &Compressor{Handle: Bind(d, "compression", rid), format: format, decompress: decompress}, nil
}

// Format returns the codec name.
func (c *Compressor) Format() string { return c.format }

// Write feeds p and returns whatever output the codec produced so far.
func (c *Compressor) Write(ctx context.Context, p []byte) ([]byte, error) {
	return ops.Await[[]byte](ctx, c.Async(ctx, "op_compression_write", p))
}

// Finish flushes the codec and returns the trailing output.
func (c *Compressor) Finish(ctx context.Context) ([]byte, error) {
	return ops.Await[[]byte](ctx, c.Async(ctx, "op_compression_finish"))
}

// Close releases the codec. Repeated calls are no-ops.
func (c *Compressor) Close() error {
	return c.CloseOnce()
}
