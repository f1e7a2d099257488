package native

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/handle"
	"tether/internal/operr"
)

func TestCompressionRoundTrip(t *testing.T) {
	input := []byte(strings.Repeat("tether resource table ", 512))

	for _, format := range []string{"gzip", "deflate", "deflate-raw", "zstd", "br"} {
		t.Run(format, func(t *testing.T) {
			d, env := newTestEnv(t)
			ctx := testCtx(t)

			enc, err := handle.NewCompressor(d, format, false)
			require.NoError(t, err)
			var packed bytes.Buffer
			for chunk := range slices.Chunk(input, 1000) {
				out, err := enc.Write(ctx, chunk)
				require.NoError(t, err)
				packed.Write(out)
			}
			out, err := enc.Finish(ctx)
			require.NoError(t, err)
			packed.Write(out)
			require.NoError(t, enc.Close())
			assert.Less(t, packed.Len(), len(input))

			dec, err := handle.NewCompressor(d, format, true)
			require.NoError(t, err)
			var plain bytes.Buffer
			for chunk := range slices.Chunk(packed.Bytes(), 64) {
				out, err := dec.Write(ctx, chunk)
				require.NoError(t, err)
				plain.Write(out)
			}
			out, err = dec.Finish(ctx)
			require.NoError(t, err)
			plain.Write(out)
			require.NoError(t, dec.Close())

			assert.Equal(t, input, plain.Bytes())
			assert.Equal(t, 0, env.Table.Len())
		})
	}
}

func TestCompressionUnknownFormat(t *testing.T) {
	d, _ := newTestEnv(t)

	_, err := handle.NewCompressor(d, "lz4", false)
	assert.ErrorIs(t, err, operr.ErrValidation)
}

func TestDecompressCorrupt(t *testing.T) {
	d, _ := newTestEnv(t)
	ctx := testCtx(t)

	dec, err := handle.NewCompressor(d, "gzip", true)
	require.NoError(t, err)
	defer dec.Close()

	_, err = dec.Write(ctx, []byte("definitely not gzip"))
	if err == nil {
		_, err = dec.Finish(ctx)
	}
	assert.Error(t, err)
}
