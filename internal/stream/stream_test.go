package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/operr"
)

// chunkReader yields the given chunks one per call, then io.EOF.
type chunkReader struct {
	chunks [][]byte
	cur    []byte
	reads  int
}

func newChunkReader(chunks ...[]byte) *chunkReader {
	return &chunkReader{chunks: chunks}
}

func (r *chunkReader) Read(_ context.Context, p []byte) (int, error) {
	r.reads++
	for len(r.cur) == 0 {
		if len(r.chunks) == 0 {
			return 0, io.EOF
		}
		r.cur, r.chunks = r.chunks[0], r.chunks[1:]
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// partialWriter accepts at most max bytes per call.
type partialWriter struct {
	max   int
	buf   bytes.Buffer
	calls int
}

func (w *partialWriter) Write(_ context.Context, p []byte) (int, error) {
	w.calls++
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.buf.Write(p)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestCopy_TotalBytes(t *testing.T) {
	data := pattern(100_000)
	for _, max := range []int{1, 7, 4096, 1 << 20} {
		src := newChunkReader(data[:10], data[10:50_000], data[50_000:])
		dst := &partialWriter{max: max}

		n, err := Copy(context.Background(), dst, src, &CopyOptions{BufSize: 1024})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		assert.Equal(t, data, dst.buf.Bytes())
	}
}

func TestCopy_DefaultBuffer(t *testing.T) {
	data := pattern(DefaultCopyBufSize*2 + 3)
	src := newChunkReader(data)
	dst := &partialWriter{max: len(data)}

	n, err := Copy(context.Background(), dst, src, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	// Three buffer-sized reads plus the EOF read.
	assert.Equal(t, 4, src.reads)
}

func TestCopy_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	reason := errors.New("stop")
	cancel(reason)

	_, err := Copy(ctx, &partialWriter{max: 10}, newChunkReader(pattern(10)), nil)
	require.ErrorIs(t, err, operr.ErrInterrupted)
	assert.Equal(t, reason, operr.Reason(err))
}

func TestWriteAll_ZeroWrite(t *testing.T) {
	_, err := WriteAll(context.Background(), &partialWriter{max: 0}, []byte("x"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestReadAll(t *testing.T) {
	data := pattern(3*ReadAllChunkSize + 17)
	got, err := ReadAll(context.Background(), newChunkReader(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = ReadAll(context.Background(), newChunkReader())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadAllSized(t *testing.T) {
	const size = 1000
	tests := []struct {
		name   string
		actual int
		chunks func(data []byte) [][]byte
	}{
		{"exact", size, func(d []byte) [][]byte { return [][]byte{d} }},
		{"truncated", 600, func(d []byte) [][]byte { return [][]byte{d[:100], d[100:]} }},
		{"extended single read", 5000, func(d []byte) [][]byte { return [][]byte{d} }},
		{"extended after exact", 1500, func(d []byte) [][]byte { return [][]byte{d[:size], d[size:]} }},
		{"extended by one", size + 1, func(d []byte) [][]byte { return [][]byte{d} }},
		{"empty", 0, func(d []byte) [][]byte { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := pattern(tt.actual)
			got, err := ReadAllSized(context.Background(), newChunkReader(tt.chunks(data)...), size)
			require.NoError(t, err)
			assert.Len(t, got, tt.actual)
			assert.Equal(t, data, got)
		})
	}
}

func TestChunks_ReusesBufferAndIsNotRestartable(t *testing.T) {
	src := newChunkReader([]byte("abcdef"), []byte("gh"))
	seq := Chunks(context.Background(), src, 4)

	var got []string
	var first []byte
	for chunk, err := range seq {
		require.NoError(t, err)
		if first == nil {
			first = chunk
		}
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"abcd", "ef", "gh"}, got)
	// The first slice aliases the shared buffer, so later reads show through.
	assert.Equal(t, "ghcd", string(first))

	var again []error
	for _, err := range seq {
		again = append(again, err)
	}
	require.Len(t, again, 1)
	assert.ErrorIs(t, again[0], ErrIterated)
}

func TestChunks_EarlyBreak(t *testing.T) {
	src := newChunkReader(pattern(100))
	count := 0
	for range Chunks(context.Background(), src, 10) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, src.reads)
}

type sliceSource struct {
	items     []string
	cancelled error
	calls     int
}

func (s *sliceSource) Pull(context.Context) (string, error) {
	s.calls++
	if len(s.items) == 0 {
		return "", io.EOF
	}
	v := s.items[0]
	s.items = s.items[1:]
	return v, nil
}

func (s *sliceSource) Cancel(reason error) error {
	s.cancelled = reason
	return nil
}

func TestReadable_Lock(t *testing.T) {
	r := NewReadable[string](&sliceSource{items: []string{"a", "b"}})

	sr, err := r.GetReader()
	require.NoError(t, err)
	_, err = r.GetReader()
	assert.ErrorIs(t, err, operr.ErrLocked)
	assert.ErrorIs(t, r.Cancel(nil), operr.ErrLocked)

	v, err := sr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	sr.ReleaseLock()
	_, err = sr.Read(context.Background())
	assert.ErrorIs(t, err, operr.ErrInvalidState)

	sr2, err := r.GetReader()
	require.NoError(t, err)
	v, err = sr2.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	_, err = sr2.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadable_AllCancelsOnBreak(t *testing.T) {
	src := &sliceSource{items: []string{"a", "b", "c"}}
	r := NewReadable[string](src)
	reason := errors.New("unused")
	src.cancelled = reason

	for v, err := range r.All(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, "a", v)
		break
	}
	assert.Nil(t, src.cancelled)
	assert.False(t, r.Locked())

	var rest []string
	for v := range r.All(context.Background()) {
		rest = append(rest, v)
	}
	assert.Empty(t, rest)
}

// orderedSink records writes and fails if two overlap.
type orderedSink struct {
	mu      sync.Mutex
	active  bool
	got     []int
	delay   time.Duration
	closed  bool
	aborted error
	overlap bool
}

func (s *orderedSink) Write(_ context.Context, v int) error {
	s.mu.Lock()
	if s.active {
		s.overlap = true
	}
	s.active = true
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.got = append(s.got, v)
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *orderedSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *orderedSink) Abort(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = reason
	return nil
}

func TestWritable_OrderedWrites(t *testing.T) {
	sink := &orderedSink{delay: time.Millisecond}
	w := NewWritable[int](sink, 4)
	sw, err := w.GetWriter()
	require.NoError(t, err)

	_, err = w.GetWriter()
	assert.ErrorIs(t, err, operr.ErrLocked)

	var results []<-chan error
	for i := 0; i < 20; i++ {
		results = append(results, sw.Enqueue(context.Background(), i))
	}
	for _, done := range results {
		require.NoError(t, <-done)
	}
	require.NoError(t, sw.Close(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.False(t, sink.overlap)
	assert.True(t, sink.closed)
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, sink.got)

	assert.ErrorIs(t, sw.Write(context.Background(), 99), operr.ErrInvalidState)
}

// gateSink blocks each write until released.
type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Write(ctx context.Context, _ int) error {
	<-s.gate
	return nil
}
func (s *gateSink) Close(context.Context) error { return nil }
func (s *gateSink) Abort(error) error           { return nil }

func TestWritable_Backpressure(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	w := NewWritable[int](sink, 2)
	sw, err := w.GetWriter()
	require.NoError(t, err)

	assert.Equal(t, 2, sw.DesiredSize())
	first := sw.Enqueue(context.Background(), 1)
	assert.Equal(t, 1, sw.DesiredSize())
	second := sw.Enqueue(context.Background(), 2)
	assert.Equal(t, 0, sw.DesiredSize())

	select {
	case <-sw.Ready():
		t.Fatal("ready while at the high-water mark")
	default:
	}

	sink.gate <- struct{}{}
	require.NoError(t, <-first)
	select {
	case <-sw.Ready():
	case <-time.After(time.Second):
		t.Fatal("not ready after a write completed")
	}

	sink.gate <- struct{}{}
	require.NoError(t, <-second)
}

func TestWritable_Abort(t *testing.T) {
	sink := &orderedSink{}
	w := NewWritable[int](sink, 1)
	sw, err := w.GetWriter()
	require.NoError(t, err)

	reason := errors.New("gone")
	require.NoError(t, sw.Abort(reason))
	assert.Equal(t, reason, sink.aborted)
	assert.ErrorIs(t, sw.Write(context.Background(), 1), reason)
	assert.ErrorIs(t, sw.Close(context.Background()), reason)
}

func TestPipeTo_Bytes(t *testing.T) {
	data := pattern(10_000)
	dst := &partialWriter{max: 333}
	closed := false

	r := ReadableFrom(newChunkReader(data), 1024, nil)
	w := WritableTo(dst, func(context.Context) error {
		closed = true
		return nil
	})

	require.NoError(t, r.PipeTo(context.Background(), w))
	assert.True(t, closed)
	assert.Equal(t, data, dst.buf.Bytes())
}

func TestStdAdapters(t *testing.T) {
	data := pattern(5000)
	var out bytes.Buffer

	n, err := Copy(context.Background(), FromWriter(&out), FromReader(bytes.NewReader(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got, err := io.ReadAll(ToReader(context.Background(), newChunkReader(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
