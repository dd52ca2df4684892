package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/beam-cloud/tarmount/pkg/stream"
)

func testPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + (i/7+i)%23)
	}
	return out
}

func gzipMembers(t *testing.T, chunks ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(c)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	}
	return buf.Bytes()
}

func zstdFrames(t *testing.T, chunks ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		zw, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = zw.Write(c)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	}
	return buf.Bytes()
}

func verifySeekable(t *testing.T, r *Reader, want []byte) {
	t.Helper()
	require.Equal(t, int64(len(want)), r.Size())

	got, err := stream.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Seek correctness: sampled (a, b) windows match the full read.
	offsets := []int64{0, 1, 7, int64(len(want)) / 3, int64(len(want)) / 2, int64(len(want)) - 9}
	for _, a := range offsets {
		if a < 0 {
			continue
		}
		b := a + 257
		if b > int64(len(want)) {
			b = int64(len(want))
		}
		buf := make([]byte, b-a)
		_, err := r.ReadAt(buf, a)
		require.NoError(t, err)
		assert.Equal(t, want[a:b], buf, "window [%d,%d)", a, b)
	}

	// Reading past the end yields EOF.
	_, err = r.ReadAt(make([]byte, 1), int64(len(want)))
	assert.Equal(t, io.EOF, err)
}

func TestGzipMultiMemberCheckpoints(t *testing.T) {
	chunks := [][]byte{testPayload(4096), testPayload(8192), testPayload(1024)}
	want := bytes.Join(chunks, nil)
	src := stream.NewMemoryStream(gzipMembers(t, chunks...))

	codec, err := ByName("gzip")
	require.NoError(t, err)

	r, err := NewReader(src, codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	// One checkpoint at zero plus one per later member boundary.
	assert.Len(t, r.ExportIndex().Checkpoints, 3)
	verifySeekable(t, r, want)
}

func TestGzipMonolithic(t *testing.T) {
	want := testPayload(64 * 1024)
	src := stream.NewMemoryStream(gzipMembers(t, want))

	codec, _ := ByName("gzip")
	r, err := NewReader(src, codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.ExportIndex().Checkpoints, 1)
	verifySeekable(t, r, want)
}

func TestZstdFrameIndex(t *testing.T) {
	chunks := [][]byte{testPayload(10000), testPayload(5000), testPayload(3000)}
	want := bytes.Join(chunks, nil)
	src := stream.NewMemoryStream(zstdFrames(t, chunks...))

	codec, err := ByName("zstd")
	require.NoError(t, err)

	r, err := NewReader(src, codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.ExportIndex().Checkpoints, 3)
	verifySeekable(t, r, want)
}

func TestBzip2(t *testing.T) {
	want := testPayload(32 * 1024)
	var buf bytes.Buffer
	zw, err := bzip2.NewWriter(&buf, nil)
	require.NoError(t, err)
	_, err = zw.Write(want)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	codec, _ := ByName("bzip2")
	r, err := NewReader(stream.NewMemoryStream(buf.Bytes()), codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	verifySeekable(t, r, want)
}

func TestBzip2ConcatenatedStreams(t *testing.T) {
	a, b := testPayload(9000), testPayload(5000)
	var buf bytes.Buffer
	for _, chunk := range [][]byte{a, b} {
		zw, err := bzip2.NewWriter(&buf, nil)
		require.NoError(t, err)
		_, err = zw.Write(chunk)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	}

	codec, _ := ByName("bzip2")
	r, err := NewReader(stream.NewMemoryStream(buf.Bytes()), codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.ExportIndex().Checkpoints, 2)
	verifySeekable(t, r, append(append([]byte{}, a...), b...))
}

func TestXz(t *testing.T) {
	want := testPayload(20 * 1024)
	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(want)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	codec, _ := ByName("xz")
	r, err := NewReader(stream.NewMemoryStream(buf.Bytes()), codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	verifySeekable(t, r, want)
}

func TestLz4(t *testing.T) {
	want := testPayload(20 * 1024)
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	_, err := zw.Write(want)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	codec, _ := ByName("lz4")
	r, err := NewReader(stream.NewMemoryStream(buf.Bytes()), codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	verifySeekable(t, r, want)
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"gzip", gzipMembers(t, []byte("x"))},
		{"zstd", zstdFrames(t, []byte("x"))},
	}
	for _, c := range cases {
		codec, ok := Detect(stream.NewMemoryStream(c.data))
		require.True(t, ok, c.name)
		assert.Equal(t, c.name, codec.Name())
	}

	_, ok := Detect(stream.NewMemoryStream([]byte("plain text")))
	assert.False(t, ok)
}

func TestIndexRoundTrip(t *testing.T) {
	idx := &Index{
		UncompressedSize: 123456,
		Checkpoints: []Checkpoint{
			{UOff: 0, COff: 0},
			{UOff: 4096, COff: 900, Window: []byte{1, 2, 3}},
		},
	}
	decoded, err := DecodeIndex(EncodeIndex(idx))
	require.NoError(t, err)
	assert.Equal(t, idx, decoded)

	_, err = DecodeIndex([]byte{1, 2})
	assert.Error(t, err)
}

func TestConcurrentReadAt(t *testing.T) {
	want := testPayload(256 * 1024)
	src := stream.NewMemoryStream(gzipMembers(t, want[:100000], want[100000:]))

	codec, _ := ByName("gzip")
	r, err := NewReader(src, codec, nil, 1)
	require.NoError(t, err)
	defer r.Close()

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			buf := make([]byte, 1024)
			for i := 0; i < 32; i++ {
				off := int64((g*7919 + i*4096) % (len(want) - 1024))
				if _, err := r.ReadAt(buf, off); err != nil {
					done <- err
					return
				}
				if !bytes.Equal(buf, want[off:off+1024]) {
					done <- io.ErrUnexpectedEOF
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-done)
	}
}
