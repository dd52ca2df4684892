package stream

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStreamReadAt(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(p, []byte("hello, world"), 0o644))

	s, err := OpenFile(p)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(12), s.Size())

	buf := make([]byte, 5)
	n, err := s.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestMemoryStreamBounds(t *testing.T) {
	s := NewMemoryStream([]byte("abcdef"))

	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 4)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "ef", string(buf[:n]))

	_, err = s.ReadAt(buf, 6)
	assert.Equal(t, io.EOF, err)
}

func TestSectionStream(t *testing.T) {
	s := NewMemoryStream([]byte("0123456789"))
	sec := NewSection(s, 2, 5)

	assert.Equal(t, int64(5), sec.Size())

	got, err := ReadAll(sec)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(got))
}

func TestReaderSeek(t *testing.T) {
	r := NewReader(NewMemoryStream([]byte("0123456789")))

	off, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)

	buf := make([]byte, 3)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))

	off, err = r.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8), off)
}

func TestStencilViewReorders(t *testing.T) {
	parent := NewMemoryStream([]byte("AAAABBBBCCCC"))
	v := NewStencilView(parent, []common.Stencil{
		{Offset: 8, Length: 4},
		{Offset: 0, Length: 2},
	})

	assert.Equal(t, int64(6), v.Size())

	got, err := ReadAll(v)
	require.NoError(t, err)
	assert.Equal(t, "CCCCAA", string(got))

	// Read across the stencil boundary.
	buf := make([]byte, 3)
	_, err = v.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "CAA", string(buf))
}

func TestZeroPaddedSparse(t *testing.T) {
	// Logical file: 2 bytes data, 4 byte hole, 2 bytes data, 2 byte hole.
	parent := NewMemoryStream([]byte("XXYY"))
	z := NewZeroPadded(parent,
		[]common.Stencil{{Offset: 0, Length: 2}, {Offset: 2, Length: 2}},
		[]int64{0, 6},
		10,
	)

	got, err := ReadAll(z)
	require.NoError(t, err)
	assert.Equal(t, []byte{'X', 'X', 0, 0, 0, 0, 'Y', 'Y', 0, 0}, got)

	// Random reads agree with the full read.
	for off := int64(0); off < 10; off++ {
		for l := int64(1); off+l <= 10; l++ {
			buf := make([]byte, l)
			_, err := z.ReadAt(buf, off)
			require.NoError(t, err)
			assert.Equal(t, got[off:off+l], buf)
		}
	}
}

func TestJoinedStream(t *testing.T) {
	j := NewJoined(
		NewMemoryStream([]byte("part1-")),
		NewMemoryStream([]byte("part2-")),
		NewMemoryStream([]byte("part3")),
	)

	assert.Equal(t, int64(17), j.Size())

	got, err := ReadAll(j)
	require.NoError(t, err)
	assert.Equal(t, "part1-part2-part3", string(got))

	buf := make([]byte, 8)
	_, err = j.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "1-part2-", string(buf))
}
