package remote

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

func TestResolveLocalPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.tar")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	s, name, err := Resolve(p)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, p, name)
	assert.Equal(t, int64(5), s.Size())
}

func TestResolveUnknownScheme(t *testing.T) {
	_, _, err := Resolve("gopher://example.com/a")
	assert.ErrorIs(t, err, common.ErrDependencyMissing)
}

func TestHTTPStreamRangedReads(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Unix(0, 0), bytes.NewReader(payload))
	}))
	defer srv.Close()

	s, err := NewHTTPStream(srv.URL)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(len(payload)), s.Size())

	buf := make([]byte, 6)
	n, err := s.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(buf[:n]))

	got, err := stream.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHTTPStreamRefusesNonRanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewHTTPStream(srv.URL)
	assert.ErrorIs(t, err, common.ErrNotSeekable)
}
