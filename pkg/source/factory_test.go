package source

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

func TestFactoryDetectsTar(t *testing.T) {
	path := writeArchive(t, "plain.tar", buildTar(t, []tarEntry{
		{name: "x", content: "y"},
	}))
	s, err := NewMountSource(path, common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "tar", s.Name())
}

func TestFactoryDetectsTarOverGzip(t *testing.T) {
	plain := buildTar(t, []tarEntry{{name: "x", content: "y"}})
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(plain)
	zw.Close()

	path := writeArchive(t, "x.tgz", buf.Bytes())
	s, err := NewMountSource(path, common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "tar", s.Name())
	assert.Equal(t, "y", string(readPath(t, s, "/x")))
}

func TestFactoryDetectsSingleCompressedFile(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("just text\n"))
	zw.Close()

	path := writeArchive(t, "notes.txt.gz", buf.Bytes())
	s, err := NewMountSource(path, common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "single", s.Name())
	assert.Equal(t, "just text\n", string(readPath(t, s, "/notes.txt")))
}

func TestFactoryDetectsFolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("data"), 0o644))

	s, err := NewMountSource(dir, common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "folder", s.Name())
	assert.Equal(t, "data", string(readPath(t, s, "/f")))
}

func TestFactoryRefusesUnknown(t *testing.T) {
	path := writeArchive(t, "garbage.bin", []byte("not an archive at all"))
	_, err := NewMountSource(path, common.MountOptions{})
	assert.ErrorIs(t, err, common.ErrDependencyMissing)
}

func TestFactoryUnavailableBackend(t *testing.T) {
	path := writeArchive(t, "archive.rar", []byte("Rar!\x1a\x07\x01\x00garbage"))
	_, err := NewMountSource(path, common.MountOptions{})
	assert.ErrorIs(t, err, common.ErrDependencyMissing)
}

func TestFactoryDeterministicChoice(t *testing.T) {
	path := writeArchive(t, "plain.tar", buildTar(t, []tarEntry{
		{name: "x", content: "y"},
	}))
	for i := 0; i < 3; i++ {
		s, err := NewMountSource(path, common.MountOptions{})
		require.NoError(t, err)
		assert.Equal(t, "tar", s.Name())
		s.Exit()
		os.Remove(path + ".index.sqlite")
	}
}

func buildZip(t *testing.T, stored bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	method := zip.Deflate
	if stored {
		method = zip.Store
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "dir/member.txt", Method: method})
	require.NoError(t, err)
	_, err = w.Write([]byte("zip content\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestZipSourceStoredAndDeflated(t *testing.T) {
	for _, stored := range []bool{true, false} {
		path := writeArchive(t, "a.zip", buildZip(t, stored))
		s, err := NewMountSource(path, common.MountOptions{})
		require.NoError(t, err)
		assert.Equal(t, "zip", s.Name())

		assert.Equal(t, "zip content\n", string(readPath(t, s, "/dir/member.txt")))

		// Implicit directory synthesized from the member path.
		fi, err := s.Lookup("/dir")
		require.NoError(t, err)
		require.NotNil(t, fi)
		assert.Equal(t, common.DirectoryEntry, fi.Type)

		entries, err := s.List("/")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "dir", entries[0].Name)
		s.Exit()
	}
}

func TestZipSourceEncryptedMember(t *testing.T) {
	raw := buildZip(t, true)
	// Set the encryption bit in both the local header and the central
	// directory so listing still works but open refuses.
	for _, magic := range [][]byte{{'P', 'K', 3, 4}, {'P', 'K', 1, 2}} {
		i := bytes.Index(raw, magic)
		require.GreaterOrEqual(t, i, 0)
		flagOff := i + 6
		if magic[3] == 2 {
			flagOff = i + 8
		}
		raw[flagOff] |= 0x1
	}

	s, err := NewZipSource(stream.NewMemoryStream(raw), common.MountOptions{})
	require.NoError(t, err)

	fi, err := s.Lookup("/dir/member.txt")
	require.NoError(t, err)
	require.NotNil(t, fi, "encrypted members must still list")
	assert.True(t, fi.Encrypted)

	_, err = s.Open(fi)
	assert.ErrorIs(t, err, common.ErrPasswordRequired)

	// With a password configured the stock decoder still cannot help.
	s2, err := NewZipSource(stream.NewMemoryStream(raw), common.MountOptions{Password: "secret"})
	require.NoError(t, err)
	fi2, _ := s2.Lookup("/dir/member.txt")
	_, err = s2.Open(fi2)
	assert.ErrorIs(t, err, common.ErrDependencyMissing)
}

func buildSqlar(t *testing.T, path string) {
	t.Helper()
	u := url.URL{Scheme: "file", Opaque: path}
	db, err := sql.Open("sqlite", u.String())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sqlar (
		name TEXT PRIMARY KEY, mode INT, mtime INT, sz INT, data BLOB)`)
	require.NoError(t, err)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write([]byte("compressed sqlar member"))
	zw.Close()

	for _, row := range []struct {
		name string
		mode int64
		sz   int64
		data []byte
	}{
		{"plain.txt", 0o100644, 5, []byte("12345")},
		{"dir/inner.txt", 0o100644, 23, compressed.Bytes()},
		{"dir", 0o040755, 0, nil},
		{"ln", 0o120777, 0, []byte("plain.txt")},
	} {
		_, err := db.Exec(`INSERT INTO sqlar (name, mode, mtime, sz, data) VALUES (?, ?, 0, ?, ?)`,
			row.name, row.mode, row.sz, row.data)
		require.NoError(t, err)
	}
}

func TestSqlarSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.sqlar")
	buildSqlar(t, path)

	s, err := NewMountSource(path, common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "sqlar", s.Name())

	assert.Equal(t, "12345", string(readPath(t, s, "/plain.txt")))
	assert.Equal(t, "compressed sqlar member", string(readPath(t, s, "/dir/inner.txt")))

	fi, err := s.Lookup("/ln")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, common.SymlinkEntry, fi.Type)
	assert.Equal(t, "plain.txt", fi.LinkTarget)

	entries, err := s.List("/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inner.txt", entries[0].Name)
}

func buildAsar(t *testing.T) []byte {
	t.Helper()
	content := []byte("asar payload")
	header := map[string]any{
		"files": map[string]any{
			"app.js": map[string]any{"size": len(content), "offset": "0"},
			"lib": map[string]any{
				"files": map[string]any{
					"link.js": map[string]any{"link": "app.js"},
				},
			},
		},
	}
	js, err := json.Marshal(header)
	require.NoError(t, err)

	padded := len(js)
	if rem := padded % 4; rem != 0 {
		padded += 4 - rem
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	binary.Write(&buf, binary.LittleEndian, uint32(8+padded))
	binary.Write(&buf, binary.LittleEndian, uint32(4+padded))
	binary.Write(&buf, binary.LittleEndian, uint32(len(js)))
	buf.Write(js)
	buf.Write(make([]byte, padded-len(js)))
	buf.Write(content)
	return buf.Bytes()
}

func TestAsarSource(t *testing.T) {
	path := writeArchive(t, "app.asar", buildAsar(t))
	s, err := NewMountSource(path, common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "asar", s.Name())

	assert.Equal(t, "asar payload", string(readPath(t, s, "/app.js")))

	fi, err := s.Lookup("/lib/link.js")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, common.SymlinkEntry, fi.Type)

	entries, err := s.List("/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFactoryJoinsSplitVolumes(t *testing.T) {
	data := buildTar(t, []tarEntry{{name: "member", content: "split across volumes"}})
	dir := t.TempDir()
	half := len(data) / 2
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tar.001"), data[:half], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tar.002"), data[half:], 0o644))

	s, err := NewMountSource(filepath.Join(dir, "a.tar.001"), common.MountOptions{})
	require.NoError(t, err)
	defer s.Exit()
	assert.Equal(t, "tar", s.Name())
	assert.Equal(t, "split across volumes", string(readPath(t, s, "/member")))
}

func TestFolderSourceSymlinks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("sub/f", filepath.Join(dir, "ln")))

	s, err := NewFolderSource(dir)
	require.NoError(t, err)
	defer s.Exit()

	fi, err := s.Lookup("/ln")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, common.SymlinkEntry, fi.Type)
	assert.Equal(t, "sub/f", fi.LinkTarget)

	entries, err := s.List("/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	n, err := s.Versions("/sub/f")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
