package layers

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func readPath(t *testing.T, s source.MountSource, path string) []byte {
	t.Helper()
	fi, err := s.Lookup(path)
	require.NoError(t, err)
	require.NotNil(t, fi, "lookup %s", path)
	r, err := s.Open(fi)
	require.NoError(t, err)
	defer r.Close()
	data, err := stream.ReadAll(r)
	require.NoError(t, err)
	return data
}

func folderWith(t *testing.T, files map[string]string) *source.FolderSource {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	s, err := source.NewFolderSource(dir)
	require.NoError(t, err)
	return s
}

func tarBytes(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range members {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Format: tar.FormatUSTAR}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func tarSource(t *testing.T, name string, data []byte, opts common.MountOptions) *source.TarSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	src, err := stream.OpenFile(path)
	require.NoError(t, err)
	s, err := source.NewTarSource(src, path, 0, opts)
	require.NoError(t, err)
	return s
}

func TestUnionMergesFolders(t *testing.T) {
	folder1 := folderWith(t, map[string]string{"subfolder/world": "hello\n"})
	folder2 := folderWith(t, map[string]string{"ufo": "iriya\n"})
	u := NewUnion(folder1, folder2)
	defer u.Exit()

	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", md5hex(readPath(t, u, "/subfolder/world")))
	assert.Equal(t, "iriya\n", string(readPath(t, u, "/ufo")))

	entries, err := u.List("/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	fi, err := u.Lookup("/absent")
	require.NoError(t, err)
	assert.Nil(t, fi)
}

func TestUnionLastWins(t *testing.T) {
	first := folderWith(t, map[string]string{"shared": "from first", "only1": "1"})
	second := folderWith(t, map[string]string{"shared": "from second"})
	u := NewUnion(first, second)
	defer u.Exit()

	assert.Equal(t, "from second", string(readPath(t, u, "/shared")))
	assert.Equal(t, "1", string(readPath(t, u, "/only1")))

	// The merged listing keeps one entry per name, owned by the shadowing
	// child.
	entries, err := u.List("/")
	require.NoError(t, err)
	byName := map[string]*common.FileInfo{}
	for _, fi := range entries {
		byName[fi.Name] = fi
	}
	require.Len(t, byName, 2)
	r, err := u.Open(byName["shared"])
	require.NoError(t, err)
	defer r.Close()
	data, err := stream.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "from second", string(data))
}

func TestFileVersionsHistory(t *testing.T) {
	// Three generations of the same member, as "tar --append" leaves them.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, content := range []string{"gen one\n", "gen two\n", "gen three\n"} {
		hdr := &tar.Header{Name: "foo/fighter/ufo", Mode: 0o644, Size: int64(len(content)), Format: tar.FormatUSTAR}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	base := tarSource(t, "updated-file.tar", buf.Bytes(), common.MountOptions{})
	v := NewFileVersions(base)
	defer v.Exit()

	n, err := v.Versions("/foo/fighter/ufo")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.Equal(t, "gen one\n", string(readPath(t, v, "/foo/fighter/ufo.versions/1")))
	assert.Equal(t, "gen two\n", string(readPath(t, v, "/foo/fighter/ufo.versions/2")))
	assert.Equal(t, "gen three\n", string(readPath(t, v, "/foo/fighter/ufo.versions/3")))

	// The plain path resolves to the newest version.
	assert.Equal(t,
		string(readPath(t, v, "/foo/fighter/ufo.versions/3")),
		string(readPath(t, v, "/foo/fighter/ufo")))

	dir, err := v.Lookup("/foo/fighter/ufo.versions")
	require.NoError(t, err)
	require.NotNil(t, dir)
	assert.Equal(t, common.DirectoryEntry, dir.Type)

	listing, err := v.List("/foo/fighter/ufo.versions")
	require.NoError(t, err)
	require.Len(t, listing, 3)
	assert.Equal(t, "1", listing[0].Name)

	// Paths without history grow no synthetic twins.
	absent, err := v.Lookup("/foo/fighter/nothere.versions")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestAutoMountNestedTar(t *testing.T) {
	inner := tarBytes(t, map[string]string{"fighter/bar": "foo\n"})
	outer := tarBytes(t, map[string]string{
		"foo/fighter/ufo": "iriya\n",
		"foo/lighter.tar": string(inner),
	})

	base := tarSource(t, "nested-tar.tar", outer, common.MountOptions{})
	a := NewAutoMount(base, -1, common.MountOptions{})
	defer a.Exit()

	// The nested archive splices in as a directory tree.
	assert.Equal(t, "d3b07384d113edec49eaa6238ad5ff00",
		md5hex(readPath(t, a, "/foo/lighter.tar/fighter/bar")))

	fi, err := a.Lookup("/foo/lighter.tar")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, common.DirectoryEntry, fi.Type)

	// The plain member next to it stays untouched.
	assert.Equal(t, "iriya\n", string(readPath(t, a, "/foo/fighter/ufo")))

	// The original archive member remains reachable as an earlier version.
	v1, err := a.LookupVersion("/foo/lighter.tar", 1)
	require.NoError(t, err)
	require.NotNil(t, v1)
	assert.Equal(t, common.RegularEntry, v1.Type)
}

func TestAutoMountDepthZeroDisables(t *testing.T) {
	inner := tarBytes(t, map[string]string{"x": "y"})
	outer := tarBytes(t, map[string]string{"inner.tar": string(inner)})

	base := tarSource(t, "outer.tar", outer, common.MountOptions{})
	a := NewAutoMount(base, 0, common.MountOptions{})
	defer a.Exit()

	fi, err := a.Lookup("/inner.tar")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, common.RegularEntry, fi.Type)

	nested, err := a.Lookup("/inner.tar/x")
	require.NoError(t, err)
	assert.Nil(t, nested)
}

func TestAutoMountStripExtension(t *testing.T) {
	inner := tarBytes(t, map[string]string{"leaf": "nested"})
	outer := tarBytes(t, map[string]string{"bundle.tar": string(inner)})

	base := tarSource(t, "outer.tar", outer, common.MountOptions{})
	a := NewAutoMount(base, -1, common.MountOptions{StripRecursiveTarExtension: true})
	defer a.Exit()

	assert.Equal(t, "nested", string(readPath(t, a, "/bundle/leaf")))

	entries, err := a.List("/")
	require.NoError(t, err)
	names := map[string]bool{}
	for _, fi := range entries {
		names[fi.Name] = true
	}
	assert.True(t, names["bundle"], "stripped mount point must be listed")
}

func TestSubvolumes(t *testing.T) {
	f1 := folderWith(t, map[string]string{"a": "1"})
	f2 := folderWith(t, map[string]string{"b": "2"})

	sub := NewSubvolumes()
	require.NoError(t, sub.Add("first", f1))
	require.NoError(t, sub.Add("second", f2))
	require.Error(t, sub.Add("first", f1))
	defer sub.Exit()

	entries, err := sub.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Name)

	assert.Equal(t, "1", string(readPath(t, sub, "/first/a")))
	assert.Equal(t, "2", string(readPath(t, sub, "/second/b")))

	fi, err := sub.Lookup("/third/a")
	require.NoError(t, err)
	assert.Nil(t, fi)
}
