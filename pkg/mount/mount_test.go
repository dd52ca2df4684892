package mount

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
	"github.com/beam-cloud/tarmount/pkg/overlay"
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

type member struct {
	name    string
	content string
}

func writeTarFile(t *testing.T, dir, name string, members []member) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: 0o644, Size: int64(len(m.content)), Format: tar.FormatUSTAR}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(m.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// Scenario: mount single-file.tar, read /bar.
func TestMountSingleFileTar(t *testing.T) {
	path := writeTarFile(t, t.TempDir(), "single-file.tar", []member{{"bar", "foo\n"}})

	root, err := New([]string{path}, common.MountOptions{})
	require.NoError(t, err)
	defer root.Exit()
	require.NoError(t, root.Enter())

	assert.Equal(t, "d3b07384d113edec49eaa6238ad5ff00", md5hex(readPath(t, root, "/bar")))
}

// Scenario: nested tar with unlimited recursion.
func TestMountNestedTarRecursive(t *testing.T) {
	dir := t.TempDir()
	var inner bytes.Buffer
	tw := tar.NewWriter(&inner)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "fighter/bar", Mode: 0o644, Size: 4, Format: tar.FormatUSTAR}))
	tw.Write([]byte("foo\n"))
	require.NoError(t, tw.Close())

	path := writeTarFile(t, dir, "nested-tar.tar", []member{
		{"foo/fighter/ufo", "iriya\n"},
		{"foo/lighter.tar", inner.String()},
	})

	root, err := New([]string{path}, common.MountOptions{RecursionDepth: -1})
	require.NoError(t, err)
	defer root.Exit()

	assert.Equal(t, "d3b07384d113edec49eaa6238ad5ff00",
		md5hex(readPath(t, root, "/foo/lighter.tar/fighter/bar")))
}

// Scenario: version history of an updated member.
func TestMountUpdatedFileVersions(t *testing.T) {
	path := writeTarFile(t, t.TempDir(), "updated-file.tar", []member{
		{"foo/fighter/ufo", "first\n"},
		{"foo/fighter/ufo", "second\n"},
		{"foo/fighter/ufo", "third\n"},
	})

	root, err := New([]string{path}, common.MountOptions{FileVersions: true})
	require.NoError(t, err)
	defer root.Exit()

	n, err := root.Versions("/foo/fighter/ufo")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.Equal(t, "first\n", string(readPath(t, root, "/foo/fighter/ufo.versions/1")))
	assert.Equal(t, "second\n", string(readPath(t, root, "/foo/fighter/ufo.versions/2")))
	assert.Equal(t, "third\n", string(readPath(t, root, "/foo/fighter/ufo.versions/3")))
	assert.Equal(t,
		string(readPath(t, root, "/foo/fighter/ufo.versions/3")),
		string(readPath(t, root, "/foo/fighter/ufo")))
}

// Scenario: union mount of two folders.
func TestMountUnionFolders(t *testing.T) {
	dir := t.TempDir()
	folder1 := filepath.Join(dir, "folder1")
	folder2 := filepath.Join(dir, "folder2")
	require.NoError(t, os.MkdirAll(filepath.Join(folder1, "subfolder"), 0o755))
	require.NoError(t, os.MkdirAll(folder2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder1, "subfolder", "world"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folder2, "ufo"), []byte("iriya\n"), 0o644))

	root, err := New([]string{folder1, folder2}, common.MountOptions{})
	require.NoError(t, err)
	defer root.Exit()

	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", md5hex(readPath(t, root, "/subfolder/world")))
	assert.Equal(t, "iriya\n", string(readPath(t, root, "/ufo")))
}

func TestMountDisableUnionYieldsSubvolumes(t *testing.T) {
	dir := t.TempDir()
	folder1 := filepath.Join(dir, "one")
	folder2 := filepath.Join(dir, "two")
	require.NoError(t, os.MkdirAll(folder1, 0o755))
	require.NoError(t, os.MkdirAll(folder2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder1, "f"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folder2, "f"), []byte("2"), 0o644))

	root, err := New([]string{folder1, folder2}, common.MountOptions{DisableUnionMount: true})
	require.NoError(t, err)
	defer root.Exit()

	assert.Equal(t, "1", string(readPath(t, root, "/one/f")))
	assert.Equal(t, "2", string(readPath(t, root, "/two/f")))
}

// Scenario: overlay delete plus commit-overlay.
func TestMountOverlayDeleteAndCommit(t *testing.T) {
	dir := t.TempDir()
	path := writeTarFile(t, dir, "nested-tar.tar", []member{
		{"foo/fighter/ufo", "iriya\n"},
		{"foo/lighter", "zap"},
	})

	root, err := New([]string{path}, common.MountOptions{WriteOverlay: filepath.Join(dir, "ov")})
	require.NoError(t, err)
	defer root.Exit()

	o, ok := root.(*overlay.Overlay)
	require.True(t, ok)

	require.NoError(t, o.Delete("/foo/fighter/ufo"))
	fi, err := root.Lookup("/foo/fighter/ufo")
	require.NoError(t, err)
	assert.Nil(t, fi)

	committed := filepath.Join(dir, "committed.tar")
	require.NoError(t, o.CommitDeletions(path, committed))

	remounted, err := New([]string{committed}, common.MountOptions{})
	require.NoError(t, err)
	defer remounted.Exit()

	gone, err := remounted.Lookup("/foo/fighter/ufo")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, "zap", string(readPath(t, remounted, "/foo/lighter")))
}

// Concurrent readers over the same mounted tree observe consistent bytes.
func TestMountConcurrentReads(t *testing.T) {
	content := make([]byte, 50000)
	for i := range content {
		content[i] = byte(i % 199)
	}
	path := writeTarFile(t, t.TempDir(), "big.tar", []member{
		{"a.bin", string(content)},
		{"b.txt", "small\n"},
	})

	root, err := New([]string{path}, common.MountOptions{})
	require.NoError(t, err)
	defer root.Exit()

	done := make(chan error, 6)
	for g := 0; g < 6; g++ {
		go func(g int) {
			for i := 0; i < 10; i++ {
				p, want := "/a.bin", content
				if (g+i)%2 == 0 {
					p, want = "/b.txt", []byte("small\n")
				}
				fi, err := root.Lookup(p)
				if err != nil {
					done <- err
					return
				}
				r, err := root.Open(fi)
				if err != nil {
					done <- err
					return
				}
				data, err := stream.ReadAll(r)
				r.Close()
				if err != nil {
					done <- err
					return
				}
				if !bytes.Equal(data, want) {
					done <- assert.AnError
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 6; g++ {
		require.NoError(t, <-done)
	}
}
