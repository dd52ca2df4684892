package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

func entry(parent, name string, typ common.EntryType, size uint64, version int64) *common.FileInfo {
	return &common.FileInfo{
		ParentPath: parent,
		Name:       name,
		Type:       typ,
		Size:       size,
		Mode:       0o644,
		Version:    version,
		Backend:    "tar",
	}
}

func populate(t *testing.T, idx *Index) {
	t.Helper()
	b := idx.NewBatch()
	require.NoError(t, b.Add(entry("", "", common.DirectoryEntry, 0, 1)))
	require.NoError(t, b.Add(entry("/", "foo", common.DirectoryEntry, 0, 1)))
	require.NoError(t, b.Add(entry("/foo", "bar", common.RegularEntry, 4, 1)))
	require.NoError(t, b.Add(entry("/foo", "bar", common.RegularEntry, 6, 2)))
	require.NoError(t, b.Add(entry("/foo", "baz", common.SymlinkEntry, 0, 1)))
	require.NoError(t, b.Flush())
}

func TestCreateLookupAndVersions(t *testing.T) {
	idx, err := Create(filepath.Join(t.TempDir(), "archive.tar.index.sqlite"))
	require.NoError(t, err)
	defer idx.Close()
	populate(t, idx)

	fi, err := idx.Lookup(0, "/foo/bar")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, int64(2), fi.Version)
	assert.Equal(t, uint64(6), fi.Size)

	fi, err = idx.LookupVersion(0, "/foo/bar", 1)
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, uint64(4), fi.Size)

	n, err := idx.Versions(0, "/foo/bar")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	fi, err = idx.Lookup(0, "/no/such")
	require.NoError(t, err)
	assert.Nil(t, fi)
}

func TestListDeduplicatesVersions(t *testing.T) {
	idx, err := Create("")
	require.NoError(t, err)
	defer idx.Close()
	populate(t, idx)

	entries, err := idx.List(0, "/foo")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bar", entries[0].Name)
	assert.Equal(t, uint64(6), entries[0].Size)
	assert.Equal(t, "baz", entries[1].Name)
}

func TestReopenValidatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.index.sqlite")
	idx, err := Create(path)
	require.NoError(t, err)
	populate(t, idx)
	require.NoError(t, idx.Finalize())
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	fi, err := reopened.Lookup(0, "/foo/baz")
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, common.SymlinkEntry, fi.Type)
}

func TestFingerprintVerification(t *testing.T) {
	src := stream.NewMemoryStream(make([]byte, 4096))
	opts := common.MountOptions{}.WithDefaults()

	fp, err := ComputeFingerprint(src, 1234, "tar", "1", ArgHash(opts))
	require.NoError(t, err)

	idx, err := Create("")
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.StoreFingerprint(fp))

	disp, err := idx.CompareFingerprint(fp, true)
	require.NoError(t, err)
	assert.Equal(t, Match, disp)

	// Same head but a larger size means the archive grew in place.
	grown := fp
	grown.Size = 8192
	disp, err = idx.CompareFingerprint(grown, false)
	require.NoError(t, err)
	assert.Equal(t, Appended, disp)

	// A different head is a different archive.
	changed := fp
	changed.Size = 8192
	changed.HeadHash = 0xdead
	disp, err = idx.CompareFingerprint(changed, false)
	assert.Equal(t, Mismatch, disp)
	assert.ErrorIs(t, err, common.ErrIndexFingerprint)

	// mtime drift only matters when verification is enabled.
	drifted := fp
	drifted.MTime = 9999
	disp, err = idx.CompareFingerprint(drifted, false)
	require.NoError(t, err)
	assert.Equal(t, Match, disp)
	_, err = idx.CompareFingerprint(drifted, true)
	assert.ErrorIs(t, err, common.ErrIndexFingerprint)
}

func TestSeekIndexRoundTrip(t *testing.T) {
	idx, err := Create("")
	require.NoError(t, err)
	defer idx.Close()

	blob := []byte{1, 2, 3, 4}
	require.NoError(t, idx.StoreSeekIndex(0, "gzip", blob))

	got, err := idx.LoadSeekIndex(0, "gzip")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	got, err = idx.LoadSeekIndex(0, "bzip2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLocatePrefersExisting(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar")

	path, exists, err := Locate(archive, common.MountOptions{})
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, archive+indexSuffix, path)

	idx, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	path2, exists, err := Locate(archive, common.MountOptions{})
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, path, path2)
}
