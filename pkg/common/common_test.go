package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"foo/bar":     "/foo/bar",
		"./foo/bar/":  "/foo/bar",
		"//foo///bar": "/foo/bar",
		"/":           "/",
		"":            "/",
		"./":          "/",
		"foo/./bar":   "/foo/bar",
	}
	for in, want := range cases {
		got, err := NormalizePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"../escape", "foo/../bar", "nul\x00byte"} {
		_, err := NormalizePath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestSplitPath(t *testing.T) {
	for _, c := range []struct{ in, parent, name string }{
		{"/", "", ""},
		{"/foo", "/", "foo"},
		{"/foo/bar", "/foo", "bar"},
		{"/a/b/c", "/a/b", "c"},
	} {
		parent, name := SplitPath(c.in)
		assert.Equal(t, c.parent, parent, c.in)
		assert.Equal(t, c.name, name, c.in)
	}
}

func TestRouteTags(t *testing.T) {
	fi := &FileInfo{ParentPath: "/", Name: "x"}

	_, _, ok := fi.PopRoute()
	assert.False(t, ok)

	tagged := fi.PushRoute(3).PushRoute(7)
	assert.Empty(t, fi.Route, "stamping must not alias the original")

	inner, id, ok := tagged.PopRoute()
	require.True(t, ok)
	assert.Equal(t, 7, id)

	_, id, ok = inner.PopRoute()
	require.True(t, ok)
	assert.Equal(t, 3, id)
}

func TestSparsityRoundTrip(t *testing.T) {
	regions := []SparseRegion{
		{LogicalOffset: 0, StreamOffset: 1024, Length: 512},
		{LogicalOffset: 8192, StreamOffset: 1536, Length: 100},
	}
	decoded, err := DecodeSparsity(EncodeSparsity(regions))
	require.NoError(t, err)
	assert.Equal(t, regions, decoded)

	decoded, err = DecodeSparsity(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestAllPasswords(t *testing.T) {
	opts := MountOptions{Password: "a", Passwords: []string{"b", "a", "c"}}
	assert.Equal(t, []string{"a", "b", "c"}, opts.AllPasswords())
}
