package layers

import (
	"strconv"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

const versionsSuffix = ".versions"

// FileVersions exposes the child's version history: next to every entry
// "name" with recorded history sits a synthetic directory "name.versions"
// whose children "1".."k" address the historical versions in insertion
// order. Requests below a ".versions" path never reach the child.
type FileVersions struct {
	child source.MountSource
}

func NewFileVersions(child source.MountSource) *FileVersions {
	return &FileVersions{child: child}
}

func (v *FileVersions) Name() string { return "versions" }

// splitVersioned classifies a path: base form, "<base>.versions", or
// "<base>.versions/<n>".
func splitVersioned(path string) (base string, versionDir bool, version int64) {
	if strings.HasSuffix(path, versionsSuffix) {
		return strings.TrimSuffix(path, versionsSuffix), true, 0
	}
	parent, name := common.SplitPath(path)
	if strings.HasSuffix(parent, versionsSuffix) {
		if n, err := strconv.ParseInt(name, 10, 64); err == nil && n > 0 {
			return strings.TrimSuffix(parent, versionsSuffix), true, n
		}
	}
	return path, false, 0
}

func (v *FileVersions) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	base, versioned, version := splitVersioned(normalized)
	if !versioned {
		return v.child.Lookup(normalized)
	}

	count, err := v.child.Versions(base)
	if err != nil || count == 0 {
		return nil, err
	}
	if version == 0 {
		parent, name := common.SplitPath(base)
		return &common.FileInfo{
			ParentPath: parent,
			Name:       name + versionsSuffix,
			Type:       common.DirectoryEntry,
			Mode:       0o555,
			Version:    1,
			Backend:    v.child.Name(),
		}, nil
	}
	if version > count {
		return nil, nil
	}
	fi, err := v.child.LookupVersion(base, version)
	if err != nil || fi == nil {
		return nil, err
	}
	// Present the historical entry under its numeric name.
	parent, _ := common.SplitPath(normalized)
	out := fi.Clone()
	out.ParentPath = parent
	out.Name = strconv.FormatInt(version, 10)
	return out, nil
}

func (v *FileVersions) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if _, versioned, _ := splitVersioned(normalized); versioned {
		return nil, nil
	}
	return v.child.LookupVersion(normalized, version)
}

func (v *FileVersions) Versions(path string) (int64, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return 0, err
	}
	if _, versioned, _ := splitVersioned(normalized); versioned {
		return 0, nil
	}
	return v.child.Versions(normalized)
}

func (v *FileVersions) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	base, versioned, version := splitVersioned(normalized)
	if versioned && version == 0 {
		count, err := v.child.Versions(base)
		if err != nil || count == 0 {
			return nil, err
		}
		out := make([]*common.FileInfo, 0, count)
		for n := int64(1); n <= count; n++ {
			fi, err := v.child.LookupVersion(base, n)
			if err != nil {
				return nil, err
			}
			if fi == nil {
				continue
			}
			entry := fi.Clone()
			entry.ParentPath = normalized
			entry.Name = strconv.FormatInt(n, 10)
			out = append(out, entry)
		}
		return out, nil
	}
	if versioned {
		return nil, nil
	}
	return v.child.List(normalized)
}

func (v *FileVersions) Open(fi *common.FileInfo) (stream.Seekable, error) {
	return v.child.Open(fi)
}

func (v *FileVersions) Exists(path string) (bool, error) {
	fi, err := v.Lookup(path)
	return fi != nil, err
}

func (v *FileVersions) Xattrs(path string) (map[string][]byte, error) {
	fi, err := v.Lookup(path)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.Xattrs, nil
}

func (v *FileVersions) StatFS() common.StatFS { return v.child.StatFS() }

func (v *FileVersions) Enter() error { return v.child.Enter() }
func (v *FileVersions) Exit() error  { return v.child.Exit() }
