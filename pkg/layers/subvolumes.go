package layers

import (
	"fmt"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// Subvolumes exposes named mount sources as sibling directories under the
// root: /name/rest dispatches to the child registered as name.
type Subvolumes struct {
	names    []string
	children map[string]source.MountSource
	ids      map[string]int
}

func NewSubvolumes() *Subvolumes {
	return &Subvolumes{
		children: map[string]source.MountSource{},
		ids:      map[string]int{},
	}
}

// Add registers child under name. Names are first-come, duplicates refused.
func (s *Subvolumes) Add(name string, child source.MountSource) error {
	if strings.ContainsAny(name, "/\x00") || name == "" {
		return fmt.Errorf("subvolume name %q: %w", name, common.ErrInvalidPath)
	}
	if _, dup := s.children[name]; dup {
		return fmt.Errorf("subvolume %q already registered", name)
	}
	s.ids[name] = len(s.names)
	s.names = append(s.names, name)
	s.children[name] = child
	return nil
}

func (s *Subvolumes) Name() string { return "subvolumes" }

func (s *Subvolumes) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if normalized == "/" {
		return &common.FileInfo{Type: common.DirectoryEntry, Mode: 0o555, Version: 1, Backend: "subvolumes"}, nil
	}
	child, id, rest, name := s.splitNamed(normalized)
	if child == nil {
		return nil, nil
	}
	if rest == "/" {
		return &common.FileInfo{
			ParentPath: "/", Name: name,
			Type: common.DirectoryEntry, Mode: 0o555, Version: 1, Backend: "subvolumes",
		}, nil
	}
	fi, err := child.Lookup(rest)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.PushRoute(id), nil
}

func (s *Subvolumes) splitNamed(path string) (source.MountSource, int, string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	name, rest, _ := strings.Cut(trimmed, "/")
	child, ok := s.children[name]
	if !ok {
		return nil, -1, "", ""
	}
	return child, s.ids[name], "/" + rest, name
}

func (s *Subvolumes) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	child, id, rest, _ := s.splitNamed(normalized)
	if child == nil || rest == "/" {
		return nil, nil
	}
	fi, err := child.LookupVersion(rest, version)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.PushRoute(id), nil
}

func (s *Subvolumes) Versions(path string) (int64, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return 0, err
	}
	child, _, rest, _ := s.splitNamed(normalized)
	if child == nil || rest == "/" {
		return 0, nil
	}
	return child.Versions(rest)
}

func (s *Subvolumes) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	if normalized == "/" {
		out := make([]*common.FileInfo, 0, len(s.names))
		for _, name := range s.names {
			out = append(out, &common.FileInfo{
				ParentPath: "/", Name: name,
				Type: common.DirectoryEntry, Mode: 0o555, Version: 1, Backend: "subvolumes",
			})
		}
		return out, nil
	}
	child, id, rest, _ := s.splitNamed(normalized)
	if child == nil {
		return nil, nil
	}
	entries, err := child.List(rest)
	if err != nil {
		return nil, err
	}
	out := make([]*common.FileInfo, 0, len(entries))
	for _, fi := range entries {
		out = append(out, fi.PushRoute(id))
	}
	return out, nil
}

func (s *Subvolumes) Open(fi *common.FileInfo) (stream.Seekable, error) {
	inner, id, ok := fi.PopRoute()
	if !ok || id < 0 || id >= len(s.names) {
		return nil, fmt.Errorf("subvolume open %s: no route: %w", fi.Path(), common.ErrNotFound)
	}
	return s.children[s.names[id]].Open(inner)
}

func (s *Subvolumes) Exists(path string) (bool, error) {
	fi, err := s.Lookup(path)
	return fi != nil, err
}

func (s *Subvolumes) Xattrs(path string) (map[string][]byte, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	child, _, rest, _ := s.splitNamed(normalized)
	if child == nil || rest == "/" {
		return nil, nil
	}
	return child.Xattrs(rest)
}

func (s *Subvolumes) StatFS() common.StatFS {
	var files uint64
	for _, child := range s.children {
		files += child.StatFS().Files
	}
	return common.StatFS{BlockSize: common.DefaultBlockSize, Files: files, NameLength: 255}
}

func (s *Subvolumes) Enter() error {
	for _, name := range s.names {
		if err := s.children[name].Enter(); err != nil {
			s.Exit()
			return err
		}
	}
	return nil
}

func (s *Subvolumes) Exit() error {
	var first error
	for _, name := range s.names {
		if err := s.children[name].Exit(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
