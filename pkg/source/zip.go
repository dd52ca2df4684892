package source

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// ZipSource serves a zip archive through its central directory. The
// directory already is a random-access index, so no SQLite pass is needed;
// stored members map straight onto byte ranges, deflated members go through
// a member-scoped decompressor.
type ZipSource struct {
	src       stream.Seekable
	zr        *zip.Reader
	entries   map[string]*common.FileInfo
	children  map[string][]*common.FileInfo
	files     map[string]*zip.File
	passwords []string
}

func NewZipSource(src stream.Seekable, opts common.MountOptions) (*ZipSource, error) {
	zr, err := zip.NewReader(readerAtAdapter{src}, src.Size())
	if err != nil {
		return nil, fmt.Errorf("zip central directory: %v: %w", err, common.ErrDecoder)
	}
	s := &ZipSource{
		src:       src,
		zr:        zr,
		entries:   map[string]*common.FileInfo{},
		children:  map[string][]*common.FileInfo{},
		files:     map[string]*zip.File{},
		passwords: opts.AllPasswords(),
	}
	s.entries["/"] = &common.FileInfo{Type: common.DirectoryEntry, Mode: 0o755, Version: 1, Backend: "zip"}

	for _, f := range zr.File {
		normalized, err := common.NormalizePath(f.Name)
		if err != nil {
			return nil, fmt.Errorf("zip member %q: %w", f.Name, err)
		}
		if normalized == "/" {
			continue
		}
		isDir := strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
		parent, name := common.SplitPath(normalized)
		s.ensureDir(parent)

		fi := &common.FileInfo{
			ParentPath: parent,
			Name:       name,
			Size:       f.UncompressedSize64,
			Mode:       uint32(f.Mode().Perm()),
			MTime:      f.Modified.Unix(),
			Version:    1,
			Backend:    "zip",
			Encrypted:  f.Flags&0x1 != 0,
		}
		if isDir {
			fi.Type = common.DirectoryEntry
			fi.Size = 0
		} else {
			fi.Type = common.RegularEntry
			s.files[normalized] = f
		}
		if _, dup := s.entries[normalized]; !dup || !isDir {
			s.insert(normalized, fi)
		}
	}
	for _, siblings := range s.children {
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].Name < siblings[j].Name })
	}
	return s, nil
}

// readerAtAdapter narrows a Seekable to the io.ReaderAt archive/zip wants.
type readerAtAdapter struct {
	s stream.Seekable
}

func (a readerAtAdapter) ReadAt(p []byte, off int64) (int, error) { return a.s.ReadAt(p, off) }

func (s *ZipSource) ensureDir(path string) {
	if path == "" || s.entries[path] != nil {
		return
	}
	parent, name := common.SplitPath(path)
	s.ensureDir(parent)
	s.insert(path, &common.FileInfo{
		ParentPath: parent,
		Name:       name,
		Type:       common.DirectoryEntry,
		Mode:       0o755,
		Version:    1,
		Backend:    "zip",
	})
}

func (s *ZipSource) insert(path string, fi *common.FileInfo) {
	if old := s.entries[path]; old != nil {
		for i, sib := range s.children[fi.ParentPath] {
			if sib == old {
				s.children[fi.ParentPath] = append(s.children[fi.ParentPath][:i], s.children[fi.ParentPath][i+1:]...)
				break
			}
		}
	}
	s.entries[path] = fi
	if path != "/" {
		s.children[fi.ParentPath] = append(s.children[fi.ParentPath], fi)
	}
}

func (s *ZipSource) Name() string { return "zip" }

func (s *ZipSource) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return s.entries[normalized], nil
}

func (s *ZipSource) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	if version != 1 {
		return nil, nil
	}
	return s.Lookup(path)
}

func (s *ZipSource) Versions(path string) (int64, error) {
	fi, err := s.Lookup(path)
	if err != nil || fi == nil {
		return 0, err
	}
	return 1, nil
}

func (s *ZipSource) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	return s.children[normalized], nil
}

func (s *ZipSource) Open(fi *common.FileInfo) (stream.Seekable, error) {
	if fi.Type == common.DirectoryEntry {
		return nil, fmt.Errorf("%s is a directory: %w", fi.Path(), common.ErrIO)
	}
	if fi.Encrypted {
		if len(s.passwords) == 0 {
			return nil, fmt.Errorf("zip member %s: %w", fi.Path(), common.ErrPasswordRequired)
		}
		return nil, fmt.Errorf("zip member %s is encrypted: %w", fi.Path(), common.ErrDependencyMissing)
	}
	f := s.files[fi.Path()]
	if f == nil {
		return nil, fmt.Errorf("zip member %s: %w", fi.Path(), common.ErrNotFound)
	}

	if f.Method == zip.Store {
		off, err := f.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("zip member %s: %v: %w", fi.Path(), err, common.ErrDecoder)
		}
		return stream.NewSection(s.src, off, int64(f.UncompressedSize64)), nil
	}

	// Deflated members have no random-access structure of their own; the
	// member is inflated once and served from memory.
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("zip member %s: %v: %w", fi.Path(), err, common.ErrDecoder)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("zip member %s: %v: %w", fi.Path(), err, common.ErrDecoder)
	}
	return stream.NewMemoryStream(buf), nil
}

func (s *ZipSource) Exists(path string) (bool, error) { return existsFromLookup(s, path) }

func (s *ZipSource) Xattrs(path string) (map[string][]byte, error) {
	return xattrsFromLookup(s, path)
}

func (s *ZipSource) StatFS() common.StatFS { return defaultStatFS(uint64(len(s.entries) - 1)) }

func (s *ZipSource) Enter() error { return nil }
func (s *ZipSource) Exit() error  { return s.src.Close() }
