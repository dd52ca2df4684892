package source

import (
	"fmt"
	"path"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/compress"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// SingleFileSource presents a compressed non-archive (foo.gz, foo.xz, ...)
// as a root directory holding exactly one member: the decompressed file with
// its compression extension stripped.
type SingleFileSource struct {
	name  string
	entry *common.FileInfo
	data  stream.Seekable
}

var compressionExtensions = map[string]string{
	".gz":   "gzip",
	".bz2":  "bzip2",
	".xz":   "xz",
	".zst":  "zstd",
	".lz4":  "lz4",
	".tgz":  "gzip",
	".tbz2": "bzip2",
	".txz":  "xz",
}

// StripCompressionExtension removes a recognized compression suffix.
func StripCompressionExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if _, ok := compressionExtensions[ext]; ok {
		return strings.TrimSuffix(name, path.Ext(name))
	}
	return name
}

// NewSingleFileSource wraps src, which must carry a recognized compression
// magic, as a one-member tree. archiveName names the member after stripping.
func NewSingleFileSource(src stream.Seekable, archiveName string, mtime int64, opts common.MountOptions) (*SingleFileSource, error) {
	opts = opts.WithDefaults()
	codec, ok := compress.Detect(src)
	if !ok {
		return nil, fmt.Errorf("no compression magic in %s: %w", archiveName, common.ErrDecoder)
	}
	data, err := compress.NewReader(src, codec, nil, int64(opts.SeekPointSpacing))
	if err != nil {
		return nil, err
	}

	memberName := StripCompressionExtension(path.Base(archiveName))
	if memberName == "" || memberName == "." {
		memberName = "contents"
	}
	return &SingleFileSource{
		name: memberName,
		data: data,
		entry: &common.FileInfo{
			ParentPath: "/",
			Name:       memberName,
			Type:       common.RegularEntry,
			Mode:       0o644,
			Size:       uint64(data.Size()),
			StreamSize: data.Size(),
			MTime:      mtime,
			Version:    1,
			Backend:    "single",
		},
	}, nil
}

func (s *SingleFileSource) Name() string { return "single" }

func (s *SingleFileSource) root() *common.FileInfo {
	return &common.FileInfo{Type: common.DirectoryEntry, Mode: 0o755, Version: 1, Backend: "single"}
}

func (s *SingleFileSource) Lookup(p string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	switch normalized {
	case "/":
		return s.root(), nil
	case "/" + s.name:
		return s.entry, nil
	}
	return nil, nil
}

func (s *SingleFileSource) LookupVersion(p string, version int64) (*common.FileInfo, error) {
	if version != 1 {
		return nil, nil
	}
	return s.Lookup(p)
}

func (s *SingleFileSource) Versions(p string) (int64, error) {
	fi, err := s.Lookup(p)
	if err != nil || fi == nil {
		return 0, err
	}
	return 1, nil
}

func (s *SingleFileSource) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	if normalized != "/" {
		return nil, nil
	}
	return []*common.FileInfo{s.entry}, nil
}

func (s *SingleFileSource) Open(fi *common.FileInfo) (stream.Seekable, error) {
	if fi.Type != common.RegularEntry {
		return nil, fmt.Errorf("%s is not a file: %w", fi.Path(), common.ErrIO)
	}
	return stream.NewSection(s.data, 0, s.data.Size()), nil
}

func (s *SingleFileSource) Exists(p string) (bool, error) { return existsFromLookup(s, p) }

func (s *SingleFileSource) Xattrs(p string) (map[string][]byte, error) { return nil, nil }

func (s *SingleFileSource) StatFS() common.StatFS { return defaultStatFS(1) }

func (s *SingleFileSource) Enter() error { return nil }
func (s *SingleFileSource) Exit() error  { return s.data.Close() }
