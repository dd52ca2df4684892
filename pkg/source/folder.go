package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/karrick/godirwalk"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// FolderSource serves a host directory tree as a mount source. Entries are
// resolved on demand; nothing is indexed up front.
type FolderSource struct {
	root string
}

func NewFolderSource(root string) (*FolderSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("folder %s: %w", root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &FolderSource{root: abs}, nil
}

func (s *FolderSource) Name() string { return "folder" }

func (s *FolderSource) hostPath(path string) (string, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(normalized)), nil
}

func (s *FolderSource) statEntry(host, parent, name string) (*common.FileInfo, error) {
	st, err := os.Lstat(host)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fi := &common.FileInfo{
		ParentPath: parent,
		Name:       name,
		Size:       uint64(st.Size()),
		Mode:       uint32(st.Mode().Perm()),
		MTime:      st.ModTime().Unix(),
		HostPath:   host,
		Backend:    "folder",
		Version:    1,
	}
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		fi.UID = sys.Uid
		fi.GID = sys.Gid
	}

	switch {
	case st.Mode()&os.ModeSymlink != 0:
		fi.Type = common.SymlinkEntry
		target, err := os.Readlink(host)
		if err != nil {
			return nil, err
		}
		fi.LinkTarget = target
		// A target escaping the mounted root stays recorded as a link; the
		// host path keeps resolving through it, so the subtree remains
		// traversable without rewriting the entry.
		if resolved, err := filepath.EvalSymlinks(host); err == nil {
			fi.HostPath = resolved
		}
	case st.IsDir():
		fi.Type = common.DirectoryEntry
	case st.Mode()&os.ModeNamedPipe != 0:
		fi.Type = common.FifoEntry
	case st.Mode()&os.ModeSocket != 0:
		fi.Type = common.SocketEntry
	case st.Mode()&os.ModeCharDevice != 0:
		fi.Type = common.CharEntry
	case st.Mode()&os.ModeDevice != 0:
		fi.Type = common.BlockEntry
	default:
		fi.Type = common.RegularEntry
	}
	return fi, nil
}

func (s *FolderSource) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	host, err := s.hostPath(normalized)
	if err != nil {
		return nil, err
	}
	parent, name := common.SplitPath(normalized)
	return s.statEntry(host, parent, name)
}

func (s *FolderSource) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	if version != 1 {
		return nil, nil
	}
	return s.Lookup(path)
}

func (s *FolderSource) Versions(path string) (int64, error) {
	ok, err := s.Exists(path)
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

func (s *FolderSource) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	host, err := s.hostPath(normalized)
	if err != nil {
		return nil, err
	}
	dirents, err := godirwalk.ReadDirents(host, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Sort(dirents)

	out := make([]*common.FileInfo, 0, len(dirents))
	for _, de := range dirents {
		fi, err := s.statEntry(filepath.Join(host, de.Name()), normalized, de.Name())
		if err != nil || fi == nil {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

func (s *FolderSource) Open(fi *common.FileInfo) (stream.Seekable, error) {
	if fi.Type == common.SymlinkEntry {
		return stream.NewMemoryStream([]byte(fi.LinkTarget)), nil
	}
	return stream.OpenFile(fi.HostPath)
}

func (s *FolderSource) Exists(path string) (bool, error) { return existsFromLookup(s, path) }

func (s *FolderSource) Xattrs(path string) (map[string][]byte, error) {
	return xattrsFromLookup(s, path)
}

func (s *FolderSource) StatFS() common.StatFS { return defaultStatFS(0) }

func (s *FolderSource) Enter() error { return nil }
func (s *FolderSource) Exit() error  { return nil }

// Root exposes the backing directory, used by the write overlay.
func (s *FolderSource) Root() string { return s.root }
