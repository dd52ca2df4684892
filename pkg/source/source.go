// Package source defines the mount-source trait, the per-format backends,
// and the factory that sniffs an input and instantiates the right one.
package source

import (
	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// MountSource is the polymorphic surface every backend and composition
// layer implements. Operations on nonexistent paths return (nil, nil), not
// an error; symlinks are never dereferenced here, that is the adapter's job.
type MountSource interface {
	// List yields the current version of every entry directly under
	// parentPath. Order carries no meaning for callers.
	List(parentPath string) ([]*common.FileInfo, error)

	// Lookup resolves a path to its current entry, nil when absent.
	Lookup(path string) (*common.FileInfo, error)

	// LookupVersion resolves one historical version (1-based).
	LookupVersion(path string, version int64) (*common.FileInfo, error)

	// Versions counts the recorded versions at path.
	Versions(path string) (int64, error)

	// Open returns an independent random-access cursor over the entry's
	// content. Safe for concurrent calls.
	Open(fi *common.FileInfo) (stream.Seekable, error)

	// Exists is a convenience over Lookup.
	Exists(path string) (bool, error)

	StatFS() common.StatFS

	// Xattrs returns recorded extended attributes for path, if any.
	Xattrs(path string) (map[string][]byte, error)

	// Enter arms background resources; Exit releases everything. Sources
	// must be usable only between the two, so a mount can be handed to a
	// daemonized process before any descriptor is opened.
	Enter() error
	Exit() error

	// Name is the backend tag stamped into FileInfo.Backend.
	Name() string
}

// existsFromLookup is the default Exists derivation.
func existsFromLookup(s MountSource, path string) (bool, error) {
	fi, err := s.Lookup(path)
	if err != nil {
		return false, err
	}
	return fi != nil, nil
}

// xattrsFromLookup is the default Xattrs derivation.
func xattrsFromLookup(s MountSource, path string) (map[string][]byte, error) {
	fi, err := s.Lookup(path)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.Xattrs, nil
}

func defaultStatFS(files uint64) common.StatFS {
	return common.StatFS{
		BlockSize:  common.DefaultBlockSize,
		Files:      files,
		NameLength: 255,
	}
}
