package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// Create opens (creating) a writable host file for path and records it as
// a new overlay member.
func (o *Overlay) Create(path string, mode uint32) (*os.File, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	host := o.hostPath(normalized)
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(host, os.O_CREATE|os.O_RDWR, os.FileMode(mode))
	if err != nil {
		return nil, err
	}
	if err := o.record(normalized, kindNewfile, ""); err != nil {
		f.Close()
		return nil, err
	}
	// A re-created file is no longer deleted.
	return f, o.unrecord(normalized, kindHidden)
}

// OpenForWrite copies the entry up if needed and opens the overlay copy.
func (o *Overlay) OpenForWrite(path string) (*os.File, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	host, err := o.copyUp(normalized)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(host, os.O_RDWR, 0)
}

// Truncate cuts the (copied-up) entry to size.
func (o *Overlay) Truncate(path string, size int64) error {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return err
	}
	host, err := o.copyUp(normalized)
	if err != nil {
		return err
	}
	return os.Truncate(host, size)
}

// Mkdir creates a directory in the overlay.
func (o *Overlay) Mkdir(path string, mode uint32) error {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return err
	}
	host := o.hostPath(normalized)
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(host, os.FileMode(mode)); err != nil {
		return err
	}
	return o.unrecord(normalized, kindHidden)
}

// Delete removes path: an overlay file is unlinked, a base-only entry gets
// a hidden marker so it vanishes from lookups and listings.
func (o *Overlay) Delete(path string) error {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return err
	}
	host := o.hostPath(normalized)
	inOverlay := false
	if _, err := os.Lstat(host); err == nil {
		inOverlay = true
		if err := os.RemoveAll(host); err != nil {
			return err
		}
		o.unrecord(normalized, kindNewfile)
	}

	baseFi, err := o.base.Lookup(normalized)
	if err != nil {
		return err
	}
	if baseFi != nil {
		return o.record(normalized, kindHidden, "")
	}
	if !inOverlay {
		return fmt.Errorf("delete %s: %w", normalized, common.ErrNotFound)
	}
	return nil
}

// Rename moves oldPath to newPath. Base-only entries are materialized
// first; a renamed marker hides the original from listings.
func (o *Overlay) Rename(oldPath, newPath string) error {
	oldNorm, err := common.NormalizePath(oldPath)
	if err != nil {
		return err
	}
	newNorm, err := common.NormalizePath(newPath)
	if err != nil {
		return err
	}

	oldHost, err := o.copyUp(oldNorm)
	if err != nil {
		return err
	}
	newHost := o.hostPath(newNorm)
	if err := os.MkdirAll(filepath.Dir(newHost), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldHost, newHost); err != nil {
		return err
	}

	if baseFi, err := o.base.Lookup(oldNorm); err == nil && baseFi != nil {
		if err := o.record(oldNorm, kindHidden, ""); err != nil {
			return err
		}
		if err := o.record(newNorm, kindRenamed, oldNorm); err != nil {
			return err
		}
	}
	return o.unrecord(newNorm, kindHidden)
}

// Chmod updates permissions: overlay entries directly on the host,
// base-only entries as a metadata marker without materializing bytes.
func (o *Overlay) Chmod(path string, mode uint32) error {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return err
	}
	host := o.hostPath(normalized)
	if _, err := os.Lstat(host); err == nil {
		return os.Chmod(host, os.FileMode(mode))
	}
	if fi, err := o.base.Lookup(normalized); err != nil || fi == nil {
		if err != nil {
			return err
		}
		return fmt.Errorf("chmod %s: %w", normalized, common.ErrNotFound)
	}
	return o.record(normalized, kindChmoded, strconv.FormatUint(uint64(mode), 8))
}

// Chtimes updates the modification time with the same split as Chmod.
func (o *Overlay) Chtimes(path string, mtime time.Time) error {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return err
	}
	host := o.hostPath(normalized)
	if _, err := os.Lstat(host); err == nil {
		return os.Chtimes(host, mtime, mtime)
	}
	if fi, err := o.base.Lookup(normalized); err != nil || fi == nil {
		if err != nil {
			return err
		}
		return fmt.Errorf("utime %s: %w", normalized, common.ErrNotFound)
	}
	return o.record(normalized, kindChtimed, strconv.FormatInt(mtime.Unix(), 10))
}

// Symlink creates a link inside the overlay. Targets pointing at base-only
// paths stay plain symlinks carrying the mounted path.
func (o *Overlay) Symlink(target, path string) error {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return err
	}
	host := o.hostPath(normalized)
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(target, host); err != nil {
		return err
	}
	return o.unrecord(normalized, kindHidden)
}

// Hardlink links newPath to oldPath. Both ends must live in the overlay
// folder; links into the read-only base cannot exist on the host.
func (o *Overlay) Hardlink(oldPath, newPath string) error {
	oldNorm, err := common.NormalizePath(oldPath)
	if err != nil {
		return err
	}
	newNorm, err := common.NormalizePath(newPath)
	if err != nil {
		return err
	}
	oldHost := o.hostPath(oldNorm)
	if _, err := os.Lstat(oldHost); err != nil {
		return fmt.Errorf("hardlink %s -> %s: %w", newNorm, oldNorm, common.ErrCrossBackendHardlink)
	}
	newHost := o.hostPath(newNorm)
	if err := os.MkdirAll(filepath.Dir(newHost), 0o755); err != nil {
		return err
	}
	return os.Link(oldHost, newHost)
}
