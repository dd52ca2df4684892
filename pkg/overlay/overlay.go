// Package overlay adds copy-on-write semantics on top of any read-only
// mount source, backed by a host folder plus a companion SQLite database.
// The database is mandatory: deletions and metadata-only overrides of
// archive members cannot be represented on the host filesystem alone.
package overlay

import (
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// DatabaseName is the companion database inside the overlay folder.
const DatabaseName = ".tarmount.overlay.sqlite"

// Record kinds persisted in the overlay database.
const (
	kindHidden  = "hidden"
	kindRenamed = "renamed"
	kindChmoded = "chmoded"
	kindChtimed = "chtimed"
	kindNewfile = "newfile"
)

const overlaySchema = `
CREATE TABLE IF NOT EXISTS overlay (
	path    TEXT NOT NULL,
	kind    TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (path, kind)
);
`

// Overlay implements the mount-source trait plus the write operations.
type Overlay struct {
	base source.MountSource
	dir  string

	mu sync.Mutex
	db *sql.DB
}

func NewOverlay(base source.MountSource, dir string) (*Overlay, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("overlay folder %s: %w", dir, err)
	}
	dbPath := filepath.Join(dir, DatabaseName)
	u := url.URL{
		Scheme:   "file",
		Opaque:   dbPath,
		RawQuery: url.Values{"_pragma": {"busy_timeout(10000)", "journal_mode(WAL)"}}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("overlay database %s: %w", dbPath, err)
	}
	if _, err := db.Exec(overlaySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay schema: %w", err)
	}
	return &Overlay{base: base, dir: dir, db: db}, nil
}

func (o *Overlay) Name() string { return "overlay" }

func (o *Overlay) hostPath(path string) string {
	return filepath.Join(o.dir, filepath.FromSlash(path))
}

func (o *Overlay) record(path, kind, payload string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.db.Exec(
		`INSERT INTO overlay (path, kind, payload) VALUES (?, ?, ?)
		 ON CONFLICT (path, kind) DO UPDATE SET payload = excluded.payload`,
		path, kind, payload)
	return err
}

func (o *Overlay) unrecord(path, kind string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.db.Exec(`DELETE FROM overlay WHERE path = ? AND kind = ?`, path, kind)
	return err
}

func (o *Overlay) records(path string) (map[string]string, error) {
	rows, err := o.db.Query(`SELECT kind, payload FROM overlay WHERE path = ?`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var kind, payload string
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, err
		}
		out[kind] = payload
	}
	return out, rows.Err()
}

// Hidden reports whether path is masked by a deletion marker.
func (o *Overlay) Hidden(path string) (bool, error) {
	var n int64
	err := o.db.QueryRow(
		`SELECT COUNT(*) FROM overlay WHERE path = ? AND kind = ?`,
		path, kindHidden).Scan(&n)
	return n > 0, err
}

// HiddenPaths returns every deletion marker, used by commit-overlay.
func (o *Overlay) HiddenPaths() ([]string, error) {
	rows, err := o.db.Query(`SELECT path FROM overlay WHERE kind = ? ORDER BY path`, kindHidden)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Lookup resolves through the overlay first: a host file wins, a hidden
// marker erases, metadata markers decorate the base entry, and anything
// untouched falls through unchanged.
func (o *Overlay) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(filepath.Base(normalized), DatabaseName) {
		return nil, nil
	}

	if fi, err := o.statHost(normalized); err != nil || fi != nil {
		return fi, err
	}

	recs, err := o.records(normalized)
	if err != nil {
		return nil, err
	}
	if _, hidden := recs[kindHidden]; hidden {
		return nil, nil
	}

	fi, err := o.base.Lookup(normalized)
	if err != nil || fi == nil {
		return nil, err
	}
	return o.applyOverrides(fi, recs), nil
}

func (o *Overlay) statHost(normalized string) (*common.FileInfo, error) {
	host := o.hostPath(normalized)
	st, err := os.Lstat(host)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parent, name := common.SplitPath(normalized)
	fi := &common.FileInfo{
		ParentPath: parent,
		Name:       name,
		Size:       uint64(st.Size()),
		Mode:       uint32(st.Mode().Perm()),
		MTime:      st.ModTime().Unix(),
		HostPath:   host,
		Version:    1,
		Backend:    "overlay",
	}
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		fi.UID = sys.Uid
		fi.GID = sys.Gid
	}
	switch {
	case st.Mode()&os.ModeSymlink != 0:
		fi.Type = common.SymlinkEntry
		if target, err := os.Readlink(host); err == nil {
			fi.LinkTarget = target
		}
	case st.IsDir():
		fi.Type = common.DirectoryEntry
	default:
		fi.Type = common.RegularEntry
	}
	return fi, nil
}

func (o *Overlay) applyOverrides(fi *common.FileInfo, recs map[string]string) *common.FileInfo {
	if len(recs) == 0 {
		return fi
	}
	out := fi.Clone()
	if v, ok := recs[kindChmoded]; ok {
		var mode uint32
		fmt.Sscanf(v, "%o", &mode)
		out.Mode = mode
	}
	if v, ok := recs[kindChtimed]; ok {
		var mtime int64
		fmt.Sscanf(v, "%d", &mtime)
		out.MTime = mtime
	}
	return out
}

func (o *Overlay) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	return o.base.LookupVersion(path, version)
}

func (o *Overlay) Versions(path string) (int64, error) {
	fi, err := o.Lookup(path)
	if err != nil || fi == nil {
		return 0, err
	}
	if fi.Backend == "overlay" {
		return 1, nil
	}
	return o.base.Versions(path)
}

// List merges the base listing with the overlay folder, dropping hidden and
// renamed-away names.
func (o *Overlay) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}

	merged := map[string]*common.FileInfo{}
	baseEntries, err := o.base.List(normalized)
	if err != nil {
		return nil, err
	}
	for _, fi := range baseEntries {
		childPath := fi.Path()
		recs, err := o.records(childPath)
		if err != nil {
			return nil, err
		}
		if _, hidden := recs[kindHidden]; hidden {
			continue
		}
		merged[fi.Name] = o.applyOverrides(fi, recs)
	}

	host := o.hostPath(normalized)
	if dirents, err := os.ReadDir(host); err == nil {
		for _, de := range dirents {
			if strings.HasPrefix(de.Name(), DatabaseName) {
				continue
			}
			childPath := normalized + "/" + de.Name()
			if normalized == "/" {
				childPath = "/" + de.Name()
			}
			fi, err := o.statHost(childPath)
			if err != nil || fi == nil {
				continue
			}
			merged[fi.Name] = fi
		}
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*common.FileInfo, 0, len(names))
	for _, name := range names {
		out = append(out, merged[name])
	}
	return out, nil
}

func (o *Overlay) Open(fi *common.FileInfo) (stream.Seekable, error) {
	if fi.Backend == "overlay" {
		if fi.Type == common.SymlinkEntry {
			return stream.NewMemoryStream([]byte(fi.LinkTarget)), nil
		}
		return stream.OpenFile(fi.HostPath)
	}
	return o.base.Open(fi)
}

func (o *Overlay) Exists(path string) (bool, error) {
	fi, err := o.Lookup(path)
	return fi != nil, err
}

func (o *Overlay) Xattrs(path string) (map[string][]byte, error) {
	fi, err := o.Lookup(path)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.Xattrs, nil
}

func (o *Overlay) StatFS() common.StatFS { return o.base.StatFS() }

func (o *Overlay) Enter() error { return o.base.Enter() }

func (o *Overlay) Exit() error {
	o.mu.Lock()
	if o.db != nil {
		o.db.Close()
		o.db = nil
	}
	o.mu.Unlock()
	return o.base.Exit()
}

// copyUp materializes a base entry's bytes into the overlay folder.
func (o *Overlay) copyUp(normalized string) (string, error) {
	host := o.hostPath(normalized)
	if _, err := os.Lstat(host); err == nil {
		return host, nil
	}

	fi, err := o.base.Lookup(normalized)
	if err != nil {
		return "", err
	}
	if fi == nil {
		return "", fmt.Errorf("copy-up %s: %w", normalized, common.ErrNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return "", err
	}

	switch fi.Type {
	case common.DirectoryEntry:
		if err := os.MkdirAll(host, os.FileMode(fi.Mode)); err != nil {
			return "", err
		}
	case common.SymlinkEntry:
		if err := os.Symlink(fi.LinkTarget, host); err != nil {
			return "", err
		}
	default:
		src, err := o.base.Open(fi)
		if err != nil {
			return "", err
		}
		defer src.Close()
		dst, err := os.OpenFile(host, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(fi.Mode))
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(dst, stream.NewReader(src)); err != nil {
			dst.Close()
			os.Remove(host)
			return "", err
		}
		if err := dst.Close(); err != nil {
			return "", err
		}
		os.Chtimes(host, time.Unix(fi.MTime, 0), time.Unix(fi.MTime, 0))
	}
	log.Debug().Str("path", normalized).Msg("copied entry up into overlay")
	return host, nil
}
