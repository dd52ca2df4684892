package source

import (
	"database/sql"
	"fmt"
	"io"
	"net/url"

	"github.com/klauspost/compress/zlib"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// SqlarSource serves an SQLite Archive (sqlar). The archive already is an
// SQLite database, so it doubles as its own index; members are stored plain
// or zlib-deflated, signalled by sz != length(data).
type SqlarSource struct {
	db   *sql.DB
	path string
}

func NewSqlarSource(path string) (*SqlarSource, error) {
	u := url.URL{
		Scheme:   "file",
		Opaque:   path,
		RawQuery: url.Values{"_pragma": {"query_only(1)"}}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("open sqlar %s: %w", path, err)
	}
	var n int64
	err = db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlar'`).Scan(&n)
	if err != nil || n == 0 {
		db.Close()
		return nil, fmt.Errorf("%s is not an sqlar archive: %w", path, common.ErrDecoder)
	}
	return &SqlarSource{db: db, path: path}, nil
}

func (s *SqlarSource) Name() string { return "sqlar" }

func sqlarEntry(name string, mode, mtime, sz int64) *common.FileInfo {
	normalized, err := common.NormalizePath(name)
	if err != nil || normalized == "/" {
		return nil
	}
	parent, base := common.SplitPath(normalized)
	fi := &common.FileInfo{
		ParentPath: parent,
		Name:       base,
		Mode:       uint32(mode & 0o7777),
		MTime:      mtime,
		Version:    1,
		Backend:    "sqlar",
	}
	switch mode & 0o170000 {
	case 0o120000:
		fi.Type = common.SymlinkEntry
	case 0o040000:
		fi.Type = common.DirectoryEntry
	default:
		fi.Type = common.RegularEntry
		fi.Size = uint64(sz)
	}
	return fi
}

func (s *SqlarSource) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if normalized == "/" {
		return &common.FileInfo{Type: common.DirectoryEntry, Mode: 0o755, Version: 1, Backend: "sqlar"}, nil
	}
	var name string
	var mode, mtime, sz int64
	err = s.db.QueryRow(
		`SELECT name, mode, mtime, sz FROM sqlar WHERE name = ? OR name = ?`,
		normalized[1:], "./"+normalized[1:]).Scan(&name, &mode, &mtime, &sz)
	if err == sql.ErrNoRows {
		// Directories are frequently implicit in sqlar archives.
		var n int64
		if s.db.QueryRow(`SELECT COUNT(*) FROM sqlar WHERE name LIKE ?`,
			normalized[1:]+"/%").Scan(&n) == nil && n > 0 {
			parent, base := common.SplitPath(normalized)
			return &common.FileInfo{
				ParentPath: parent, Name: base,
				Type: common.DirectoryEntry, Mode: 0o755, Version: 1, Backend: "sqlar",
			}, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fi := sqlarEntry(name, mode, mtime, sz)
	if fi != nil && fi.Type == common.SymlinkEntry {
		var target []byte
		if s.db.QueryRow(`SELECT data FROM sqlar WHERE name = ?`, name).Scan(&target) == nil {
			fi.LinkTarget = string(target)
		}
	}
	return fi, nil
}

func (s *SqlarSource) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	if version != 1 {
		return nil, nil
	}
	return s.Lookup(path)
}

func (s *SqlarSource) Versions(path string) (int64, error) {
	fi, err := s.Lookup(path)
	if err != nil || fi == nil {
		return 0, err
	}
	return 1, nil
}

func (s *SqlarSource) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if normalized != "/" {
		prefix = normalized[1:] + "/"
	}
	rows, err := s.db.Query(
		`SELECT name, mode, mtime, sz FROM sqlar
		 WHERE name LIKE ? AND name NOT LIKE ? ORDER BY name`,
		prefix+"%", prefix+"%/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	var out []*common.FileInfo
	for rows.Next() {
		var name string
		var mode, mtime, sz int64
		if err := rows.Scan(&name, &mode, &mtime, &sz); err != nil {
			return nil, err
		}
		if fi := sqlarEntry(name, mode, mtime, sz); fi != nil && !seen[fi.Name] {
			seen[fi.Name] = true
			out = append(out, fi)
		}
	}
	return out, rows.Err()
}

func (s *SqlarSource) Open(fi *common.FileInfo) (stream.Seekable, error) {
	if fi.Type == common.DirectoryEntry {
		return nil, fmt.Errorf("%s is a directory: %w", fi.Path(), common.ErrIO)
	}
	if fi.Type == common.SymlinkEntry {
		return stream.NewMemoryStream([]byte(fi.LinkTarget)), nil
	}
	var data []byte
	var sz int64
	err := s.db.QueryRow(
		`SELECT data, sz FROM sqlar WHERE name = ? OR name = ?`,
		fi.Path()[1:], "./"+fi.Path()[1:]).Scan(&data, &sz)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlar member %s: %w", fi.Path(), common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if int64(len(data)) == sz {
		return stream.NewMemoryStream(data), nil
	}
	zr, err := zlib.NewReader(stream.NewReader(stream.NewMemoryStream(data)))
	if err != nil {
		return nil, fmt.Errorf("sqlar member %s: %v: %w", fi.Path(), err, common.ErrDecoder)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("sqlar member %s: %v: %w", fi.Path(), err, common.ErrDecoder)
	}
	return stream.NewMemoryStream(out), nil
}

func (s *SqlarSource) Exists(path string) (bool, error) { return existsFromLookup(s, path) }

func (s *SqlarSource) Xattrs(path string) (map[string][]byte, error) { return nil, nil }

func (s *SqlarSource) StatFS() common.StatFS { return defaultStatFS(0) }

func (s *SqlarSource) Enter() error { return nil }
func (s *SqlarSource) Exit() error  { return s.db.Close() }
