// Package index persists member metadata, compression checkpoints, and the
// archive fingerprint in an SQLite database so later mounts skip the parse
// pass entirely.
package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/beam-cloud/tarmount/pkg/common"
)

// SchemaVersion is bumped on any breaking layout change; older index files
// are refused, never migrated in place.
const SchemaVersion = 1

// BatchSize rows are inserted per transaction while indexing.
const BatchSize = 1000

const schema = `
CREATE TABLE IF NOT EXISTS files (
	archive_id  INTEGER NOT NULL DEFAULT 0,
	parent_path TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	type        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	mode        INTEGER NOT NULL,
	uid         INTEGER NOT NULL DEFAULT 0,
	gid         INTEGER NOT NULL DEFAULT 0,
	mtime       INTEGER NOT NULL DEFAULT 0,
	linkname    TEXT    NOT NULL DEFAULT '',
	offset      INTEGER NOT NULL DEFAULT 0,
	streamsize  INTEGER NOT NULL DEFAULT 0,
	sparsity    BLOB,
	hostpath    TEXT    NOT NULL DEFAULT '',
	backend     TEXT    NOT NULL DEFAULT '',
	encrypted   INTEGER NOT NULL DEFAULT 0,
	xattrs      BLOB,
	PRIMARY KEY (archive_id, parent_path, name, version)
);
CREATE INDEX IF NOT EXISTS files_parent ON files (archive_id, parent_path);
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS seekindexes (
	archive_id INTEGER NOT NULL,
	codec      TEXT    NOT NULL,
	data       BLOB    NOT NULL,
	PRIMARY KEY (archive_id, codec)
);
`

// Index wraps one SQLite database. Reads run concurrently through the pooled
// connections; writes are serialized behind mu and batched.
type Index struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	lock *flock.Flock
}

func dsn(path string, readonly bool) string {
	pragmas := []string{"busy_timeout(10000)", "journal_mode(WAL)"}
	if readonly {
		pragmas = append(pragmas, "query_only(1)")
	}
	u := url.URL{
		Scheme:   "file",
		Opaque:   path,
		RawQuery: url.Values{"_pragma": pragmas}.Encode(),
	}
	return u.String()
}

// Create opens (creating if needed) a writable index. An empty path builds
// the index in memory, the mode used below IndexMinimumFileCount. On-disk
// creation takes a sibling flock so two processes do not index the same
// archive concurrently.
func Create(path string) (*Index, error) {
	idx := &Index{path: path}
	var db *sql.DB
	var err error
	if path == "" {
		db, err = sql.Open("sqlite", dsn(":memory:", false))
	} else {
		idx.lock = flock.New(path + ".lock")
		if err := idx.lock.Lock(); err != nil {
			return nil, fmt.Errorf("index lock %s: %w", path, err)
		}
		db, err = sql.Open("sqlite", dsn(path, false))
	}
	if err != nil {
		idx.unlock()
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	if path == "" {
		// The in-memory database vanishes with its connection.
		db.SetMaxOpenConns(1)
	}
	idx.db = db
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		idx.unlock()
		return nil, fmt.Errorf("create schema: %v: %w", err, common.ErrIndexNotWritable)
	}
	if err := idx.SetMetadata("schema_version", strconv.Itoa(SchemaVersion)); err != nil {
		db.Close()
		idx.unlock()
		return nil, err
	}
	return idx, nil
}

// Open opens an existing index read-only and validates its schema version
// and integrity. Fingerprint validation is the caller's second step, since
// only the mount source knows the archive and option set to compare with.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	idx := &Index{db: db, path: path}

	var check string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&check); err != nil || check != "ok" {
		db.Close()
		return nil, fmt.Errorf("index %s integrity: %s: %w", path, check, common.ErrIndexCorrupt)
	}

	version, err := idx.Metadata("schema_version")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index %s has no schema version: %w", path, common.ErrIndexCorrupt)
	}
	if v, err := strconv.Atoi(version); err != nil || v != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("index %s schema version %s, want %d: %w",
			path, version, SchemaVersion, common.ErrIndexSchemaMismatch)
	}
	return idx, nil
}

func (idx *Index) unlock() {
	if idx.lock != nil {
		idx.lock.Unlock()
		idx.lock = nil
	}
}

func (idx *Index) Path() string { return idx.path }

func (idx *Index) Close() error {
	idx.unlock()
	return idx.db.Close()
}

// Finalize compacts the database after indexing and releases the creation
// lock.
func (idx *Index) Finalize() error {
	if _, err := idx.db.Exec(`VACUUM`); err != nil {
		log.Warn().Err(err).Str("index", idx.path).Msg("vacuum failed")
	}
	idx.unlock()
	return nil
}

// PersistTo writes a compacted copy of the database to path. Indexing below
// IndexMinimumFileCount runs in memory and only lands on disk through here.
func (idx *Index) PersistTo(path string) error {
	if _, err := idx.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("persist index to %s: %v: %w", path, err, common.ErrIndexNotWritable)
	}
	return nil
}

func (idx *Index) SetMetadata(key, value string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata %s: %v: %w", key, err, common.ErrIndexNotWritable)
	}
	return nil
}

// Metadata returns the value for key; sql.ErrNoRows maps to ErrNotFound.
func (idx *Index) Metadata(key string) (string, error) {
	var value string
	err := idx.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("metadata %s: %w", key, common.ErrNotFound)
	}
	return value, err
}

// Batch accumulates rows and flushes them in BatchSize transactions.
type Batch struct {
	idx     *Index
	pending []*common.FileInfo
}

func (idx *Index) NewBatch() *Batch {
	return &Batch{idx: idx, pending: make([]*common.FileInfo, 0, BatchSize)}
}

func (b *Batch) Add(fi *common.FileInfo) error {
	b.pending = append(b.pending, fi)
	if len(b.pending) >= BatchSize {
		return b.Flush()
	}
	return nil
}

func (b *Batch) Flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	b.idx.mu.Lock()
	defer b.idx.mu.Unlock()

	tx, err := b.idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO files
		 (archive_id, parent_path, name, version, type, size, mode, uid, gid,
		  mtime, linkname, offset, streamsize, sparsity, hostpath, backend,
		  encrypted, xattrs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	for _, fi := range b.pending {
		var xattrs []byte
		if len(fi.Xattrs) > 0 {
			xattrs, _ = json.Marshal(fi.Xattrs)
		}
		encrypted := 0
		if fi.Encrypted {
			encrypted = 1
		}
		_, err := stmt.Exec(
			fi.ArchiveID, fi.ParentPath, fi.Name, fi.Version, int(fi.Type),
			fi.Size, fi.Mode, fi.UID, fi.GID, fi.MTime, fi.LinkTarget,
			fi.Offset, fi.StreamSize, common.EncodeSparsity(fi.Sparsity),
			fi.HostPath, fi.Backend, encrypted, xattrs)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert %s: %v: %w", fi.Path(), err, common.ErrIndexNotWritable)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	b.pending = b.pending[:0]
	return nil
}

const fileColumns = `archive_id, parent_path, name, version, type, size, mode,
	uid, gid, mtime, linkname, offset, streamsize, sparsity, hostpath,
	backend, encrypted, xattrs`

func scanFileInfo(row interface{ Scan(...any) error }) (*common.FileInfo, error) {
	fi := &common.FileInfo{}
	var typ, encrypted int
	var sparsity, xattrs []byte
	err := row.Scan(
		&fi.ArchiveID, &fi.ParentPath, &fi.Name, &fi.Version, &typ, &fi.Size,
		&fi.Mode, &fi.UID, &fi.GID, &fi.MTime, &fi.LinkTarget, &fi.Offset,
		&fi.StreamSize, &sparsity, &fi.HostPath, &fi.Backend, &encrypted,
		&xattrs)
	if err != nil {
		return nil, err
	}
	fi.Type = common.EntryType(typ)
	fi.Encrypted = encrypted != 0
	if fi.Sparsity, err = common.DecodeSparsity(sparsity); err != nil {
		return nil, err
	}
	if len(xattrs) > 0 {
		if err := json.Unmarshal(xattrs, &fi.Xattrs); err != nil {
			return nil, fmt.Errorf("xattrs for %s: %w", fi.Path(), common.ErrIndexCorrupt)
		}
	}
	return fi, nil
}

// Lookup returns the current (highest) version at path, or nil when absent.
func (idx *Index) Lookup(archiveID int64, path string) (*common.FileInfo, error) {
	parent, name := common.SplitPath(path)
	row := idx.db.QueryRow(
		`SELECT `+fileColumns+` FROM files
		 WHERE archive_id = ? AND parent_path = ? AND name = ?
		 ORDER BY version DESC LIMIT 1`, archiveID, parent, name)
	fi, err := scanFileInfo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return fi, err
}

// LookupVersion returns one historical version (1-based, insertion order).
func (idx *Index) LookupVersion(archiveID int64, path string, version int64) (*common.FileInfo, error) {
	parent, name := common.SplitPath(path)
	row := idx.db.QueryRow(
		`SELECT `+fileColumns+` FROM files
		 WHERE archive_id = ? AND parent_path = ? AND name = ? AND version = ?`,
		archiveID, parent, name, version)
	fi, err := scanFileInfo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return fi, err
}

// Versions counts the recorded versions at path.
func (idx *Index) Versions(archiveID int64, path string) (int64, error) {
	parent, name := common.SplitPath(path)
	var n int64
	err := idx.db.QueryRow(
		`SELECT COUNT(*) FROM files
		 WHERE archive_id = ? AND parent_path = ? AND name = ?`,
		archiveID, parent, name).Scan(&n)
	return n, err
}

// List returns the current version of every entry under parentPath.
func (idx *Index) List(archiveID int64, parentPath string) ([]*common.FileInfo, error) {
	if parentPath == "" {
		parentPath = "/"
	}
	rows, err := idx.db.Query(
		`SELECT `+fileColumns+`, MAX(version) FROM files
		 WHERE archive_id = ? AND parent_path = ?
		 GROUP BY name ORDER BY name`, archiveID, parentPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.FileInfo
	for rows.Next() {
		fi := &common.FileInfo{}
		var typ, encrypted int
		var sparsity, xattrs []byte
		var maxVersion int64
		err := rows.Scan(
			&fi.ArchiveID, &fi.ParentPath, &fi.Name, &fi.Version, &typ,
			&fi.Size, &fi.Mode, &fi.UID, &fi.GID, &fi.MTime, &fi.LinkTarget,
			&fi.Offset, &fi.StreamSize, &sparsity, &fi.HostPath, &fi.Backend,
			&encrypted, &xattrs, &maxVersion)
		if err != nil {
			return nil, err
		}
		fi.Type = common.EntryType(typ)
		fi.Encrypted = encrypted != 0
		if fi.Sparsity, err = common.DecodeSparsity(sparsity); err != nil {
			return nil, err
		}
		if len(xattrs) > 0 {
			if err := json.Unmarshal(xattrs, &fi.Xattrs); err != nil {
				return nil, fmt.Errorf("xattrs for %s: %w", fi.Path(), common.ErrIndexCorrupt)
			}
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// CountEntries reports the number of rows for one archive scope.
func (idx *Index) CountEntries(archiveID int64) (int64, error) {
	var n int64
	err := idx.db.QueryRow(
		`SELECT COUNT(*) FROM files WHERE archive_id = ?`, archiveID).Scan(&n)
	return n, err
}

// MaxDataEnd returns the greatest offset+streamsize, the tail position used
// by append detection.
func (idx *Index) MaxDataEnd(archiveID int64) (int64, error) {
	var end sql.NullInt64
	err := idx.db.QueryRow(
		`SELECT MAX(offset + streamsize) FROM files WHERE archive_id = ?`,
		archiveID).Scan(&end)
	return end.Int64, err
}

// StoreSeekIndex persists one codec's checkpoint blob.
func (idx *Index) StoreSeekIndex(archiveID int64, codec string, blob []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO seekindexes (archive_id, codec, data) VALUES (?, ?, ?)`,
		archiveID, codec, blob)
	if err != nil {
		return fmt.Errorf("store %s seek index: %v: %w", codec, err, common.ErrIndexNotWritable)
	}
	return nil
}

// LoadSeekIndex returns the stored checkpoint blob, or nil when absent.
func (idx *Index) LoadSeekIndex(archiveID int64, codec string) ([]byte, error) {
	var blob []byte
	err := idx.db.QueryRow(
		`SELECT data FROM seekindexes WHERE archive_id = ? AND codec = ?`,
		archiveID, codec).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return blob, err
}
