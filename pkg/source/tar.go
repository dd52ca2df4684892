package source

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/cache"
	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/compress"
	"github.com/beam-cloud/tarmount/pkg/index"
	"github.com/beam-cloud/tarmount/pkg/stream"
	"github.com/beam-cloud/tarmount/pkg/tarparser"
)

const tarBackendVersion = "1"

// TarSource serves a tar archive (optionally behind a seekable
// decompressor) out of its SQLite index.
type TarSource struct {
	raw   stream.Seekable // compressed or plain archive bytes
	data  stream.Seekable // decompressed view the member offsets address
	codec compress.Codec

	idx       *index.Index
	archiveID int64
	opts      common.MountOptions

	lookups *cache.LookupCache
	pool    *cache.HandlePool
}

// NewTarSource indexes (or re-opens the index of) the archive behind src.
// archivePath is the local path used to place the index file; it may be
// empty for purely remote streams, which then index in memory or at
// opts.IndexPath.
func NewTarSource(src stream.Seekable, archivePath string, mtime int64, opts common.MountOptions) (*TarSource, error) {
	opts = opts.WithDefaults()

	s := &TarSource{raw: src, data: src, opts: opts}
	if codec, ok := compress.Detect(src); ok {
		s.codec = codec
	}

	lookups, err := cache.NewLookupCache(0)
	if err != nil {
		return nil, err
	}
	s.lookups = lookups
	s.pool = cache.NewHandlePool(0)

	fp, err := index.ComputeFingerprint(src, mtime, "tar", tarBackendVersion, index.ArgHash(opts))
	if err != nil {
		return nil, err
	}

	if err := s.openOrBuildIndex(archivePath, fp); err != nil {
		return nil, err
	}
	if err := s.openData(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TarSource) openOrBuildIndex(archivePath string, fp index.Fingerprint) error {
	var indexPath string
	var exists bool
	if archivePath != "" || s.opts.IndexPath != "" {
		var err error
		indexPath, exists, err = index.Locate(archivePath, s.opts)
		if err != nil {
			log.Warn().Err(err).Msg("indexing in memory only")
			indexPath = ""
		}
	}

	if exists && !s.opts.RecreateIndex {
		idx, err := index.Open(indexPath)
		if err == nil {
			disp, cmpErr := idx.CompareFingerprint(fp, s.opts.VerifyMTime)
			switch disp {
			case index.Match:
				s.idx = idx
				return nil
			case index.Appended:
				return s.appendToIndex(idx, indexPath, fp)
			default:
				log.Info().Err(cmpErr).Str("index", indexPath).Msg("recreating stale index")
				idx.Close()
			}
		} else {
			log.Warn().Err(err).Str("index", indexPath).Msg("recreating unreadable index")
		}
		os.Remove(indexPath)
	}
	return s.buildIndex(indexPath, fp)
}

// buildIndex walks the whole archive into a fresh index. Below
// IndexMinimumFileCount the database stays in memory.
func (s *TarSource) buildIndex(indexPath string, fp index.Fingerprint) error {
	target := indexPath
	if s.opts.IndexMinimumFileCount > 0 {
		target = ""
	}
	idx, err := index.Create(target)
	if err != nil {
		return err
	}

	data, err := s.decompressed(idx)
	if err != nil {
		idx.Close()
		return err
	}
	if r, ok := data.(*compress.Reader); ok {
		defer r.Close()
	}

	count, err := s.walkInto(idx, data, 0, nil)
	if err != nil {
		idx.Close()
		return err
	}
	if err := idx.StoreFingerprint(fp); err != nil {
		idx.Close()
		return err
	}
	if err := idx.Finalize(); err != nil {
		idx.Close()
		return err
	}

	if target == "" && indexPath != "" && count >= s.opts.IndexMinimumFileCount {
		if err := idx.PersistTo(indexPath); err != nil {
			log.Warn().Err(err).Msg("keeping index in memory")
		}
	}
	s.idx = idx
	return nil
}

// appendToIndex re-parses only the tail of an archive that grew in place.
func (s *TarSource) appendToIndex(old *index.Index, indexPath string, fp index.Fingerprint) error {
	tail, err := old.MaxDataEnd(s.archiveID)
	if err != nil {
		return err
	}
	old.Close()

	// Reopen writable.
	idx, err := index.Create(indexPath)
	if err != nil {
		return err
	}
	data, err := s.decompressed(idx)
	if err != nil {
		idx.Close()
		return err
	}
	if r, ok := data.(*compress.Reader); ok {
		defer r.Close()
	}

	// Resume at the block boundary past the last known member.
	start := (tail + 511) / 512 * 512
	log.Info().Int64("offset", start).Msg("re-indexing appended archive tail")
	if _, err := s.walkInto(idx, data, start, nil); err != nil {
		idx.Close()
		return err
	}
	if err := idx.StoreFingerprint(fp); err != nil {
		idx.Close()
		return err
	}
	if err := idx.Finalize(); err != nil {
		idx.Close()
		return err
	}
	s.idx = idx
	return nil
}

// decompressed returns the byte view member offsets address, building or
// reusing the codec seek index through idx.
func (s *TarSource) decompressed(idx *index.Index) (stream.Seekable, error) {
	if s.codec == nil {
		return s.raw, nil
	}
	var seekIdx *compress.Index
	if blob, err := idx.LoadSeekIndex(s.archiveID, s.codec.Name()); err == nil && blob != nil {
		if decoded, err := compress.DecodeIndex(blob); err == nil {
			seekIdx = decoded
		} else {
			log.Warn().Err(err).Msg("rebuilding corrupt seek index")
		}
	}
	r, err := compress.NewReader(s.raw, s.codec, seekIdx, int64(s.opts.SeekPointSpacing))
	if err != nil {
		return nil, err
	}
	if seekIdx == nil {
		if err := idx.StoreSeekIndex(s.archiveID, s.codec.Name(), compress.EncodeIndex(r.ExportIndex())); err != nil {
			log.Warn().Err(err).Msg("seek index not persisted")
		}
	}
	return r, nil
}

// walkInto runs the tar walker and lands every member in the index,
// assigning versions and synthesizing implicit parent directories.
func (s *TarSource) walkInto(idx *index.Index, data stream.Seekable, start int64, versionsIn map[string]int64) (uint64, error) {
	batch := idx.NewBatch()
	versions := versionsIn
	if versions == nil {
		versions = map[string]int64{}
	}
	seenDirs := map[string]bool{"/": true}
	var count uint64

	if start == 0 {
		root := &common.FileInfo{
			Type: common.DirectoryEntry, Mode: 0o755, Version: 1, Backend: "tar",
		}
		if err := batch.Add(root); err != nil {
			return 0, err
		}
	}

	walker := tarparser.NewWalker(data, tarparser.Options{
		IgnoreZeros:    s.opts.IgnoreZeros,
		GNUIncremental: s.opts.GNUIncremental,
		Encoding:       s.opts.Encoding,
		Transform:      s.opts.PathTransform,
	})
	appending := start > 0
	_, err := walker.Walk(start, func(fi *common.FileInfo) error {
		if err := s.ensureParents(batch, versions, seenDirs, fi.ParentPath); err != nil {
			return err
		}
		path := fi.Path()
		if appending && versions[path] == 0 {
			// Continue version numbering where the previous run stopped.
			if n, err := idx.Versions(s.archiveID, path); err == nil {
				versions[path] = n
			}
		}
		versions[path]++
		fi.Version = versions[path]
		fi.ArchiveID = s.archiveID
		if fi.Type == common.DirectoryEntry {
			seenDirs[path] = true
		}
		count++
		return batch.Add(fi)
	})
	if err != nil {
		return 0, err
	}
	if err := batch.Flush(); err != nil {
		return 0, err
	}
	if walker.Incremental {
		if err := idx.SetMetadata("is_gnu_incremental", "1"); err != nil {
			return 0, err
		}
	}
	if err := idx.SetMetadata("backend", "tar"); err != nil {
		return 0, err
	}
	return count, idx.SetMetadata("backend_version", tarBackendVersion)
}

// ensureParents inserts directory rows for ancestors the archive never
// declared explicitly.
func (s *TarSource) ensureParents(batch *index.Batch, versions map[string]int64, seenDirs map[string]bool, parent string) error {
	if parent == "" || seenDirs[parent] {
		return nil
	}
	grand, name := common.SplitPath(parent)
	if err := s.ensureParents(batch, versions, seenDirs, grand); err != nil {
		return err
	}
	seenDirs[parent] = true
	if versions[parent] > 0 {
		return nil
	}
	versions[parent] = 1
	return batch.Add(&common.FileInfo{
		ParentPath: grand,
		Name:       name,
		Type:       common.DirectoryEntry,
		Mode:       0o755,
		Version:    1,
		ArchiveID:  s.archiveID,
		Backend:    "tar",
	})
}

func (s *TarSource) openData() error {
	if s.data == s.raw && s.codec != nil {
		data, err := s.decompressed(s.idx)
		if err != nil {
			return err
		}
		s.data = data
	}
	return nil
}

func (s *TarSource) Name() string { return "tar" }

func (s *TarSource) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	return s.idx.List(s.archiveID, normalized)
}

func (s *TarSource) Lookup(path string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if fi, ok := s.lookups.Get(normalized); ok {
		return fi, nil
	}
	fi, err := s.idx.Lookup(s.archiveID, normalized)
	if err != nil {
		return nil, err
	}
	if fi != nil {
		s.lookups.Put(normalized, fi)
	}
	return fi, nil
}

func (s *TarSource) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return s.idx.LookupVersion(s.archiveID, normalized, version)
}

func (s *TarSource) Versions(path string) (int64, error) {
	normalized, err := common.NormalizePath(path)
	if err != nil {
		return 0, err
	}
	return s.idx.Versions(s.archiveID, normalized)
}

func (s *TarSource) Exists(path string) (bool, error) { return existsFromLookup(s, path) }

func (s *TarSource) Xattrs(path string) (map[string][]byte, error) {
	return xattrsFromLookup(s, path)
}

func (s *TarSource) StatFS() common.StatFS {
	n, err := s.idx.CountEntries(s.archiveID)
	if err != nil {
		n = 0
	}
	return defaultStatFS(uint64(n))
}

func (s *TarSource) Open(fi *common.FileInfo) (stream.Seekable, error) {
	switch fi.Type {
	case common.DirectoryEntry:
		return nil, fmt.Errorf("%s is a directory: %w", fi.Path(), common.ErrIO)
	case common.SymlinkEntry:
		return stream.NewMemoryStream([]byte(fi.LinkTarget)), nil
	case common.HardlinkEntry:
		target, err := s.Lookup(fi.LinkTarget)
		if err != nil {
			return nil, err
		}
		if target == nil || target.Type != common.RegularEntry {
			return nil, fmt.Errorf("unresolved hardlink %s -> %s: %w",
				fi.Path(), fi.LinkTarget, common.ErrNotFound)
		}
		fi = target
	}

	key := cache.HandleKey{
		ArchiveID: fi.ArchiveID,
		EntryID:   fi.Path() + "@" + strconv.FormatInt(fi.Version, 10),
	}
	if warm, ok := s.pool.Acquire(key); ok {
		return &pooledStream{Seekable: warm, pool: s.pool, key: key}, nil
	}

	var view stream.Seekable
	if len(fi.Sparsity) > 0 {
		stencils := make([]common.Stencil, len(fi.Sparsity))
		regions := make([]int64, len(fi.Sparsity))
		for i, r := range fi.Sparsity {
			stencils[i] = common.Stencil{Offset: r.StreamOffset, Length: r.Length}
			regions[i] = r.LogicalOffset
		}
		view = stream.NewZeroPadded(s.data, stencils, regions, int64(fi.Size))
	} else {
		view = stream.NewSection(s.data, fi.Offset, fi.StreamSize)
	}
	return &pooledStream{Seekable: view, pool: s.pool, key: key}, nil
}

func (s *TarSource) Enter() error { return nil }

func (s *TarSource) Exit() error {
	s.pool.Clear()
	s.lookups.Purge()
	if s.data != nil && s.data != s.raw {
		s.data.Close()
	}
	if s.idx != nil {
		s.idx.Close()
	}
	return s.raw.Close()
}

// pooledStream returns its underlying view to the warm pool on Close
// instead of discarding it.
type pooledStream struct {
	stream.Seekable
	pool *cache.HandlePool
	key  cache.HandleKey
}

func (p *pooledStream) Close() error {
	p.pool.Release(p.key, p.Seekable)
	return nil
}
