package source

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/compress"
	"github.com/beam-cloud/tarmount/pkg/index"
	"github.com/beam-cloud/tarmount/pkg/remote"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// Backend is one registered format handler. The registry is populated once
// at init and read-only afterwards; priority comes from the caller's
// ordered list, ties break by registration order.
type Backend struct {
	BackendName string
	Extensions  []string

	// Sniff inspects magic bytes (head, and tail where the format keeps
	// its directory there).
	Sniff func(src stream.Seekable) bool

	// New builds the source. archivePath is empty for remote streams.
	New func(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error)
}

var registry = []Backend{
	{
		BackendName: "tar",
		Extensions:  []string{".tar", ".tgz", ".tbz2", ".txz"},
		Sniff:       sniffTar,
		New: func(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error) {
			return NewTarSource(src, archivePath, mtime, opts)
		},
	},
	{
		BackendName: "zip",
		Extensions:  []string{".zip", ".jar", ".whl"},
		Sniff:       sniffZip,
		New: func(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error) {
			return NewZipSource(src, opts)
		},
	},
	{
		BackendName: "sqlar",
		Extensions:  []string{".sqlar"},
		Sniff:       sniffSqlite,
		New: func(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error) {
			local, err := materialize(src, archivePath)
			if err != nil {
				return nil, err
			}
			return NewSqlarSource(local)
		},
	},
	{
		BackendName: "asar",
		Extensions:  []string{".asar"},
		Sniff:       sniffAsar,
		New: func(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error) {
			return NewAsarSource(src)
		},
	},
	{
		BackendName: "single",
		Sniff: func(src stream.Seekable) bool {
			_, ok := compress.Detect(src)
			return ok
		},
		New: func(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error) {
			return NewSingleFileSource(src, name, mtime, opts)
		},
	},
	// Formats the module knows by name but carries no decoder for. Keeping
	// the slots means a future backend plugs in without factory changes.
	unavailable("rar", ".rar"),
	unavailable("7z", ".7z"),
	unavailable("squashfs", ".squashfs", ".sqsh", ".snap"),
	unavailable("ext4", ".ext4", ".img"),
	unavailable("fat", ".fat"),
}

func unavailable(name string, exts ...string) Backend {
	return Backend{
		BackendName: name,
		Extensions:  exts,
		Sniff:       func(stream.Seekable) bool { return false },
		New: func(src stream.Seekable, archivePath, n string, mtime int64, opts common.MountOptions) (MountSource, error) {
			return nil, fmt.Errorf("backend %s: %w", name, common.ErrDependencyMissing)
		},
	}
}

// Backends lists the registered backend names in registration order.
func Backends() []string {
	out := make([]string, len(registry))
	for i, b := range registry {
		out[i] = b.BackendName
	}
	return out
}

func sniffTar(src stream.Seekable) bool {
	block := make([]byte, 512)
	if codec, ok := compress.Detect(src); ok {
		// Tar-over-gzip and friends: peek at the decompressed head.
		rc, err := codec.Resume(src, compress.Checkpoint{})
		if err != nil {
			return false
		}
		defer rc.Close()
		if _, err := io.ReadFull(rc, block); err != nil {
			return false
		}
	} else if n, err := src.ReadAt(block, 0); n < 512 && err != nil {
		return false
	}
	if string(block[257:262]) == "ustar" {
		return true
	}
	// v7 headers carry no magic; fall back to checksum arithmetic.
	return verifyV7Checksum(block)
}

func verifyV7Checksum(block []byte) bool {
	raw := strings.Trim(strings.TrimRight(string(block[148:156]), "\x00 "), " ")
	if raw == "" {
		return false
	}
	var want int64
	for _, c := range raw {
		if c < '0' || c > '7' {
			return false
		}
		want = want*8 + int64(c-'0')
	}
	var sum int64
	for i, c := range block {
		if i >= 148 && i < 156 {
			c = ' '
		}
		sum += int64(c)
	}
	return sum == want && sum > 0
}

func sniffZip(src stream.Seekable) bool {
	head := make([]byte, 4)
	if _, err := src.ReadAt(head, 0); err == nil && bytes.Equal(head, []byte("PK\x03\x04")) {
		return true
	}
	// Self-extracting archives bury the local headers; the end-of-central-
	// directory record near the tail is authoritative.
	const window = 64 * 1024
	off := src.Size() - window
	if off < 0 {
		off = 0
	}
	tail := make([]byte, src.Size()-off)
	if n, err := src.ReadAt(tail, off); err != nil && err != io.EOF {
		return false
	} else {
		tail = tail[:n]
	}
	return bytes.Contains(tail, []byte("PK\x05\x06"))
}

func sniffSqlite(src stream.Seekable) bool {
	head := make([]byte, 16)
	if _, err := src.ReadAt(head, 0); err != nil && err != io.EOF {
		return false
	}
	return bytes.HasPrefix(head, []byte("SQLite format 3\x00"))
}

func sniffAsar(src stream.Seekable) bool {
	head := make([]byte, 8)
	if _, err := src.ReadAt(head, 0); err != nil && err != io.EOF {
		return false
	}
	return len(head) == 8 && head[0] == 4 && head[1] == 0 && head[2] == 0 && head[3] == 0
}

// materialize gives SQLite-backed formats the local file they need.
func materialize(src stream.Seekable, archivePath string) (string, error) {
	if archivePath != "" {
		return archivePath, nil
	}
	return index.StageRemote(src)
}

// NewMountSource resolves a mount spec (path, URL, or ::-chained URL) into
// a mount source.
func NewMountSource(spec string, opts common.MountOptions) (MountSource, error) {
	opts = opts.WithDefaults()
	spec, opts, err := resolveChain(spec, opts)
	if err != nil {
		return nil, err
	}

	src, name, err := remote.Resolve(spec)
	if err != nil {
		return nil, err
	}

	archivePath := ""
	var mtime int64
	if fsrc, ok := src.(*stream.FileStream); ok {
		archivePath = fsrc.Name()
		if st, err := os.Stat(archivePath); err == nil {
			mtime = st.ModTime().Unix()
		}
		if joined, ok, err := joinSplitVolumes(fsrc); err != nil {
			return nil, err
		} else if ok {
			src = joined
			name = strings.TrimSuffix(name, ".001")
		}
	}
	return FromStream(src, archivePath, path.Base(name), mtime, opts)
}

// joinSplitVolumes presents "x.001", "x.002", ... neighbors as one stream.
func joinSplitVolumes(first *stream.FileStream) (stream.Seekable, bool, error) {
	base, ok := strings.CutSuffix(first.Name(), ".001")
	if !ok {
		return nil, false, nil
	}
	parts := []stream.Seekable{first}
	for i := 2; ; i++ {
		next := fmt.Sprintf("%s.%03d", base, i)
		if _, err := os.Stat(next); err != nil {
			break
		}
		part, err := stream.OpenFile(next)
		if err != nil {
			return nil, false, fmt.Errorf("split volume %s: %w", next, err)
		}
		parts = append(parts, part)
	}
	log.Info().Int("volumes", len(parts)).Str("archive", base).Msg("joined split archive")
	return stream.NewJoined(parts...), true, nil
}

// resolveChain peels a "inner::outer" chained URL: the rightmost component
// names the archive; a leading file://...sqlite component points at a
// sideloaded index, staged local when it is itself remote or compressed.
func resolveChain(spec string, opts common.MountOptions) (string, common.MountOptions, error) {
	parts := strings.Split(spec, "::")
	if len(parts) == 1 {
		return spec, opts, nil
	}
	outer := parts[len(parts)-1]
	for _, part := range parts[:len(parts)-1] {
		switch {
		case part == "" || strings.HasSuffix(part, "://"):
			// A bare scheme like "tar://" only names the expected backend.
			name := strings.TrimSuffix(part, "://")
			if name != "" {
				opts.PrioritizedBackends = append([]string{name}, opts.PrioritizedBackends...)
			}
		case strings.Contains(part, ".sqlite"):
			idxSrc, _, err := remote.Resolve(part)
			if err != nil {
				return "", opts, fmt.Errorf("chained index %s: %w", part, err)
			}
			staged, err := index.StageRemote(idxSrc)
			idxSrc.Close()
			if err != nil {
				return "", opts, err
			}
			opts.IndexPath = staged
		default:
			return "", opts, fmt.Errorf("chained url component %q: %w", part, common.ErrInvalidPath)
		}
	}
	return outer, opts, nil
}

// FromStream runs backend detection over an already-open stream. Detection
// is deterministic: it depends only on the bytes, the priority list, and
// the registered backends.
func FromStream(src stream.Seekable, archivePath, name string, mtime int64, opts common.MountOptions) (MountSource, error) {
	if st, err := os.Stat(archivePath); archivePath != "" && err == nil && st.IsDir() {
		return NewFolderSource(archivePath)
	}

	for _, b := range prioritized(opts.PrioritizedBackends) {
		if b.Sniff(src) {
			s, err := b.New(src, archivePath, name, mtime, opts)
			if err == nil {
				log.Debug().Str("backend", b.BackendName).Str("archive", name).Msg("detected backend")
				return s, nil
			}
			log.Warn().Err(err).Str("backend", b.BackendName).Msg("sniffed backend failed to open")
		}
	}

	// Extension hints are the fallback for formats whose magic was
	// inconclusive.
	ext := strings.ToLower(path.Ext(name))
	for _, b := range prioritized(opts.PrioritizedBackends) {
		for _, e := range b.Extensions {
			if e == ext {
				return b.New(src, archivePath, name, mtime, opts)
			}
		}
	}
	return nil, fmt.Errorf("no backend recognizes %s: %w", name, common.ErrDependencyMissing)
}

// prioritized reorders the registry by the caller's backend preference,
// keeping registration order inside equal priorities.
func prioritized(prefs []string) []Backend {
	if len(prefs) == 0 {
		return registry
	}
	rank := map[string]int{}
	for i, name := range prefs {
		if _, ok := rank[name]; !ok {
			rank[name] = i
		}
	}
	out := append([]Backend(nil), registry...)
	// Stable selection sort keeps ties in registration order.
	for i := 0; i < len(out); i++ {
		best := i
		for j := i + 1; j < len(out); j++ {
			if backendRank(rank, out[j]) < backendRank(rank, out[best]) {
				best = j
			}
		}
		if best != i {
			picked := out[best]
			copy(out[i+1:best+1], out[i:best])
			out[i] = picked
		}
	}
	return out
}

func backendRank(rank map[string]int, b Backend) int {
	if r, ok := rank[b.BackendName]; ok {
		return r
	}
	return len(rank) + 1
}
