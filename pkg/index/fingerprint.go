package index

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// Fingerprint identifies the archive an index was built from. Head and tail
// are hashed separately so an archive that merely grew in place (same head,
// larger size) can be recognized and re-indexed from its old tail only.
type Fingerprint struct {
	Size           int64
	MTime          int64
	HeadHash       uint64
	TailHash       uint64
	Backend        string
	BackendVersion string
	ArgHash        uint64
}

// Disposition is the outcome of comparing a stored fingerprint with the live
// archive.
type Disposition int

const (
	Match Disposition = iota
	Appended
	Mismatch
)

// ComputeFingerprint hashes the first and last KiB of the archive together
// with its size. Hashing the whole archive would defeat the point of an
// index over a multi-terabyte remote stream.
func ComputeFingerprint(src stream.Seekable, mtime int64, backend, backendVersion string, argHash uint64) (Fingerprint, error) {
	fp := Fingerprint{
		Size:           src.Size(),
		MTime:          mtime,
		Backend:        backend,
		BackendVersion: backendVersion,
		ArgHash:        argHash,
	}
	head := make([]byte, 1024)
	n, err := src.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return fp, fmt.Errorf("fingerprint head: %w", err)
	}
	fp.HeadHash = xxhash.Sum64(head[:n])
	if tail := fp.Size - 1024; tail > 0 {
		buf := make([]byte, 1024)
		n, err := src.ReadAt(buf, tail)
		if err != nil && err != io.EOF {
			return fp, fmt.Errorf("fingerprint tail: %w", err)
		}
		fp.TailHash = xxhash.Sum64(buf[:n])
	}
	return fp, nil
}

// ArgHash folds the option values that change index contents into one
// number. Options that only affect the read path stay out so their change
// does not force a re-index.
func ArgHash(opts common.MountOptions) uint64 {
	var b strings.Builder
	fmt.Fprintf(&b, "recursion=%d;", opts.RecursionDepth)
	fmt.Fprintf(&b, "ignorezeros=%t;", opts.IgnoreZeros)
	fmt.Fprintf(&b, "gnuincremental=%d;", opts.GNUIncremental)
	fmt.Fprintf(&b, "encoding=%s;", opts.Encoding)
	fmt.Fprintf(&b, "spacing=%d;", opts.SeekPointSpacing)
	fmt.Fprintf(&b, "striptar=%t;", opts.StripRecursiveTarExtension)
	if t := opts.PathTransform; t != nil {
		fmt.Fprintf(&b, "transform=%s->%s;", t.Pattern, t.Replacement)
	}
	return xxhash.Sum64String(b.String())
}

// StoreFingerprint writes the fingerprint into the metadata table.
func (idx *Index) StoreFingerprint(fp Fingerprint) error {
	pairs := map[string]string{
		"tar_file_size":   strconv.FormatInt(fp.Size, 10),
		"tar_mtime":       strconv.FormatInt(fp.MTime, 10),
		"head_hash":       strconv.FormatUint(fp.HeadHash, 16),
		"tail_hash":       strconv.FormatUint(fp.TailHash, 16),
		"backend":         fp.Backend,
		"backend_version": fp.BackendVersion,
		"arg_hash":        strconv.FormatUint(fp.ArgHash, 16),
	}
	for k, v := range pairs {
		if err := idx.SetMetadata(k, v); err != nil {
			return err
		}
	}
	return nil
}

// CompareFingerprint classifies the stored fingerprint against the live
// archive. An arg_hash drift alone only warns: the index is valid but may
// reflect different semantics than the current option set asked for.
func (idx *Index) CompareFingerprint(fp Fingerprint, verifyMTime bool) (Disposition, error) {
	storedSize, err := idx.metadataInt("tar_file_size")
	if err != nil {
		return Mismatch, err
	}
	storedHead, err := idx.Metadata("head_hash")
	if err != nil {
		return Mismatch, err
	}
	headMatches := storedHead == strconv.FormatUint(fp.HeadHash, 16)

	if storedSize != fp.Size {
		if headMatches && fp.Size > storedSize {
			return Appended, nil
		}
		return Mismatch, fmt.Errorf("archive size changed from %d to %d: %w",
			storedSize, fp.Size, common.ErrIndexFingerprint)
	}
	if !headMatches {
		return Mismatch, fmt.Errorf("archive contents changed: %w", common.ErrIndexFingerprint)
	}
	if storedTail, err := idx.Metadata("tail_hash"); err != nil ||
		storedTail != strconv.FormatUint(fp.TailHash, 16) {
		return Mismatch, fmt.Errorf("archive contents changed: %w", common.ErrIndexFingerprint)
	}
	if verifyMTime {
		storedMTime, err := idx.metadataInt("tar_mtime")
		if err != nil {
			return Mismatch, err
		}
		if storedMTime != fp.MTime {
			return Mismatch, fmt.Errorf("archive mtime changed from %d to %d: %w",
				storedMTime, fp.MTime, common.ErrIndexFingerprint)
		}
	}
	if stored, err := idx.Metadata("arg_hash"); err == nil &&
		stored != strconv.FormatUint(fp.ArgHash, 16) {
		log.Warn().
			Str("index", idx.path).
			Msg("index was built with different options; it is used as-is")
	}
	return Match, nil
}

func (idx *Index) metadataInt(key string) (int64, error) {
	s, err := idx.Metadata(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
