package index

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/compress"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

const indexSuffix = ".index.sqlite"

// Locate picks the index file location for an archive: the explicit
// IndexPath, next to the archive, or the first usable fallback folder. The
// second return reports whether the file already exists.
func Locate(archivePath string, opts common.MountOptions) (string, bool, error) {
	var candidates []string
	if opts.IndexPath != "" {
		candidates = append(candidates, opts.IndexPath)
	} else {
		candidates = append(candidates, archivePath+indexSuffix)
		for _, folder := range opts.IndexFolders {
			candidates = append(candidates, filepath.Join(folder, fallbackName(archivePath)))
		}
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, true, nil
		}
	}
	for _, c := range candidates {
		if writable(filepath.Dir(c)) {
			return c, false, nil
		}
	}
	return "", false, fmt.Errorf("no writable location for index of %s: %w",
		archivePath, common.ErrIndexNotWritable)
}

// fallbackName disambiguates same-named archives from different directories
// inside one shared index folder.
func fallbackName(archivePath string) string {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		abs = archivePath
	}
	h := xxhash.Sum64String(abs)
	return filepath.Base(archivePath) + "." + strconv.FormatUint(h, 16) + indexSuffix
}

func writable(dir string) bool {
	probe := filepath.Join(dir, ".tarmount-"+uuid.NewString())
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// StageRemote copies an index that lives on a remote (or otherwise
// non-local) stream to a temp file, transparently decompressing it when it
// was stored compressed. The caller owns the returned path.
func StageRemote(src stream.Seekable) (string, error) {
	dir := os.Getenv(common.IndexTmpDirEnv)
	if dir == "" {
		dir = os.TempDir()
	}
	dest := filepath.Join(dir, "tarmount-index-"+uuid.NewString()+".sqlite")

	var r io.Reader = stream.NewReader(src)
	if codec, ok := compress.Detect(src); ok {
		rc, err := codec.Resume(src, compress.Checkpoint{})
		if err != nil {
			return "", fmt.Errorf("decompress remote index: %w", err)
		}
		defer rc.Close()
		r = rc
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("stage remote index: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("stage remote index: %w", err)
	}
	log.Debug().Str("path", dest).Int64("bytes", n).Msg("staged remote index")
	return dest, nil
}
