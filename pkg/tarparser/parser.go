// Package tarparser walks a tar byte stream from front to back and emits one
// FileInfo per member, including the exact data offset inside the
// (decompressed) stream so members can later be served by range reads alone.
package tarparser

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

const blockSize = 512

// Options tune the walk; all map 1:1 onto mount options.
type Options struct {
	IgnoreZeros    bool
	GNUIncremental common.AutoDetect
	Encoding       string
	Transform      *common.Transform
}

// Walker scans one tar stream. It is single-use and not safe for concurrent
// calls; the indexer drives it from one goroutine.
type Walker struct {
	src  stream.Seekable
	opts Options

	off       int64
	paxGlobal map[string]string

	// Incremental reports whether the stream was recognized (or forced) as
	// a GNU incremental dump, in which case the octal-epoch prefix field is
	// stripped from every path.
	Incremental        bool
	incrementalDecided bool
}

func NewWalker(src stream.Seekable, opts Options) *Walker {
	if opts.Encoding == "" {
		opts.Encoding = "utf-8"
	}
	w := &Walker{src: src, opts: opts, paxGlobal: map[string]string{}}
	if opts.GNUIncremental == common.Enabled {
		w.Incremental = true
		w.incrementalDecided = true
	} else if opts.GNUIncremental == common.Disabled {
		w.incrementalDecided = true
	}
	return w
}

// Walk parses from start and calls emit for every member. It returns the
// stream offset just past the last parsed block, the tail marker used for
// append detection.
func (w *Walker) Walk(start int64, emit func(*common.FileInfo) error) (int64, error) {
	w.off = start
	zeroRun := 0
	var pending pendingAttrs

	for {
		block, err := w.readBlock()
		if err == io.EOF {
			return w.off, nil
		}
		if err != nil {
			return w.off, err
		}

		if isZeroBlock(block) {
			zeroRun++
			w.off += blockSize
			if zeroRun >= 2 && !w.opts.IgnoreZeros {
				return w.off, nil
			}
			continue
		}
		zeroRun = 0

		hdr, err := parseHeader(block)
		if err != nil {
			if w.opts.IgnoreZeros {
				log.Warn().Int64("offset", w.off).Err(err).Msg("skipping corrupt tar header")
				w.off += blockSize
				continue
			}
			return w.off, fmt.Errorf("at offset %d: %w", w.off, err)
		}
		w.off += blockSize

		switch hdr.typeflag {
		case 'x': // pax local
			attrs, err := w.readPaxRecords(hdr.size)
			if err != nil {
				return w.off, err
			}
			pending.pax = attrs
			continue
		case 'g': // pax global
			attrs, err := w.readPaxRecords(hdr.size)
			if err != nil {
				return w.off, err
			}
			for k, v := range attrs {
				w.paxGlobal[k] = v
			}
			continue
		case 'L': // GNU long name
			name, err := w.readStringData(hdr.size)
			if err != nil {
				return w.off, err
			}
			pending.longName = name
			continue
		case 'K': // GNU long link target
			link, err := w.readStringData(hdr.size)
			if err != nil {
				return w.off, err
			}
			pending.longLink = link
			continue
		case 'V': // volume label
			w.skipData(hdr.size)
			continue
		}

		fi, err := w.buildEntry(hdr, &pending)
		if err != nil {
			return w.off, err
		}
		pending = pendingAttrs{}
		if fi == nil {
			continue
		}
		if err := emit(fi); err != nil {
			return w.off, err
		}
	}
}

// pendingAttrs accumulates extension headers that modify the next real
// member.
type pendingAttrs struct {
	pax      map[string]string
	longName string
	longLink string
}

func (p *pendingAttrs) get(key string) (string, bool) {
	v, ok := p.pax[key]
	return v, ok
}

type rawHeader struct {
	name     string
	mode     int64
	uid      int64
	gid      int64
	size     int64
	mtime    int64
	typeflag byte
	linkname string
	magic    string
	uname    string
	gname    string
	devmajor int64
	devminor int64
	prefix   string

	// Old-GNU sparse fields, valid for typeflag 'S'.
	sparse     []common.SparseRegion
	isExtended bool
	realSize   int64
}

func (w *Walker) readBlock() ([]byte, error) {
	block := make([]byte, blockSize)
	n, err := w.src.ReadAt(block, w.off)
	if n == blockSize {
		return block, nil
	}
	if err == io.EOF || err == nil {
		if n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("partial block at %d: %w", w.off, common.ErrTruncated)
	}
	return nil, err
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func parseHeader(block []byte) (*rawHeader, error) {
	if err := verifyChecksum(block); err != nil {
		return nil, err
	}
	hdr := &rawHeader{
		name:     cstring(block[0:100]),
		typeflag: block[156],
		linkname: cstring(block[157:257]),
		magic:    cstring(block[257:263]),
		uname:    cstring(block[265:297]),
		gname:    cstring(block[297:329]),
	}
	var err error
	if hdr.mode, err = parseNumeric(block[100:108]); err != nil {
		return nil, fmt.Errorf("mode: %w", common.ErrTarHeaderCorrupt)
	}
	if hdr.uid, err = parseNumeric(block[108:116]); err != nil {
		return nil, fmt.Errorf("uid: %w", common.ErrTarHeaderCorrupt)
	}
	if hdr.gid, err = parseNumeric(block[116:124]); err != nil {
		return nil, fmt.Errorf("gid: %w", common.ErrTarHeaderCorrupt)
	}
	if hdr.size, err = parseNumeric(block[124:136]); err != nil {
		return nil, fmt.Errorf("size: %w", common.ErrTarHeaderCorrupt)
	}
	if hdr.mtime, err = parseNumeric(block[136:148]); err != nil {
		return nil, fmt.Errorf("mtime: %w", common.ErrTarHeaderCorrupt)
	}
	switch hdr.magic {
	case "ustar": // POSIX ustar: prefix field present
		hdr.prefix = cstring(block[345:500])
		hdr.devmajor, _ = parseNumeric(block[329:337])
		hdr.devminor, _ = parseNumeric(block[337:345])
	case "ustar ": // old GNU: offset 345 holds atime/ctime, never a prefix
		hdr.devmajor, _ = parseNumeric(block[329:337])
		hdr.devminor, _ = parseNumeric(block[337:345])
	}
	if hdr.typeflag == 'S' {
		parseOldSparse(block, hdr)
	}
	return hdr, nil
}

// verifyChecksum recomputes the header checksum with the checksum field
// blanked. Both the unsigned sum and the historical signed variant are
// accepted.
func verifyChecksum(block []byte) error {
	want, err := parseNumeric(block[148:156])
	if err != nil {
		return fmt.Errorf("checksum field: %w", common.ErrTarHeaderCorrupt)
	}
	var unsigned, signed int64
	for i, c := range block {
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	if want != unsigned && want != signed {
		return fmt.Errorf("checksum %d, computed %d: %w", want, unsigned, common.ErrTarHeaderCorrupt)
	}
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseNumeric handles both octal ASCII fields and the GNU base-256 binary
// extension flagged by the high bit of the first byte.
func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		var v int64
		if b[0]&0x40 != 0 {
			v = -1 // negative base-256
		}
		for i, c := range b {
			if i == 0 {
				c &= 0x3f
			}
			v = v<<8 | int64(c)
		}
		return v, nil
	}
	s := strings.Trim(cstring(b), " ")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (w *Walker) readStringData(size int64) (string, error) {
	data, err := w.readData(size)
	if err != nil {
		return "", err
	}
	return cstring(data), nil
}

func (w *Walker) readData(size int64) ([]byte, error) {
	data := make([]byte, size)
	n, err := w.src.ReadAt(data, w.off)
	if int64(n) != size {
		if err == io.EOF || err == nil {
			return nil, fmt.Errorf("data at %d: %w", w.off, common.ErrTruncated)
		}
		return nil, err
	}
	w.skipData(size)
	return data, nil
}

func (w *Walker) skipData(size int64) {
	w.off += (size + blockSize - 1) / blockSize * blockSize
}

func (w *Walker) decodePath(raw string) (string, error) {
	switch strings.ToLower(w.opts.Encoding) {
	case "utf-8", "utf8", "ascii":
		if !utf8.ValidString(raw) {
			return "", fmt.Errorf("path %q is not valid %s: %w", raw, w.opts.Encoding, common.ErrEncoding)
		}
		return raw, nil
	case "latin1", "iso-8859-1":
		runes := make([]rune, 0, len(raw))
		for _, b := range []byte(raw) {
			runes = append(runes, rune(b))
		}
		return string(runes), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q: %w", w.opts.Encoding, common.ErrEncoding)
	}
}
