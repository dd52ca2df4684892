package tarparser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// buildEntry turns a real member header plus any pending extension state
// into a FileInfo. It consumes the member's data region (advancing the
// cursor) and returns nil for members that produce no entry.
func (w *Walker) buildEntry(hdr *rawHeader, pending *pendingAttrs) (*common.FileInfo, error) {
	name := hdr.name
	if hdr.prefix != "" && !w.stripIncrementalPrefix(hdr) {
		name = hdr.prefix + "/" + name
	}
	if pending.longName != "" {
		name = pending.longName
	}
	if v, ok := pending.get("path"); ok {
		name = v
	} else if v, ok := w.paxGlobal["path"]; ok {
		name = v
	}

	link := hdr.linkname
	if pending.longLink != "" {
		link = pending.longLink
	}
	if v, ok := pending.get("linkpath"); ok {
		link = v
	}

	size := hdr.size
	if v, ok := pending.get("size"); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pax size %q: %w", v, common.ErrTarHeaderCorrupt)
		}
		size = parsed
	}

	mtime := hdr.mtime
	if v, ok := pending.get("mtime"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			mtime = int64(f)
		}
	}
	uid, gid := hdr.uid, hdr.gid
	if v, ok := pending.get("uid"); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			uid = parsed
		}
	}
	if v, ok := pending.get("gid"); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			gid = parsed
		}
	}

	fi := &common.FileInfo{
		Mode:       uint32(hdr.mode & 0o7777),
		UID:        uint32(uid),
		GID:        uint32(gid),
		MTime:      mtime,
		LinkTarget: link,
		Backend:    "tar",
	}
	for k, v := range pending.pax {
		if attr, ok := strings.CutPrefix(k, "SCHILY.xattr."); ok {
			if fi.Xattrs == nil {
				fi.Xattrs = map[string][]byte{}
			}
			fi.Xattrs[attr] = []byte(v)
		}
	}

	switch hdr.typeflag {
	case '0', 0, '7':
		fi.Type = common.RegularEntry
	case '1':
		fi.Type = common.HardlinkEntry
	case '2':
		fi.Type = common.SymlinkEntry
	case '3':
		fi.Type = common.CharEntry
	case '4':
		fi.Type = common.BlockEntry
	case '5':
		fi.Type = common.DirectoryEntry
	case '6':
		fi.Type = common.FifoEntry
	case 'S':
		fi.Type = common.RegularEntry
	case 'D':
		// GNU incremental dumpdir: a directory whose data is the member
		// listing, which the index reconstructs anyway.
		fi.Type = common.DirectoryEntry
		w.Incremental = true
		w.incrementalDecided = true
		w.skipData(size)
		size = 0
	default:
		log.Warn().
			Str("name", name).
			Str("type", string(hdr.typeflag)).
			Msg("skipping unsupported tar entry type")
		w.skipData(size)
		return nil, nil
	}

	if err := w.applySparse(hdr, pending, fi, &size); err != nil {
		return nil, err
	}
	switch {
	case fi.Sparsity != nil:
		// applySparse already consumed the stored data region.
	case fi.Type == common.RegularEntry:
		fi.Offset = w.off
		fi.StreamSize = size
		fi.Size = uint64(size)
		w.skipData(size)
	default:
		w.skipData(size)
	}

	decoded, err := w.decodePath(name)
	if err != nil {
		return nil, err
	}
	if w.opts.Transform != nil {
		re, err := regexp.Compile(w.opts.Transform.Pattern)
		if err != nil {
			return nil, fmt.Errorf("path transform: %w", err)
		}
		decoded = re.ReplaceAllString(decoded, w.opts.Transform.Replacement)
	}
	normalized, err := common.NormalizePath(decoded)
	if err != nil {
		return nil, fmt.Errorf("member %q: %w", name, err)
	}
	if normalized == "/" {
		return nil, nil
	}
	fi.ParentPath, fi.Name = common.SplitPath(normalized)
	return fi, nil
}

// stripIncrementalPrefix reports whether the ustar prefix field is really a
// GNU-incremental octal timestamp and must not join the path. Auto-detection
// decides on the first prefixed entry and sticks with it.
func (w *Walker) stripIncrementalPrefix(hdr *rawHeader) bool {
	if w.incrementalDecided {
		return w.Incremental
	}
	if looksLikeOctalEpoch(hdr.prefix) {
		w.Incremental = true
	}
	w.incrementalDecided = true
	return w.Incremental
}

func looksLikeOctalEpoch(s string) bool {
	if len(s) < 9 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}
