package tarparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// parseOldSparse extracts the four in-header sparse descriptors of an
// old-GNU ('S') member plus the continuation flag and real size.
func parseOldSparse(block []byte, hdr *rawHeader) {
	hdr.sparse = parseSparseDescriptors(block[386:482], 4)
	hdr.isExtended = block[482] != 0
	hdr.realSize, _ = parseNumeric(block[483:495])
}

func parseSparseDescriptors(b []byte, max int) []common.SparseRegion {
	var out []common.SparseRegion
	for i := 0; i < max; i++ {
		entry := b[i*24 : i*24+24]
		offset, err1 := parseNumeric(entry[0:12])
		length, err2 := parseNumeric(entry[12:24])
		if err1 != nil || err2 != nil || (offset == 0 && length == 0) {
			break
		}
		out = append(out, common.SparseRegion{LogicalOffset: offset, Length: length})
	}
	return out
}

// applySparse resolves any sparse representation (old GNU, pax 0.x, pax 1.0)
// into the entry's sparsity map and consumes the stored data region. The
// size parameter is the header size field, which for sparse members counts
// stored bytes, not the logical file size.
func (w *Walker) applySparse(hdr *rawHeader, pending *pendingAttrs, fi *common.FileInfo, size *int64) error {
	switch {
	case hdr.typeflag == 'S':
		return w.applyOldGNUSparse(hdr, fi, size)
	case pending.pax["GNU.sparse.major"] == "1" && pending.pax["GNU.sparse.minor"] == "0":
		return w.applyPaxSparse10(pending, fi, size)
	case pending.pax["GNU.sparse.map"] != "":
		return w.applyPaxSparse0x(pending, fi, size)
	}
	return nil
}

func (w *Walker) applyOldGNUSparse(hdr *rawHeader, fi *common.FileInfo, size *int64) error {
	regions := hdr.sparse
	extended := hdr.isExtended
	for extended {
		block, err := w.readBlock()
		if err != nil {
			return fmt.Errorf("sparse continuation: %w", common.ErrTruncated)
		}
		w.off += blockSize
		regions = append(regions, parseSparseDescriptors(block[0:504], 21)...)
		extended = block[504] != 0
	}
	w.finishSparse(fi, regions, hdr.realSize, *size)
	return nil
}

// applyPaxSparse10 handles GNU pax sparse 1.0: the data region begins with a
// block-padded decimal map (count, then offset/length pairs), followed by
// the stored data.
func (w *Walker) applyPaxSparse10(pending *pendingAttrs, fi *common.FileInfo, size *int64) error {
	start := w.off
	block, err := w.readBlock()
	if err != nil {
		return fmt.Errorf("sparse map: %w", common.ErrTruncated)
	}
	w.off += blockSize

	// The map is newline-separated decimals; it may span multiple blocks.
	text := string(block)
	fields := make([]int64, 0, 8)
	var partial string
	consume := func(chunk string) error {
		for {
			nl := strings.IndexByte(chunk, '\n')
			if nl < 0 {
				partial = chunk
				return nil
			}
			v, err := strconv.ParseInt(partial+chunk[:nl], 10, 64)
			if err != nil {
				return fmt.Errorf("sparse map value: %w", common.ErrTarHeaderCorrupt)
			}
			partial = ""
			fields = append(fields, v)
			chunk = chunk[nl+1:]
		}
	}
	if err := consume(text); err != nil {
		return err
	}
	for len(fields) == 0 || int64(len(fields)) < 1+2*fields[0] {
		block, err := w.readBlock()
		if err != nil {
			return fmt.Errorf("sparse map: %w", common.ErrTruncated)
		}
		w.off += blockSize
		if err := consume(string(block)); err != nil {
			return err
		}
	}

	count := fields[0]
	regions := make([]common.SparseRegion, 0, count)
	for i := int64(0); i < count; i++ {
		regions = append(regions, common.SparseRegion{
			LogicalOffset: fields[1+2*i],
			Length:        fields[2+2*i],
		})
	}

	realSize := attrInt(pending, "GNU.sparse.realsize", 0)
	if name, ok := pending.get("GNU.sparse.name"); ok {
		pending.pax["path"] = name
	}
	mapBytes := w.off - start
	stored := *size - mapBytes
	w.finishSparse(fi, regions, realSize, stored)
	return nil
}

// applyPaxSparse0x handles formats 0.0 and 0.1, whose map lives entirely in
// pax attributes.
func (w *Walker) applyPaxSparse0x(pending *pendingAttrs, fi *common.FileInfo, size *int64) error {
	parts := strings.Split(pending.pax["GNU.sparse.map"], ",")
	if len(parts)%2 != 0 {
		return fmt.Errorf("odd sparse map: %w", common.ErrTarHeaderCorrupt)
	}
	regions := make([]common.SparseRegion, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		off, err1 := strconv.ParseInt(parts[i], 10, 64)
		length, err2 := strconv.ParseInt(parts[i+1], 10, 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("sparse map value: %w", common.ErrTarHeaderCorrupt)
		}
		regions = append(regions, common.SparseRegion{LogicalOffset: off, Length: length})
	}
	realSize := attrInt(pending, "GNU.sparse.size", 0)
	if name, ok := pending.get("GNU.sparse.name"); ok {
		pending.pax["path"] = name
	}
	w.finishSparse(fi, regions, realSize, *size)
	return nil
}

// finishSparse stamps the entry with absolute stream offsets for each data
// region and consumes the stored bytes.
func (w *Walker) finishSparse(fi *common.FileInfo, regions []common.SparseRegion, realSize, stored int64) {
	dataOff := w.off
	cursor := dataOff
	for i := range regions {
		regions[i].StreamOffset = cursor
		cursor += regions[i].Length
	}
	fi.Sparsity = regions
	fi.Offset = dataOff
	fi.StreamSize = stored
	if realSize == 0 && len(regions) > 0 {
		last := regions[len(regions)-1]
		realSize = last.LogicalOffset + last.Length
	}
	fi.Size = uint64(realSize)
	w.skipData(stored)
}

func attrInt(pending *pendingAttrs, key string, fallback int64) int64 {
	if v, ok := pending.get(key); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
