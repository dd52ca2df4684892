package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// zstdCodec walks the frame structure without decompressing where it can:
// every frame start is an exact restart point. Frames lacking a content-size
// field are decoded once during the index pass to learn their size.
type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

const zstdHeaderProbe = 18 // longest possible frame header

func (zstdCodec) BuildIndex(src stream.Seekable, spacing int64) (*Index, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	idx := &Index{}
	var coff, uoff int64
	total := src.Size()
	for coff < total {
		probe := make([]byte, zstdHeaderProbe)
		n, err := src.ReadAt(probe, coff)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("zstd frame header at %d: %w", coff, err)
		}
		var h zstd.Header
		if err := h.Decode(probe[:n]); err != nil {
			return nil, fmt.Errorf("zstd frame header at %d: %v: %w", coff, err, common.ErrDecoder)
		}
		if h.Skippable {
			coff += int64(h.HeaderSize) + int64(h.SkippableSize)
			continue
		}

		frameEnd, err := walkZstdBlocks(src, coff+int64(h.HeaderSize), h.HasCheckSum)
		if err != nil {
			return nil, err
		}

		var frameUSize int64
		if h.HasFCS {
			frameUSize = int64(h.FrameContentSize)
		} else {
			raw := make([]byte, frameEnd-coff)
			if _, err := src.ReadAt(raw, coff); err != nil && err != io.EOF {
				return nil, fmt.Errorf("zstd frame at %d: %w", coff, err)
			}
			out, err := dec.DecodeAll(raw, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd frame at %d: %v: %w", coff, err, common.ErrDecoder)
			}
			frameUSize = int64(len(out))
		}

		if len(idx.Checkpoints) == 0 ||
			uoff-idx.Checkpoints[len(idx.Checkpoints)-1].UOff >= spacing {
			idx.Checkpoints = append(idx.Checkpoints, Checkpoint{UOff: uoff, COff: coff})
		}
		uoff += frameUSize
		coff = frameEnd
	}
	idx.UncompressedSize = uoff
	if len(idx.Checkpoints) == 0 {
		idx.Checkpoints = []Checkpoint{{}}
	}
	return idx, nil
}

// walkZstdBlocks advances over the data blocks of one frame and returns the
// offset just past it.
func walkZstdBlocks(src stream.Seekable, off int64, checksum bool) (int64, error) {
	hdr := make([]byte, 3)
	for {
		if _, err := src.ReadAt(hdr, off); err != nil && err != io.EOF {
			return 0, fmt.Errorf("zstd block header at %d: %w", off, err)
		}
		v := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
		last := v&1 != 0
		blockType := (v >> 1) & 3
		blockSize := int64(v >> 3)
		switch blockType {
		case 0, 2: // raw, compressed
			off += 3 + blockSize
		case 1: // RLE: one repeated byte
			off += 3 + 1
		default:
			return 0, fmt.Errorf("reserved zstd block type at %d: %w", off, common.ErrDecoder)
		}
		if last {
			break
		}
	}
	if checksum {
		off += 4
	}
	return off, nil
}

func (zstdCodec) Resume(src stream.Seekable, cp Checkpoint) (io.ReadCloser, error) {
	r := stream.NewReader(src)
	if _, err := r.Seek(cp.COff, io.SeekStart); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd resume at %d: %v: %w", cp.COff, err, common.ErrDecoder)
	}
	return dec.IOReadCloser(), nil
}
