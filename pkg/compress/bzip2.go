package compress

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// bzip2Codec. The format is block structured but block starts are bit
// aligned, so exact restart points exist only at concatenated-stream
// boundaries. The index pass records those; anything finer is served by
// forward decompression from the nearest one.
type bzip2Codec struct{}

func (bzip2Codec) Name() string { return "bzip2" }

func (bzip2Codec) BuildIndex(src stream.Seekable, spacing int64) (*Index, error) {
	cr := &countingReader{r: stream.NewReader(src)}
	idx := &Index{Checkpoints: []Checkpoint{{}}}
	var uoff int64
	for {
		zr, err := bzip2.NewReader(cr, nil)
		if err != nil {
			return nil, fmt.Errorf("bzip2 stream at %d: %v: %w", cr.n, err, common.ErrDecoder)
		}
		n, err := io.Copy(io.Discard, zr)
		uoff += n
		if err != nil {
			return nil, fmt.Errorf("bzip2 stream at offset %d: %v: %w", uoff, err, common.ErrDecoder)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("bzip2 close: %v: %w", err, common.ErrDecoder)
		}
		streamEnd := cr.n
		if streamEnd >= src.Size() {
			break
		}
		last := idx.Checkpoints[len(idx.Checkpoints)-1]
		if uoff-last.UOff >= spacing {
			idx.Checkpoints = append(idx.Checkpoints, Checkpoint{UOff: uoff, COff: streamEnd})
		}
	}
	idx.UncompressedSize = uoff
	return idx, nil
}

func (bzip2Codec) Resume(src stream.Seekable, cp Checkpoint) (io.ReadCloser, error) {
	r := stream.NewReader(src)
	if _, err := r.Seek(cp.COff, io.SeekStart); err != nil {
		return nil, err
	}
	zr, err := bzip2.NewReader(r, nil)
	if err != nil {
		return nil, fmt.Errorf("bzip2 resume at %d: %v: %w", cp.COff, err, common.ErrDecoder)
	}
	return &chainedBzip2{src: r, zr: zr}, nil
}

// chainedBzip2 stitches concatenated bzip2 streams into one reader, the same
// view the index pass measured.
type chainedBzip2 struct {
	src io.Reader
	zr  *bzip2.Reader
}

func (cb *chainedBzip2) Read(p []byte) (int, error) {
	n, err := cb.zr.Read(p)
	if err != io.EOF || n > 0 {
		return n, err
	}
	if cerr := cb.zr.Close(); cerr != nil {
		return 0, cerr
	}
	next, err := bzip2.NewReader(cb.src, nil)
	if err != nil {
		return 0, io.EOF
	}
	m, err := next.Read(p)
	if m == 0 && err != nil {
		// Source exhausted, no further stream.
		return 0, io.EOF
	}
	cb.zr = next
	return m, err
}

func (cb *chainedBzip2) Close() error { return cb.zr.Close() }
