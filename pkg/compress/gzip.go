package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// countingReader tracks the exact number of compressed bytes handed to the
// decoder. It implements io.ByteReader so flate-based decoders do not wrap
// it in a buffer of their own, which would make the count meaningless.
type countingReader struct {
	r   io.Reader
	n   int64
	one [1]byte
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func (cr *countingReader) ReadByte() (byte, error) {
	n, err := cr.r.Read(cr.one[:])
	cr.n += int64(n)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return 0, err
	}
	return cr.one[0], nil
}

// gzipCodec seeks via gzip member boundaries. Multi-member files (bgzip,
// pigz, concatenated .gz) yield a checkpoint per member; a monolithic stream
// degrades to one checkpoint at zero and forward decompression, which is
// also what the warm-cursor pool optimizes for.
type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) BuildIndex(src stream.Seekable, spacing int64) (*Index, error) {
	cr := &countingReader{r: stream.NewReader(src)}
	zr, err := gzip.NewReader(cr)
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", common.ErrDecoder)
	}
	defer zr.Close()

	idx := &Index{Checkpoints: []Checkpoint{{}}}
	var uoff int64
	for {
		zr.Multistream(false)
		n, err := io.Copy(io.Discard, zr)
		uoff += n
		if err != nil {
			return nil, fmt.Errorf("gzip member at %d: %v: %w", uoff, err, common.ErrDecoder)
		}
		memberEnd := cr.n
		err = zr.Reset(cr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gzip member header at %d: %v: %w", memberEnd, err, common.ErrDecoder)
		}
		last := idx.Checkpoints[len(idx.Checkpoints)-1]
		if uoff-last.UOff >= spacing {
			idx.Checkpoints = append(idx.Checkpoints, Checkpoint{UOff: uoff, COff: memberEnd})
		}
	}
	idx.UncompressedSize = uoff
	return idx, nil
}

func (gzipCodec) Resume(src stream.Seekable, cp Checkpoint) (io.ReadCloser, error) {
	r := stream.NewReader(src)
	if _, err := r.Seek(cp.COff, io.SeekStart); err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(&countingReader{r: r})
	if err != nil {
		return nil, fmt.Errorf("gzip resume at %d: %v: %w", cp.COff, err, common.ErrDecoder)
	}
	return zr, nil
}
