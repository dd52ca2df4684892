package compress

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) BuildIndex(src stream.Seekable, spacing int64) (*Index, error) {
	zr := lz4.NewReader(stream.NewReader(src))
	size, err := io.Copy(io.Discard, zr)
	if err != nil {
		return nil, fmt.Errorf("lz4 stream at offset %d: %v: %w", size, err, common.ErrDecoder)
	}
	return &Index{
		Checkpoints:      []Checkpoint{{}},
		UncompressedSize: size,
	}, nil
}

func (lz4Codec) Resume(src stream.Seekable, cp Checkpoint) (io.ReadCloser, error) {
	r := stream.NewReader(src)
	if _, err := r.Seek(cp.COff, io.SeekStart); err != nil {
		return nil, err
	}
	return io.NopCloser(lz4.NewReader(r)), nil
}
