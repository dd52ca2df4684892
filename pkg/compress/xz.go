package compress

import (
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// xzCodec. The xz reader consumes concatenated streams transparently, so
// the only exact restart point it exposes is the stream head; seeks run
// forward from there through the cursor pool.
type xzCodec struct{}

func (xzCodec) Name() string { return "xz" }

func (xzCodec) BuildIndex(src stream.Seekable, spacing int64) (*Index, error) {
	zr, err := xz.NewReader(stream.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("xz header: %v: %w", err, common.ErrDecoder)
	}
	size, err := io.Copy(io.Discard, zr)
	if err != nil {
		return nil, fmt.Errorf("xz stream at offset %d: %v: %w", size, err, common.ErrDecoder)
	}
	return &Index{
		Checkpoints:      []Checkpoint{{}},
		UncompressedSize: size,
	}, nil
}

func (xzCodec) Resume(src stream.Seekable, cp Checkpoint) (io.ReadCloser, error) {
	r := stream.NewReader(src)
	if _, err := r.Seek(cp.COff, io.SeekStart); err != nil {
		return nil, err
	}
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("xz resume at %d: %v: %w", cp.COff, err, common.ErrDecoder)
	}
	return io.NopCloser(zr), nil
}
