package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// Checkpoint is one decoder resume point: the uncompressed offset it
// represents, the compressed byte offset to restart reading at, and the
// decoder window needed to prime the codec (empty when the codec restarts
// clean at that offset, e.g. a gzip member or zstd frame boundary).
type Checkpoint struct {
	UOff   int64
	COff   int64
	Window []byte
}

// Index is the persisted seek index for one compressed stream.
type Index struct {
	Checkpoints      []Checkpoint
	UncompressedSize int64
}

// Codec is a seekable-decompressor backend for one compression format.
type Codec interface {
	Name() string

	// BuildIndex runs one full decompression pass, recording a checkpoint
	// roughly every spacing bytes of output where the format allows an
	// exact restart.
	BuildIndex(src stream.Seekable, spacing int64) (*Index, error)

	// Resume opens a sequential decoder positioned at cp.UOff.
	Resume(src stream.Seekable, cp Checkpoint) (io.ReadCloser, error)
}

var codecs = []Codec{
	&gzipCodec{},
	&bzip2Codec{},
	&xzCodec{},
	&zstdCodec{},
	&lz4Codec{},
}

// ByName returns the registered codec for name.
func ByName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("codec %q: %w", name, common.ErrDependencyMissing)
}

var magics = []struct {
	name  string
	magic []byte
}{
	{"gzip", []byte{0x1f, 0x8b}},
	{"bzip2", []byte("BZh")},
	{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{"lz4", []byte{0x04, 0x22, 0x4d, 0x18}},
}

// Detect sniffs the stream head for a known compression magic.
func Detect(src stream.Seekable) (Codec, bool) {
	head := make([]byte, 6)
	n, err := src.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, false
	}
	head = head[:n]
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			c, err := ByName(m.name)
			if err != nil {
				return nil, false
			}
			return c, true
		}
	}
	return nil, false
}

const indexFormatVersion = 1

// EncodeIndex serializes an Index to the blob stored in the sqlite
// seekindexes table.
func EncodeIndex(idx *Index) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(indexFormatVersion))
	binary.Write(&buf, binary.LittleEndian, idx.UncompressedSize)
	binary.Write(&buf, binary.LittleEndian, uint32(len(idx.Checkpoints)))
	for _, cp := range idx.Checkpoints {
		binary.Write(&buf, binary.LittleEndian, cp.UOff)
		binary.Write(&buf, binary.LittleEndian, cp.COff)
		binary.Write(&buf, binary.LittleEndian, uint32(len(cp.Window)))
		buf.Write(cp.Window)
	}
	return buf.Bytes()
}

// DecodeIndex parses a blob produced by EncodeIndex.
func DecodeIndex(blob []byte) (*Index, error) {
	r := bytes.NewReader(blob)
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("seek index header: %w", common.ErrIndexCorrupt)
	}
	if version != indexFormatVersion {
		return nil, fmt.Errorf("seek index version %d: %w", version, common.ErrIndexSchemaMismatch)
	}
	idx := &Index{}
	if err := binary.Read(r, binary.LittleEndian, &idx.UncompressedSize); err != nil {
		return nil, fmt.Errorf("seek index size: %w", common.ErrIndexCorrupt)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("seek index count: %w", common.ErrIndexCorrupt)
	}
	idx.Checkpoints = make([]Checkpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		var cp Checkpoint
		var windowLen uint32
		if err := binary.Read(r, binary.LittleEndian, &cp.UOff); err != nil {
			return nil, fmt.Errorf("seek index entry %d: %w", i, common.ErrIndexCorrupt)
		}
		if err := binary.Read(r, binary.LittleEndian, &cp.COff); err != nil {
			return nil, fmt.Errorf("seek index entry %d: %w", i, common.ErrIndexCorrupt)
		}
		if err := binary.Read(r, binary.LittleEndian, &windowLen); err != nil {
			return nil, fmt.Errorf("seek index entry %d: %w", i, common.ErrIndexCorrupt)
		}
		if windowLen > 0 {
			cp.Window = make([]byte, windowLen)
			if _, err := io.ReadFull(r, cp.Window); err != nil {
				return nil, fmt.Errorf("seek index entry %d window: %w", i, common.ErrIndexCorrupt)
			}
		}
		idx.Checkpoints = append(idx.Checkpoints, cp)
	}
	return idx, nil
}
