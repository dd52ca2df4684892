package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SparseRegion maps one data region of a sparse member: LogicalOffset is its
// position in the file the member represents, StreamOffset the position of
// the stored bytes inside the decompressed archive stream.
type SparseRegion struct {
	LogicalOffset int64
	StreamOffset  int64
	Length        int64
}

// EncodeSparsity packs a sparsity map into the blob column of the files
// table.
func EncodeSparsity(regions []SparseRegion) []byte {
	if len(regions) == 0 {
		return nil
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(regions)))
	for _, r := range regions {
		binary.Write(&buf, binary.LittleEndian, r.LogicalOffset)
		binary.Write(&buf, binary.LittleEndian, r.StreamOffset)
		binary.Write(&buf, binary.LittleEndian, r.Length)
	}
	return buf.Bytes()
}

// DecodeSparsity unpacks EncodeSparsity's blob.
func DecodeSparsity(blob []byte) ([]SparseRegion, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("sparsity blob: %w", ErrIndexCorrupt)
	}
	out := make([]SparseRegion, 0, count)
	for i := uint32(0); i < count; i++ {
		var reg SparseRegion
		if err := binary.Read(r, binary.LittleEndian, &reg.LogicalOffset); err != nil {
			return nil, fmt.Errorf("sparsity region %d: %w", i, ErrIndexCorrupt)
		}
		if err := binary.Read(r, binary.LittleEndian, &reg.StreamOffset); err != nil {
			return nil, fmt.Errorf("sparsity region %d: %w", i, ErrIndexCorrupt)
		}
		if err := binary.Read(r, binary.LittleEndian, &reg.Length); err != nil {
			return nil, fmt.Errorf("sparsity region %d: %w", i, ErrIndexCorrupt)
		}
		out = append(out, reg)
	}
	return out, nil
}
