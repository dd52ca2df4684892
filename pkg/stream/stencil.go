package stream

import (
	"fmt"
	"io"
	"sort"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// StencilView presents an ordered set of (offset, length) slices of a parent
// stream as one contiguous stream. Sparse tar members map their data regions
// through it without materialization, and split archives join their parts
// through the multi-parent variant below.
type StencilView struct {
	parent   Seekable
	stencils []common.Stencil
	// cumulative[i] is the view offset where stencil i begins.
	cumulative []int64
	size       int64
}

func NewStencilView(parent Seekable, stencils []common.Stencil) *StencilView {
	v := &StencilView{
		parent:     parent,
		stencils:   stencils,
		cumulative: make([]int64, len(stencils)),
	}
	var total int64
	for i, s := range stencils {
		v.cumulative[i] = total
		total += s.Length
	}
	v.size = total
	return v
}

func (v *StencilView) Size() int64 { return v.size }

// Close is a no-op; the parent owns the underlying resource.
func (v *StencilView) Close() error { return nil }

func (v *StencilView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	total := 0
	for len(p) > 0 {
		if off >= v.size {
			return total, io.EOF
		}
		// Greatest stencil starting at or before off.
		i := sort.Search(len(v.cumulative), func(i int) bool {
			return v.cumulative[i] > off
		}) - 1
		s := v.stencils[i]
		within := off - v.cumulative[i]
		chunk := s.Length - within
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}
		n, err := v.parent.ReadAt(p[:chunk], s.Offset+within)
		total += n
		if err != nil && !(err == io.EOF && int64(n) == chunk) {
			return total, err
		}
		if int64(n) < chunk {
			return total, io.ErrUnexpectedEOF
		}
		p = p[chunk:]
		off += chunk
	}
	return total, nil
}

// ZeroPadded interleaves stencil-backed data regions with implicit zero
// runs, the layout of a GNU sparse member: the stencil offsets address the
// parent while regions position them inside the logical file.
type ZeroPadded struct {
	data *StencilView
	// regions[i] is the logical offset where data region i begins.
	regions []int64
	size    int64
}

// NewZeroPadded builds the logical view of a sparse member. regions and
// stencils run in lockstep: region i of the file is served by stencil i.
func NewZeroPadded(parent Seekable, stencils []common.Stencil, regions []int64, size int64) *ZeroPadded {
	return &ZeroPadded{
		data:    NewStencilView(parent, stencils),
		regions: regions,
		size:    size,
	}
}

func (z *ZeroPadded) Size() int64 { return z.size }

func (z *ZeroPadded) Close() error { return nil }

func (z *ZeroPadded) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	total := 0
	for len(p) > 0 {
		if off >= z.size {
			return total, io.EOF
		}
		i := sort.Search(len(z.regions), func(i int) bool {
			return z.regions[i] > off
		}) - 1
		var n int
		var err error
		if i < 0 {
			// Leading hole before the first data region.
			n = z.readZeros(p, off, z.firstRegion())
		} else {
			s := z.data.stencils[i]
			within := off - z.regions[i]
			if within < s.Length {
				chunk := s.Length - within
				if chunk > int64(len(p)) {
					chunk = int64(len(p))
				}
				n, err = z.data.ReadAt(p[:chunk], z.data.cumulative[i]+within)
				if err != nil && err != io.EOF {
					return total + n, err
				}
			} else {
				// Hole between region i and region i+1 (or EOF).
				next := z.size
				if i+1 < len(z.regions) {
					next = z.regions[i+1]
				}
				n = z.readZeros(p, off, next)
			}
		}
		total += n
		off += int64(n)
		p = p[n:]
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}

func (z *ZeroPadded) firstRegion() int64 {
	if len(z.regions) == 0 {
		return z.size
	}
	return z.regions[0]
}

func (z *ZeroPadded) readZeros(p []byte, off, until int64) int {
	chunk := until - off
	if chunk > int64(len(p)) {
		chunk = int64(len(p))
	}
	for i := int64(0); i < chunk; i++ {
		p[i] = 0
	}
	return int(chunk)
}

// JoinedStream concatenates several parents, e.g. the volumes of a split
// archive (.001, .002, ...).
type JoinedStream struct {
	parts  []Seekable
	starts []int64
	size   int64
}

func NewJoined(parts ...Seekable) *JoinedStream {
	j := &JoinedStream{parts: parts, starts: make([]int64, len(parts))}
	var total int64
	for i, p := range parts {
		j.starts[i] = total
		total += p.Size()
	}
	j.size = total
	return j
}

func (j *JoinedStream) Size() int64 { return j.size }

func (j *JoinedStream) Close() error {
	var first error
	for _, p := range j.parts {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (j *JoinedStream) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		if off >= j.size {
			return total, io.EOF
		}
		i := sort.Search(len(j.starts), func(i int) bool {
			return j.starts[i] > off
		}) - 1
		part := j.parts[i]
		within := off - j.starts[i]
		chunk := part.Size() - within
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}
		n, err := part.ReadAt(p[:chunk], within)
		total += n
		if err != nil && !(err == io.EOF && int64(n) == chunk) {
			return total, err
		}
		p = p[n:]
		off += int64(n)
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}
