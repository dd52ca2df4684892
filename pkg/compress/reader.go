package compress

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

const maxCursors = 4

// cursor is a positioned sequential decoder. A cursor only ever moves
// forward; seeks behind it resume from a checkpoint instead.
type cursor struct {
	rc  io.ReadCloser
	pos int64
	use int64
}

// Reader presents a compressed stream as a Seekable uncompressed stream.
// ReadAt is safe for concurrent callers; internally at most one goroutine
// advances a given cursor at a time.
type Reader struct {
	src   stream.Seekable
	codec Codec
	idx   *Index

	mu      sync.Mutex
	cursors []*cursor
	tick    int64
}

// NewReader builds the seekable view. When idx is nil a full index pass runs
// first with the given checkpoint spacing.
func NewReader(src stream.Seekable, codec Codec, idx *Index, spacing int64) (*Reader, error) {
	if idx == nil {
		if spacing <= 0 {
			spacing = common.DefaultSeekPointSpacing
		}
		built, err := codec.BuildIndex(src, spacing)
		if err != nil {
			return nil, err
		}
		idx = built
	}
	return &Reader{src: src, codec: codec, idx: idx}, nil
}

func (r *Reader) Size() int64 { return r.idx.UncompressedSize }

// ExportIndex returns the checkpoint index for persistence.
func (r *Reader) ExportIndex() *Index { return r.idx }

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cursors {
		c.rc.Close()
	}
	r.cursors = nil
	return nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= r.idx.UncompressedSize {
		return 0, io.EOF
	}
	truncated := false
	if max := r.idx.UncompressedSize - off; int64(len(p)) > max {
		p = p[:max]
		truncated = true
	}

	c, err := r.acquire(off)
	if err != nil {
		return 0, err
	}

	// Skip forward to the requested offset, then fill p.
	if off > c.pos {
		n, err := io.CopyN(io.Discard, c.rc, off-c.pos)
		c.pos += n
		if err != nil {
			r.discard(c)
			if err == io.EOF {
				return 0, fmt.Errorf("decompressed stream ended at %d, wanted %d: %w", c.pos, off, common.ErrTruncated)
			}
			return 0, fmt.Errorf("skip to %d: %w", off, err)
		}
	}

	total := 0
	for total < len(p) {
		n, err := c.rc.Read(p[total:])
		c.pos += int64(n)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			r.discard(c)
			return total, fmt.Errorf("%v: %w", err, common.ErrDecoder)
		}
	}
	r.release(c)
	if total < len(p) {
		return total, fmt.Errorf("decompressed stream ended early: %w", common.ErrTruncated)
	}
	if truncated {
		return total, io.EOF
	}
	return total, nil
}

// acquire hands out the open cursor closest below off, or opens a new one at
// the nearest checkpoint. The returned cursor is removed from the pool until
// released, so concurrent readers never interleave on one decoder.
func (r *Reader) acquire(off int64) (*cursor, error) {
	r.mu.Lock()
	best := -1
	for i, c := range r.cursors {
		if c.pos <= off && (best < 0 || c.pos > r.cursors[best].pos) {
			best = i
		}
	}
	if best >= 0 {
		c := r.cursors[best]
		cp := r.nearestCheckpoint(off)
		// A fresh checkpoint closer to the target beats an old cursor far
		// behind it.
		if cp.UOff <= c.pos {
			r.cursors = append(r.cursors[:best], r.cursors[best+1:]...)
			r.mu.Unlock()
			return c, nil
		}
	}
	r.mu.Unlock()

	cp := r.nearestCheckpoint(off)
	rc, err := r.codec.Resume(r.src, cp)
	if err != nil {
		return nil, err
	}
	return &cursor{rc: rc, pos: cp.UOff}, nil
}

func (r *Reader) release(c *cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick++
	c.use = r.tick
	r.cursors = append(r.cursors, c)
	if len(r.cursors) > maxCursors {
		oldest := 0
		for i, cc := range r.cursors {
			if cc.use < r.cursors[oldest].use {
				oldest = i
			}
		}
		r.cursors[oldest].rc.Close()
		r.cursors = append(r.cursors[:oldest], r.cursors[oldest+1:]...)
	}
}

func (r *Reader) discard(c *cursor) {
	c.rc.Close()
}

// nearestCheckpoint returns the greatest checkpoint at or below off.
func (r *Reader) nearestCheckpoint(off int64) Checkpoint {
	cps := r.idx.Checkpoints
	if len(cps) == 0 {
		return Checkpoint{}
	}
	i := sort.Search(len(cps), func(i int) bool {
		return cps[i].UOff > off
	}) - 1
	if i < 0 {
		return Checkpoint{}
	}
	return cps[i]
}
