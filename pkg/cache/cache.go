// Package cache holds the short-lived lookup LRU and the warm-handle pool
// that lets a re-opened entry resume on an already positioned decompressor.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

const DefaultLookupCacheSize = 4096

// LookupCache memoizes recent path resolutions.
type LookupCache struct {
	lru *lru.Cache[string, *common.FileInfo]
}

func NewLookupCache(size int) (*LookupCache, error) {
	if size <= 0 {
		size = DefaultLookupCacheSize
	}
	c, err := lru.New[string, *common.FileInfo](size)
	if err != nil {
		return nil, err
	}
	return &LookupCache{lru: c}, nil
}

func (c *LookupCache) Get(path string) (*common.FileInfo, bool) {
	return c.lru.Get(path)
}

func (c *LookupCache) Put(path string, fi *common.FileInfo) {
	c.lru.Add(path, fi)
}

func (c *LookupCache) Invalidate(path string) {
	c.lru.Remove(path)
}

func (c *LookupCache) Purge() {
	c.lru.Purge()
}

// HandleKey identifies a pooled stream.
type HandleKey struct {
	ArchiveID int64
	EntryID   string
}

func (k HandleKey) String() string {
	return fmt.Sprintf("%d:%s", k.ArchiveID, k.EntryID)
}

type pooledHandle struct {
	key HandleKey
	s   stream.Seekable
	elt *list.Element
}

// HandlePool keeps released entry streams warm, bounded by capacity.
// Acquire pops a handle out of the pool entirely, so two concurrent readers
// of the same entry never share one cursor; the second caller simply misses
// and opens fresh.
type HandlePool struct {
	mu       sync.Mutex
	capacity int
	byKey    map[HandleKey][]*pooledHandle
	order    *list.List
}

const DefaultHandlePoolSize = 64

func NewHandlePool(capacity int) *HandlePool {
	if capacity <= 0 {
		capacity = DefaultHandlePoolSize
	}
	return &HandlePool{
		capacity: capacity,
		byKey:    map[HandleKey][]*pooledHandle{},
		order:    list.New(),
	}
}

// Acquire returns a warm handle for key, or (nil, false).
func (p *HandlePool) Acquire(key HandleKey) (stream.Seekable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handles := p.byKey[key]
	if len(handles) == 0 {
		return nil, false
	}
	h := handles[len(handles)-1]
	p.byKey[key] = handles[:len(handles)-1]
	p.order.Remove(h.elt)
	return h.s, true
}

// Release returns a handle to the pool, evicting the coldest one past
// capacity.
func (p *HandlePool) Release(key HandleKey, s stream.Seekable) {
	p.mu.Lock()
	h := &pooledHandle{key: key, s: s}
	h.elt = p.order.PushBack(h)
	p.byKey[key] = append(p.byKey[key], h)

	var evicted stream.Seekable
	if p.order.Len() > p.capacity {
		oldest := p.order.Front()
		p.order.Remove(oldest)
		old := oldest.Value.(*pooledHandle)
		handles := p.byKey[old.key]
		for i, cand := range handles {
			if cand == old {
				p.byKey[old.key] = append(handles[:i], handles[i+1:]...)
				break
			}
		}
		evicted = old.s
	}
	p.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}
}

// Clear drops and closes every pooled handle.
func (p *HandlePool) Clear() {
	p.mu.Lock()
	var all []stream.Seekable
	for e := p.order.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(*pooledHandle).s)
	}
	p.byKey = map[HandleKey][]*pooledHandle{}
	p.order.Init()
	p.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

// Len reports the pooled handle count.
func (p *HandlePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
