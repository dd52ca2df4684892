// Package layers holds the composition mount sources: union, version
// history, recursive auto-mounting, and named subvolumes. Every layer obeys
// the trait invariants: absent paths resolve to nil, symlinks are never
// dereferenced, and routing between a layer and its children travels only
// through the explicit FileInfo route tags.
package layers

import (
	"fmt"
	"sync"

	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

const (
	unionCacheMaxEntries = 100000
	unionCacheMaxDepth   = 32
)

// Union merges an ordered list of children into one tree. The tie-break
// rule is last-wins: the highest-indexed child owning a path shadows the
// rest.
type Union struct {
	children []source.MountSource

	mu     sync.Mutex
	owners *btree.Map[string, int]
}

func NewUnion(children ...source.MountSource) *Union {
	return &Union{
		children: children,
		owners:   &btree.Map[string, int]{},
	}
}

func (u *Union) Name() string { return "union" }

// owner finds the highest-indexed child containing path, consulting the
// bounded lookup cache first.
func (u *Union) owner(path string) (int, error) {
	u.mu.Lock()
	if id, ok := u.owners.Get(path); ok {
		u.mu.Unlock()
		return id, nil
	}
	u.mu.Unlock()

	for i := len(u.children) - 1; i >= 0; i-- {
		ok, err := u.children[i].Exists(path)
		if err != nil {
			return -1, err
		}
		if ok {
			if pathDepth(path) <= unionCacheMaxDepth {
				u.mu.Lock()
				if u.owners.Len() < unionCacheMaxEntries {
					u.owners.Set(path, i)
				}
				u.mu.Unlock()
			}
			return i, nil
		}
	}
	return -1, nil
}

func pathDepth(path string) int {
	depth := 0
	for _, c := range path {
		if c == '/' {
			depth++
		}
	}
	return depth
}

func (u *Union) Lookup(path string) (*common.FileInfo, error) {
	id, err := u.owner(path)
	if err != nil || id < 0 {
		return nil, err
	}
	fi, err := u.children[id].Lookup(path)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.PushRoute(id), nil
}

func (u *Union) LookupVersion(path string, version int64) (*common.FileInfo, error) {
	id, err := u.owner(path)
	if err != nil || id < 0 {
		return nil, err
	}
	fi, err := u.children[id].LookupVersion(path, version)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.PushRoute(id), nil
}

func (u *Union) Versions(path string) (int64, error) {
	id, err := u.owner(path)
	if err != nil || id < 0 {
		return 0, err
	}
	return u.children[id].Versions(path)
}

// List merges child listings, deduplicating by name with later children
// shadowing earlier ones.
func (u *Union) List(parentPath string) ([]*common.FileInfo, error) {
	merged := map[string]*common.FileInfo{}
	var order []string
	for id, child := range u.children {
		entries, err := child.List(parentPath)
		if err != nil {
			return nil, err
		}
		for _, fi := range entries {
			if _, seen := merged[fi.Name]; !seen {
				order = append(order, fi.Name)
			}
			merged[fi.Name] = fi.PushRoute(id)
		}
	}
	out := make([]*common.FileInfo, 0, len(merged))
	for _, name := range order {
		out = append(out, merged[name])
	}
	return out, nil
}

func (u *Union) Open(fi *common.FileInfo) (stream.Seekable, error) {
	inner, id, ok := fi.PopRoute()
	if !ok || id < 0 || id >= len(u.children) {
		return nil, fmt.Errorf("union open %s: no route: %w", fi.Path(), common.ErrNotFound)
	}
	return u.children[id].Open(inner)
}

func (u *Union) Exists(path string) (bool, error) {
	id, err := u.owner(path)
	return id >= 0, err
}

func (u *Union) Xattrs(path string) (map[string][]byte, error) {
	id, err := u.owner(path)
	if err != nil || id < 0 {
		return nil, err
	}
	return u.children[id].Xattrs(path)
}

func (u *Union) StatFS() common.StatFS {
	var files uint64
	var stat common.StatFS
	for _, child := range u.children {
		stat = child.StatFS()
		files += stat.Files
	}
	stat.Files = files
	if stat.BlockSize == 0 {
		stat.BlockSize = common.DefaultBlockSize
	}
	return stat
}

// Enter arms all children concurrently; the first failure wins and the
// layer tears the rest back down.
func (u *Union) Enter() error {
	var g errgroup.Group
	for _, child := range u.children {
		child := child
		g.Go(child.Enter)
	}
	if err := g.Wait(); err != nil {
		u.Exit()
		return err
	}
	return nil
}

func (u *Union) Exit() error {
	var first error
	for _, child := range u.children {
		if err := child.Exit(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
