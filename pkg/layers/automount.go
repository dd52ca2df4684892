package layers

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// AutoMount splices recognized archives inside the child tree in as nested
// directory trees on first access. Nested sources live in an arena keyed by
// integer ids — route tags and the arena break any reference cycle between
// a mount and the archives inside it.
type AutoMount struct {
	child source.MountSource
	opts  common.MountOptions
	depth int

	mu      sync.Mutex
	arena   []source.MountSource
	mounts  map[string]int    // mount-point path -> arena id
	origins map[string]string // mount-point path -> original member path
	failed  map[string]bool
}

// NewAutoMount bounds recursion at depth: -1 means unlimited, 0 disables
// splicing entirely.
func NewAutoMount(child source.MountSource, depth int, opts common.MountOptions) *AutoMount {
	return &AutoMount{
		child:   child,
		opts:    opts,
		depth:   depth,
		mounts:  map[string]int{},
		origins: map[string]string{},
		failed:  map[string]bool{},
	}
}

func (a *AutoMount) Name() string { return "automount" }

var archiveExtensions = []string{
	".tar", ".tgz", ".tbz2", ".txz", ".tar.gz", ".tar.bz2", ".tar.xz",
	".tar.zst", ".zip", ".gz", ".bz2", ".xz", ".zst", ".asar", ".sqlar",
}

func looksLikeArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// mountPointName applies the configured rewrites to a member name.
func (a *AutoMount) mountPointName(name string) string {
	out := name
	if a.opts.StripRecursiveTarExtension {
		for _, ext := range []string{".tar.gz", ".tar.bz2", ".tar.xz", ".tar.zst", ".tgz", ".tbz2", ".txz", ".tar"} {
			if strings.HasSuffix(strings.ToLower(out), ext) {
				out = out[:len(out)-len(ext)]
				break
			}
		}
	}
	if t := a.opts.RecursiveMountPoint; t != nil {
		if re, err := regexp.Compile(t.Pattern); err == nil {
			out = re.ReplaceAllString(out, t.Replacement)
		}
	}
	return out
}

// originCandidates maps a mount-point name back to candidate member names.
func (a *AutoMount) originCandidates(name string) []string {
	if !a.opts.StripRecursiveTarExtension && a.opts.RecursiveMountPoint == nil {
		return []string{name}
	}
	candidates := []string{name}
	if a.opts.StripRecursiveTarExtension {
		for _, ext := range []string{".tar", ".tgz", ".tar.gz", ".tar.bz2", ".tar.xz", ".tar.zst"} {
			candidates = append(candidates, name+ext)
		}
	}
	return candidates
}

// nestedAt returns (and lazily creates) the nested source mounted at the
// given mount-point path, or nil when the path is no archive.
func (a *AutoMount) nestedAt(mountPath string) (source.MountSource, int, error) {
	if a.depth == 0 {
		return nil, -1, nil
	}
	a.mu.Lock()
	if id, ok := a.mounts[mountPath]; ok {
		a.mu.Unlock()
		return a.arena[id], id, nil
	}
	if a.failed[mountPath] {
		a.mu.Unlock()
		return nil, -1, nil
	}
	a.mu.Unlock()

	parent, name := common.SplitPath(mountPath)
	for _, orig := range a.originCandidates(name) {
		origPath := parent + "/" + orig
		if parent == "/" {
			origPath = "/" + orig
		}
		fi, err := a.child.Lookup(origPath)
		if err != nil {
			return nil, -1, err
		}
		if fi == nil || fi.Type != common.RegularEntry || !looksLikeArchive(orig) {
			continue
		}
		if a.mountPointName(orig) != name {
			continue
		}

		src, err := a.child.Open(fi)
		if err != nil {
			return nil, -1, err
		}
		nestedOpts := a.opts
		nestedOpts.IndexPath = ""
		nested, err := source.FromStream(src, "", orig, fi.MTime, nestedOpts)
		if err != nil {
			src.Close()
			log.Debug().Err(err).Str("member", origPath).Msg("member is not a mountable archive")
			a.mu.Lock()
			a.failed[mountPath] = true
			a.mu.Unlock()
			continue
		}

		nextDepth := a.depth
		if nextDepth > 0 {
			nextDepth--
		}
		var spliced source.MountSource = nested
		if nextDepth != 0 {
			spliced = NewAutoMount(nested, nextDepth, a.opts)
		}

		a.mu.Lock()
		id := len(a.arena)
		a.arena = append(a.arena, spliced)
		a.mounts[mountPath] = id
		a.origins[mountPath] = origPath
		a.mu.Unlock()
		log.Info().Str("archive", origPath).Str("mountpoint", mountPath).Msg("auto-mounted nested archive")
		return spliced, id, nil
	}

	a.mu.Lock()
	a.failed[mountPath] = true
	a.mu.Unlock()
	return nil, -1, nil
}

// resolve walks the path components and finds the deepest nested mount the
// path passes through.
func (a *AutoMount) resolve(normalized string) (nested source.MountSource, id int, rest string, err error) {
	if normalized == "/" {
		return nil, -1, "", nil
	}
	parts := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	for i := len(parts); i >= 1; i-- {
		prefix := "/" + path.Join(parts[:i]...)
		if !looksLikeArchiveMountPoint(parts[i-1], a.opts) {
			continue
		}
		n, nid, err := a.nestedAt(prefix)
		if err != nil {
			return nil, -1, "", err
		}
		if n != nil {
			rest := "/"
			if i < len(parts) {
				rest = "/" + path.Join(parts[i:]...)
			}
			return n, nid, rest, nil
		}
	}
	return nil, -1, "", nil
}

func looksLikeArchiveMountPoint(name string, opts common.MountOptions) bool {
	if looksLikeArchive(name) {
		return true
	}
	// With renamed mount points any name can front an archive.
	return opts.StripRecursiveTarExtension || opts.RecursiveMountPoint != nil
}

func (a *AutoMount) Lookup(p string) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	nested, id, rest, err := a.resolve(normalized)
	if err != nil {
		return nil, err
	}
	if nested != nil {
		if rest == "/" {
			parent, name := common.SplitPath(normalized)
			return &common.FileInfo{
				ParentPath: parent,
				Name:       name,
				Type:       common.DirectoryEntry,
				Mode:       0o555,
				Version:    1,
				Backend:    a.child.Name(),
			}, nil
		}
		fi, err := nested.Lookup(rest)
		if err != nil || fi == nil {
			return nil, err
		}
		return fi.PushRoute(id), nil
	}
	return a.child.Lookup(normalized)
}

func (a *AutoMount) LookupVersion(p string, version int64) (*common.FileInfo, error) {
	normalized, err := common.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	orig, mounted := a.origins[normalized]
	a.mu.Unlock()
	if mounted {
		// Earlier versions reach the original archive member under the
		// mount point, so both views coexist.
		return a.child.LookupVersion(orig, version)
	}
	nested, id, rest, err := a.resolve(normalized)
	if err != nil {
		return nil, err
	}
	if nested != nil && rest != "/" {
		fi, err := nested.LookupVersion(rest, version)
		if err != nil || fi == nil {
			return nil, err
		}
		return fi.PushRoute(id), nil
	}
	return a.child.LookupVersion(normalized, version)
}

func (a *AutoMount) Versions(p string) (int64, error) {
	normalized, err := common.NormalizePath(p)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	orig, mounted := a.origins[normalized]
	a.mu.Unlock()
	if mounted {
		return a.child.Versions(orig)
	}
	nested, _, rest, err := a.resolve(normalized)
	if err != nil {
		return 0, err
	}
	if nested != nil && rest != "/" {
		return nested.Versions(rest)
	}
	return a.child.Versions(normalized)
}

func (a *AutoMount) List(parentPath string) ([]*common.FileInfo, error) {
	normalized, err := common.NormalizePath(parentPath)
	if err != nil {
		return nil, err
	}
	nested, id, rest, err := a.resolve(normalized)
	if err != nil {
		return nil, err
	}
	if nested != nil {
		entries, err := nested.List(rest)
		if err != nil {
			return nil, err
		}
		out := make([]*common.FileInfo, 0, len(entries))
		for _, fi := range entries {
			out = append(out, fi.PushRoute(id))
		}
		return out, nil
	}

	entries, err := a.child.List(normalized)
	if err != nil {
		return nil, err
	}
	if a.depth == 0 {
		return entries, nil
	}
	out := make([]*common.FileInfo, 0, len(entries))
	for _, fi := range entries {
		if fi.Type == common.RegularEntry && looksLikeArchive(fi.Name) {
			mountName := a.mountPointName(fi.Name)
			mountPath := normalized + "/" + mountName
			if normalized == "/" {
				mountPath = "/" + mountName
			}
			if n, _, err := a.nestedAt(mountPath); err == nil && n != nil {
				dir := &common.FileInfo{
					ParentPath: normalized,
					Name:       mountName,
					Type:       common.DirectoryEntry,
					Mode:       0o555,
					Version:    1,
					Backend:    a.child.Name(),
				}
				out = append(out, dir)
				if mountName == fi.Name {
					continue
				}
			}
		}
		out = append(out, fi)
	}
	return out, nil
}

func (a *AutoMount) Open(fi *common.FileInfo) (stream.Seekable, error) {
	inner, id, ok := fi.PopRoute()
	if ok {
		a.mu.Lock()
		valid := id >= 0 && id < len(a.arena)
		a.mu.Unlock()
		if !valid {
			return nil, fmt.Errorf("automount open %s: stale route: %w", fi.Path(), common.ErrNotFound)
		}
		return a.arena[id].Open(inner)
	}
	return a.child.Open(fi)
}

func (a *AutoMount) Exists(p string) (bool, error) {
	fi, err := a.Lookup(p)
	return fi != nil, err
}

func (a *AutoMount) Xattrs(p string) (map[string][]byte, error) {
	fi, err := a.Lookup(p)
	if err != nil || fi == nil {
		return nil, err
	}
	return fi.Xattrs, nil
}

func (a *AutoMount) StatFS() common.StatFS { return a.child.StatFS() }

func (a *AutoMount) Enter() error { return a.child.Enter() }

func (a *AutoMount) Exit() error {
	a.mu.Lock()
	arena := a.arena
	a.arena = nil
	a.mounts = map[string]int{}
	a.mu.Unlock()
	var first error
	for _, nested := range arena {
		if err := nested.Exit(); err != nil && first == nil {
			first = err
		}
	}
	if err := a.child.Exit(); err != nil && first == nil {
		first = err
	}
	return first
}
