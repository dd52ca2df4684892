// Package mount assembles the configured composition stack over one or
// more mount specs: union (or subvolumes), recursive auto-mounting, version
// views, and the optional write overlay.
package mount

import (
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/layers"
	"github.com/beam-cloud/tarmount/pkg/overlay"
	"github.com/beam-cloud/tarmount/pkg/source"
)

// New resolves every spec concurrently and stacks the composition layers
// per the option set. The returned source is not yet entered.
func New(specs []string, opts common.MountOptions) (source.MountSource, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no mount source given: %w", common.ErrNotFound)
	}
	opts = opts.WithDefaults()

	sources := make([]source.MountSource, len(specs))
	var g errgroup.Group
	var mu sync.Mutex
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			s, err := source.NewMountSource(spec, opts)
			if err != nil {
				return fmt.Errorf("mount %s: %w", spec, err)
			}
			mu.Lock()
			sources[i] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sources {
			if s != nil {
				s.Exit()
			}
		}
		return nil, err
	}

	var root source.MountSource
	switch {
	case len(sources) == 1:
		root = sources[0]
	case opts.DisableUnionMount:
		sub := layers.NewSubvolumes()
		for i, s := range sources {
			name := filepath.Base(specs[i])
			if err := sub.Add(name, s); err != nil {
				return nil, err
			}
		}
		root = sub
	default:
		root = layers.NewUnion(sources...)
	}

	if opts.RecursionDepth != 0 {
		root = layers.NewAutoMount(root, opts.RecursionDepth, opts)
	}
	if opts.FileVersions {
		root = layers.NewFileVersions(root)
	}
	if opts.WriteOverlay != "" {
		o, err := overlay.NewOverlay(root, opts.WriteOverlay)
		if err != nil {
			root.Exit()
			return nil, err
		}
		root = o
	}
	return root, nil
}
