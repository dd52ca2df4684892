package common

import (
	"os"
	"strings"
)

const (
	// DefaultSeekPointSpacing is the uncompressed distance between two
	// compression checkpoints.
	DefaultSeekPointSpacing = 16 * 1024 * 1024

	// DefaultBlockSize is reported through StatFS.
	DefaultBlockSize = 512

	// IndexTmpDirEnv overrides where downloaded remote indexes are staged.
	IndexTmpDirEnv = "TARMOUNT_INDEX_TMPDIR"
)

// AutoDetect is the three-valued knob used by GNUIncremental.
type AutoDetect int

const (
	Auto AutoDetect = iota
	Enabled
	Disabled
)

// Transform is a regex rewrite applied to member paths.
type Transform struct {
	Pattern     string
	Replacement string
}

// MountOptions is the full option set the core consumes. The CLI layer owns
// everything else.
type MountOptions struct {
	// RecursionDepth bounds AutoMount splicing: -1 unlimited, 0 off.
	RecursionDepth int

	IgnoreZeros    bool
	GNUIncremental AutoDetect

	// Encoding names the charset used to decode member path bytes.
	Encoding string

	SeekPointSpacing uint64

	VerifyMTime   bool
	RecreateIndex bool

	IndexPath    string
	IndexFolders []string

	// IndexMinimumFileCount suppresses writing an index file for archives
	// smaller than this many entries; the index is kept in memory instead.
	IndexMinimumFileCount uint64

	StripRecursiveTarExtension bool
	PathTransform              *Transform
	RecursiveMountPoint        *Transform

	PrioritizedBackends []string

	// Parallelization per backend; 0 means all cores. The empty key sets
	// the default.
	Parallelization map[string]int

	Password     string
	Passwords    []string
	PasswordFile string

	DisableUnionMount bool
	FileVersions      bool

	WriteOverlay  string
	CommitOverlay bool

	// LazyMounting defers per-archive indexing in a folder of archives to
	// the first access of that archive.
	LazyMounting bool
}

// WithDefaults fills the zero values every consumer relies on.
func (o MountOptions) WithDefaults() MountOptions {
	if o.SeekPointSpacing == 0 {
		o.SeekPointSpacing = DefaultSeekPointSpacing
	}
	if o.Encoding == "" {
		o.Encoding = "utf-8"
	}
	return o
}

// AllPasswords merges the single password, the password list, and the
// lines of the password file, keeping order and dropping duplicates.
func (o *MountOptions) AllPasswords() []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(o.Password)
	for _, p := range o.Passwords {
		add(p)
	}
	if o.PasswordFile != "" {
		if data, err := os.ReadFile(o.PasswordFile); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				add(strings.TrimRight(line, "\r"))
			}
		}
	}
	return out
}
