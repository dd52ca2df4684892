package commands

import (
	"os"

	"github.com/rs/zerolog"
	log "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/tarmount/pkg/common"
)

var rootOpts struct {
	verbose          bool
	recursionDepth   int
	ignoreZeros      bool
	recreateIndex    bool
	verifyMTime      bool
	indexPath        string
	indexFolders     []string
	stripTarExt      bool
	fileVersions     bool
	disableUnion     bool
	writeOverlay     string
	password         string
	backends         []string
	seekPointSpacing uint64
}

var RootCmd = &cobra.Command{
	Use:   "tarmount",
	Short: "Present archive contents as a filesystem tree without extraction",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if rootOpts.verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.BoolVarP(&rootOpts.verbose, "verbose", "v", false, "Verbose output")
	pf.IntVarP(&rootOpts.recursionDepth, "recursive", "r", 0, "Recursion depth for nested archives (-1 = unlimited)")
	pf.BoolVar(&rootOpts.ignoreZeros, "ignore-zeros", false, "Continue past zero blocks (concatenated tars)")
	pf.BoolVar(&rootOpts.recreateIndex, "recreate-index", false, "Discard and rebuild the index")
	pf.BoolVar(&rootOpts.verifyMTime, "verify-mtime", false, "Include mtime in index validation")
	pf.StringVar(&rootOpts.indexPath, "index-file", "", "Explicit index file location")
	pf.StringSliceVar(&rootOpts.indexFolders, "index-folders", nil, "Fallback folders for index files")
	pf.BoolVar(&rootOpts.stripTarExt, "strip-recursive-tar-extension", false, "Strip .tar from recursive mount points")
	pf.BoolVar(&rootOpts.fileVersions, "versions", true, "Expose .versions history directories")
	pf.BoolVar(&rootOpts.disableUnion, "disable-union-mount", false, "Mount multiple archives as subvolumes instead of a union")
	pf.StringVar(&rootOpts.writeOverlay, "write-overlay", "", "Folder backing the copy-on-write overlay")
	pf.StringVar(&rootOpts.password, "password", "", "Password for encrypted members")
	pf.StringSliceVar(&rootOpts.backends, "prioritized-backends", nil, "Backend priority order")
	pf.Uint64Var(&rootOpts.seekPointSpacing, "gzip-seek-point-spacing", 0, "Checkpoint spacing in bytes")

	RootCmd.AddCommand(IndexCmd, ListCmd, CatCmd, VersionsCmd, CommitOverlayCmd)
}

func mountOptions() common.MountOptions {
	return common.MountOptions{
		RecursionDepth:             rootOpts.recursionDepth,
		IgnoreZeros:                rootOpts.ignoreZeros,
		RecreateIndex:              rootOpts.recreateIndex,
		VerifyMTime:                rootOpts.verifyMTime,
		IndexPath:                  rootOpts.indexPath,
		IndexFolders:               rootOpts.indexFolders,
		StripRecursiveTarExtension: rootOpts.stripTarExt,
		FileVersions:               rootOpts.fileVersions,
		DisableUnionMount:          rootOpts.disableUnion,
		WriteOverlay:               rootOpts.writeOverlay,
		Password:                   rootOpts.password,
		PrioritizedBackends:        rootOpts.backends,
		SeekPointSpacing:           rootOpts.seekPointSpacing,
	}.WithDefaults()
}
