package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/tarmount/pkg/mount"
	"github.com/beam-cloud/tarmount/pkg/overlay"
)

var commitOut string

var CommitOverlayCmd = &cobra.Command{
	Use:   "commit-overlay <archive>",
	Short: "Re-emit the tar archive with overlay deletions applied",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := mountOptions()
		if opts.WriteOverlay == "" {
			fail(fmt.Errorf("commit-overlay requires --write-overlay"))
		}
		out := commitOut
		if out == "" {
			out = args[0] + ".committed"
		}

		root, err := mount.New(args, opts)
		if err != nil {
			fail(err)
		}
		defer root.Exit()

		o, ok := root.(*overlay.Overlay)
		if !ok {
			fail(fmt.Errorf("mount stack has no overlay"))
		}
		if err := o.CommitDeletions(args[0], out); err != nil {
			fail(err)
		}
	},
}

func init() {
	CommitOverlayCmd.Flags().StringVarP(&commitOut, "output", "o", "", "Committed archive path (default <archive>.committed)")
}
