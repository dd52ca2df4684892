package commands

import (
	"fmt"
	"io"
	"os"

	log "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/tarmount/pkg/mount"
	"github.com/beam-cloud/tarmount/pkg/source"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// withMount resolves the archive specs, enters the stack, runs fn, and
// tears everything down again.
func withMount(specs []string, fn func(source.MountSource) error) error {
	root, err := mount.New(specs, mountOptions())
	if err != nil {
		return err
	}
	if err := root.Enter(); err != nil {
		root.Exit()
		return err
	}
	defer root.Exit()
	return fn(root)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%v\n", err)
	os.Exit(1)
}

var IndexCmd = &cobra.Command{
	Use:   "index <archive>...",
	Short: "Build or refresh the SQLite index for the given archives",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withMount(args, func(root source.MountSource) error {
			stat := root.StatFS()
			log.Info().Uint64("entries", stat.Files).Msg("index ready")
			return nil
		})
		if err != nil {
			fail(err)
		}
	},
}

var listPath string

var ListCmd = &cobra.Command{
	Use:   "ls <archive>...",
	Short: "List a directory inside the mounted view",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withMount(args, func(root source.MountSource) error {
			entries, err := root.List(listPath)
			if err != nil {
				return err
			}
			for _, fi := range entries {
				suffix := ""
				if fi.IsDir() {
					suffix = "/"
				} else if fi.IsSymlink() {
					suffix = " -> " + fi.LinkTarget
				}
				fmt.Printf("%o\t%d\t%s%s\n", fi.Mode, fi.Size, fi.Name, suffix)
			}
			return nil
		})
		if err != nil {
			fail(err)
		}
	},
}

var catPath string

var CatCmd = &cobra.Command{
	Use:   "cat <archive>...",
	Short: "Write one member's bytes to stdout",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withMount(args, func(root source.MountSource) error {
			fi, err := root.Lookup(catPath)
			if err != nil {
				return err
			}
			if fi == nil {
				return fmt.Errorf("%s not found", catPath)
			}
			s, err := root.Open(fi)
			if err != nil {
				return err
			}
			defer s.Close()
			_, err = io.Copy(os.Stdout, stream.NewReader(s))
			return err
		})
		if err != nil {
			fail(err)
		}
	},
}

var versionsPath string

var VersionsCmd = &cobra.Command{
	Use:   "versions <archive>...",
	Short: "Count the recorded versions at a path",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withMount(args, func(root source.MountSource) error {
			n, err := root.Versions(versionsPath)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
		if err != nil {
			fail(err)
		}
	},
}

func init() {
	ListCmd.Flags().StringVarP(&listPath, "path", "p", "/", "Directory to list")
	CatCmd.Flags().StringVarP(&catPath, "path", "p", "", "Member path to read")
	CatCmd.MarkFlagRequired("path")
	VersionsCmd.Flags().StringVarP(&versionsPath, "path", "p", "", "Path to inspect")
	VersionsCmd.MarkFlagRequired("path")
}
