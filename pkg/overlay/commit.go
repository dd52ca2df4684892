package overlay

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	log "github.com/rs/zerolog/log"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// CommitDeletions re-emits the tar archive at archivePath without the
// members hidden in this overlay, writing the result to outPath. When no
// member is hidden it returns nil without creating outPath. Only the
// deletion half of the overlay commits; content edits stay in the overlay
// folder, which remains the editable view.
func (o *Overlay) CommitDeletions(archivePath, outPath string) error {
	hidden, err := o.HiddenPaths()
	if err != nil {
		return err
	}
	if len(hidden) == 0 {
		log.Info().Msg("no deletions to commit")
		return nil
	}
	hiddenSet := map[string]bool{}
	for _, p := range hidden {
		hiddenSet[p] = true
	}

	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("commit source %s: %w", archivePath, err)
	}
	defer in.Close()
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("commit target %s: %w", outPath, err)
	}
	defer out.Close()

	tr := tar.NewReader(in)
	tw := tar.NewWriter(out)
	var dropped int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("commit read %s: %v: %w", archivePath, err, common.ErrTarHeaderCorrupt)
		}
		normalized, err := common.NormalizePath(hdr.Name)
		if err != nil {
			return err
		}
		if hiddenSet[normalized] {
			dropped++
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("commit write header %s: %w", hdr.Name, err)
		}
		if hdr.Size > 0 {
			if _, err := io.CopyN(tw, tr, hdr.Size); err != nil {
				return fmt.Errorf("commit write %s: %w", hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	log.Info().Int("dropped", dropped).Str("archive", outPath).Msg("committed overlay deletions")
	return nil
}
