// Package remote adapts remote objects to the seekable byte-stream
// contract. Every backend serves ReadAt through ranged requests; a resource
// that cannot do ranged reads is refused as not seekable rather than
// buffered wholesale.
package remote

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
	"github.com/beam-cloud/tarmount/pkg/stream"
)

// Resolve turns a URL into a seekable stream plus a display name for the
// object. Plain paths and file:// URLs map to local file streams.
func Resolve(rawURL string) (stream.Seekable, string, error) {
	if !strings.Contains(rawURL, "://") {
		s, err := stream.OpenFile(rawURL)
		return s, rawURL, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("url %q: %w", rawURL, common.ErrInvalidPath)
	}
	name := path.Base(u.Path)

	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Opaque != "" {
			p = u.Opaque
		}
		s, err := stream.OpenFile(p)
		return s, p, err
	case "http", "https":
		s, err := NewHTTPStream(rawURL)
		return s, name, err
	case "s3":
		s, err := NewS3Stream(u.Host, strings.TrimPrefix(u.Path, "/"))
		return s, name, err
	case "ftp":
		s, err := NewFTPStream(u)
		return s, name, err
	default:
		return nil, "", fmt.Errorf("url scheme %q: %w", u.Scheme, common.ErrDependencyMissing)
	}
}
