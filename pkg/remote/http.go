package remote

import (
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// HTTPStream serves ReadAt through HTTP Range requests.
type HTTPStream struct {
	url    string
	client *retryablehttp.Client
	size   int64
}

func NewHTTPStream(url string) (*HTTPStream, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil

	resp, err := client.Head(url)
	if err != nil {
		return nil, fmt.Errorf("head %s: %v: %w", url, err, common.ErrIO)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("head %s: status %d: %w", url, resp.StatusCode, common.ErrIO)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, fmt.Errorf("%s does not accept range requests: %w", url, common.ErrNotSeekable)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("%s has no content length: %w", url, common.ErrNotSeekable)
	}
	return &HTTPStream{url: url, client: client, size: resp.ContentLength}, nil
}

func (s *HTTPStream) Size() int64 { return s.size }

func (s *HTTPStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= s.size {
		end = s.size - 1
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	// HTTP ranges are inclusive on both ends.
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("range get %s: %v: %w", s.url, err, common.ErrIO)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("range get %s: status %d: %w", s.url, resp.StatusCode, common.ErrIO)
	}

	want := int(end - off + 1)
	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("range get %s: %v: %w", s.url, err, common.ErrIO)
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *HTTPStream) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}
