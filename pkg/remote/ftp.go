package remote

import (
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// FTPStream serves ReadAt through REST+RETR on one pooled control
// connection. The protocol is stateful, so reads are serialized behind a
// mutex; concurrency comes from the layers above caching aggressively.
type FTPStream struct {
	mu   sync.Mutex
	conn *ftp.ServerConn
	path string
	size int64
}

func NewFTPStream(u *url.URL) (*FTPStream, error) {
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %v: %w", host, err, common.ErrIO)
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login %s: %v: %w", host, err, common.ErrIO)
	}

	size, err := conn.FileSize(u.Path)
	if err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp size %s: %v: %w", u.Path, err, common.ErrNotSeekable)
	}
	return &FTPStream{conn: conn, path: u.Path, size: size}, nil
}

func (s *FTPStream) Size() int64 { return s.size }

func (s *FTPStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.conn.RetrFrom(s.path, uint64(off))
	if err != nil {
		return 0, fmt.Errorf("ftp retr %s at %d: %v: %w", s.path, off, err, common.ErrIO)
	}
	n, err := io.ReadFull(resp, p)
	resp.Close()
	if err != nil {
		return n, fmt.Errorf("ftp read %s at %d: %v: %w", s.path, off, err, common.ErrIO)
	}
	return n, nil
}

func (s *FTPStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Quit()
}
