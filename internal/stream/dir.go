package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DirSource replays the JPEG files of a directory in name order at a
// fixed interval. The conn ends with io.EOF after the last file, so
// the supervisor reconnects and the sequence repeats.
type DirSource struct {
	dir      string
	interval time.Duration
}

// NewDirSource creates a directory replay source
func NewDirSource(dir string, interval time.Duration) *DirSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &DirSource{dir: dir, interval: interval}
}

func (s *DirSource) String() string {
	return "file://" + s.dir
}

func (s *DirSource) Connect(ctx context.Context) (Conn, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpeg files in %s", s.dir)
	}
	sort.Strings(files)

	stop := make(chan struct{})
	conn := newChanConn(1)
	conn.closeFn = func() error {
		close(stop)
		return nil
	}

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for i, path := range files {
			if i > 0 {
				select {
				case <-stop:
					return
				case <-ticker.C:
				}
			}
			data, err := os.ReadFile(path)
			if err != nil {
				conn.finish(err)
				return
			}
			for !conn.offer(RawFrame{Format: FormatJPEG, Data: data}) {
				if conn.closed() {
					return
				}
				select {
				case <-stop:
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
		conn.finish(io.EOF)
	}()
	return conn, nil
}
