package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxSnapshotSize bounds a single JPEG read from a camera endpoint
const maxSnapshotSize = 16 << 20

// SnapshotSource polls an HTTP endpoint that returns one JPEG per
// request, the way most IP cameras expose a still image URL
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client
}

// NewSnapshotSource creates a polling HTTP snapshot source
func NewSnapshotSource(rawURL string, interval, timeout time.Duration) *SnapshotSource {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SnapshotSource{
		url:      rawURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *SnapshotSource) String() string {
	return MaskURL(s.url)
}

// Connect fetches a first image to prove the endpoint works, then
// keeps polling until a request fails or the conn is closed
func (s *SnapshotSource) Connect(ctx context.Context) (Conn, error) {
	first, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	conn := newChanConn(2)
	conn.closeFn = func() error {
		cancel()
		return nil
	}
	conn.offer(RawFrame{Format: FormatJPEG, Data: first})

	go func() {
		defer cancel()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				conn.finish(ErrConnClosed)
				return
			case <-ticker.C:
				data, err := s.fetch(pollCtx)
				if err != nil {
					conn.finish(err)
					return
				}
				conn.offer(RawFrame{Format: FormatJPEG, Data: data})
			}
		}
	}()
	return conn, nil
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("snapshot body is empty")
	}
	return data, nil
}
