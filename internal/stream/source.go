package stream

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/vzahanych/barnwatch/internal/logger"
)

// Source dials one camera. Connect must honor ctx for its deadline.
type Source interface {
	Connect(ctx context.Context) (Conn, error)
	// String describes the source with credentials masked
	String() string
}

// Conn is one live connection. Frames is closed when the connection
// ends; Err then reports why.
type Conn interface {
	Frames() <-chan RawFrame
	Err() error
	Close() error
}

// SourceConfig carries what the concrete sources need
type SourceConfig struct {
	URL          string
	PollInterval time.Duration
	ReadTimeout  time.Duration
	// FFmpeg decodes H.264 tracks and captures local devices. Nil
	// detects ffmpeg on first use.
	FFmpeg *FFmpeg
}

// NewSource picks a FrameSource implementation from the URL scheme. A
// bare index or /dev path selects a local camera.
func NewSource(cfg SourceConfig, log *logger.Logger) (Source, error) {
	ff := cfg.FFmpeg
	if ff == nil {
		ff = NewFFmpeg("", 0, log)
	}
	if IsDevice(cfg.URL) {
		return NewDeviceSource(cfg.URL, ff), nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	switch u.Scheme {
	case "rtsp", "rtsps":
		return NewRTSPSource(cfg.URL, cfg.ReadTimeout, ff, log), nil
	case "http", "https":
		return NewSnapshotSource(cfg.URL, cfg.PollInterval, cfg.ReadTimeout), nil
	case "file":
		return NewDirSource(u.Path, cfg.PollInterval), nil
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// chanConn is the Conn shared by the concrete sources. Producers call
// offer from any goroutine; finish closes the frame channel once.
type chanConn struct {
	frames    chan RawFrame
	mu        sync.Mutex
	err       error
	done      bool
	closeFn   func() error
	closeOnce sync.Once
}

func newChanConn(buffer int) *chanConn {
	return &chanConn{frames: make(chan RawFrame, buffer)}
}

// offer hands a frame to the supervisor without blocking. A full
// buffer drops the frame; the supervisor only needs the latest.
func (c *chanConn) offer(f RawFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}

func (c *chanConn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.err = err
	close(c.frames)
}

func (c *chanConn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *chanConn) Frames() <-chan RawFrame {
	return c.frames
}

func (c *chanConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close marks the conn closed before releasing the producer, so Err
// reports ErrConnClosed rather than the producer's shutdown error
func (c *chanConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.finish(ErrConnClosed)
		if c.closeFn != nil {
			err = c.closeFn()
		}
	})
	return err
}
