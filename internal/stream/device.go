package stream

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// DeviceSource captures a local camera through ffmpeg. The device is
// either an index ("0") or a device node ("/dev/video2").
type DeviceSource struct {
	device string
	ffmpeg *FFmpeg
}

// NewDeviceSource creates a local camera source
func NewDeviceSource(device string, ffmpeg *FFmpeg) *DeviceSource {
	return &DeviceSource{device: device, ffmpeg: ffmpeg}
}

// IsDevice reports whether a site URL names a local camera
func IsDevice(raw string) bool {
	if strings.HasPrefix(raw, "/dev/") {
		return true
	}
	_, err := strconv.ParseUint(raw, 10, 8)
	return err == nil
}

func (s *DeviceSource) String() string {
	return "device:" + s.device
}

func (s *DeviceSource) input() ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		node := s.device
		if !strings.HasPrefix(node, "/dev/") {
			node = "/dev/video" + node
		}
		return []string{"-f", "v4l2", "-i", node}, nil
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", "30", "-i", strings.TrimPrefix(s.device, "/dev/video")}, nil
	default:
		return nil, fmt.Errorf("local camera capture is not supported on %s", runtime.GOOS)
	}
}

// Connect starts the capture and waits for the first image, so a busy
// or missing device fails the attempt
func (s *DeviceSource) Connect(ctx context.Context) (Conn, error) {
	input, err := s.input()
	if err != nil {
		return nil, err
	}

	conn := newChanConn(2)
	first := make(chan struct{})
	var once sync.Once
	proc, err := s.ffmpeg.start(input, false, func(img []byte) {
		conn.offer(RawFrame{Format: FormatJPEG, Data: img})
		once.Do(func() { close(first) })
	})
	if err != nil {
		return nil, err
	}
	conn.closeFn = proc.Close

	select {
	case <-first:
	case <-proc.done:
		conn.Close()
		return nil, fmt.Errorf("device %s: %w", s.device, proc.err)
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	go func() {
		<-proc.done
		conn.finish(proc.err)
	}()
	return conn, nil
}
