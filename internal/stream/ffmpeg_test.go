package stream

import (
	"bufio"
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/barnwatch/internal/logger"
)

func fakeJPEG(tag byte) []byte {
	return []byte{0xFF, 0xD8, tag, tag, 0xFF, 0xD9}
}

// fakeFFmpeg writes a shell script standing in for ffmpeg
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("fake ffmpeg needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

type imageSink struct {
	mu     sync.Mutex
	images [][]byte
}

func (s *imageSink) add(img []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, img)
}

func (s *imageSink) get() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.images...)
}

func TestSplitJPEG(t *testing.T) {
	var input []byte
	input = append(input, 0x00, 0x00, 0x00, 0x01, 0x65, 0xFF)
	input = append(input, fakeJPEG('a')...)
	input = append(input, "garbage"...)
	input = append(input, fakeJPEG('b')...)
	input = append(input, 0xFF, 0xD8, 0x01) // truncated

	scanner := bufio.NewScanner(bytes.NewReader(input))
	scanner.Buffer(make([]byte, 0, 4), 1<<10)
	scanner.Split(splitJPEG)

	var images [][]byte
	for scanner.Scan() {
		images = append(images, bytes.Clone(scanner.Bytes()))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, [][]byte{fakeJPEG('a'), fakeJPEG('b')}, images)
}

func TestH264Decoder_StartsAtIDR(t *testing.T) {
	ff := NewFFmpeg(fakeFFmpeg(t, "exec cat"), 5, logger.NewNopLogger())

	sink := &imageSink{}
	dec, err := ff.NewH264Decoder(sink.add)
	require.NoError(t, err)
	defer dec.Close()

	dec.Decode([][]byte{append([]byte{0x41}, fakeJPEG('A')...)})
	dec.Decode([][]byte{{0x67, 0x42}, append([]byte{0x65}, fakeJPEG('B')...)})
	dec.Decode([][]byte{append([]byte{0x41}, fakeJPEG('C')...)})

	require.Eventually(t, func() bool { return len(sink.get()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{fakeJPEG('B'), fakeJPEG('C')}, sink.get())
	assert.Zero(t, dec.Dropped())

	require.NoError(t, dec.Close())
	select {
	case <-dec.Done():
	default:
		t.Fatal("decoder still running after Close")
	}
	assert.Error(t, dec.Err())
}

func TestH264Decoder_ExitReportsStderr(t *testing.T) {
	ff := NewFFmpeg(fakeFFmpeg(t, "echo 'Invalid data found when processing input' >&2; exit 1"), 5, logger.NewNopLogger())

	dec, err := ff.NewH264Decoder(func([]byte) {})
	require.NoError(t, err)
	defer dec.Close()

	select {
	case <-dec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("decoder did not exit")
	}
	require.Error(t, dec.Err())
	assert.Contains(t, dec.Err().Error(), "Invalid data found")
}

func TestH264Decoder_MissingBinary(t *testing.T) {
	ff := NewFFmpeg("/nonexistent/ffmpeg", 5, logger.NewNopLogger())
	_, err := ff.NewH264Decoder(func([]byte) {})
	assert.Error(t, err)
}

func TestWithParams(t *testing.T) {
	sps := []byte{0x67, 0x42, 0xC0, 0x1E}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	f := &format.H264{PayloadTyp: 96, SPS: sps, PPS: pps, PacketizationMode: 1}

	idr := [][]byte{{0x65, 0x88}}
	assert.Equal(t, [][]byte{sps, pps, {0x65, 0x88}}, withParams(f, idr))

	slice := [][]byte{{0x41, 0x9A}}
	assert.Equal(t, slice, withParams(f, slice))

	assert.Equal(t, idr, withParams(&format.H264{PayloadTyp: 96}, idr))
}

// Decodes a real H.264 elementary stream when ffmpeg with libx264 is
// installed.
func TestH264Decoder_RealStream(t *testing.T) {
	path, err := DetectFFmpeg()
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	es, err := exec.Command(path, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=64x48:rate=25",
		"-frames:v", "100",
		"-c:v", "libx264", "-tune", "zerolatency", "-pix_fmt", "yuv420p",
		"-f", "h264", "-").Output()
	if err != nil || len(es) == 0 {
		t.Skip("ffmpeg cannot encode H.264 here")
	}
	nalus, err := h264.AnnexBUnmarshal(es)
	require.NoError(t, err)
	require.True(t, h264.IDRPresent(nalus))

	sink := &imageSink{}
	dec, err := NewFFmpeg(path, 5, logger.NewNopLogger()).NewH264Decoder(sink.add)
	require.NoError(t, err)
	defer dec.Close()

	deadline := time.Now().Add(10 * time.Second)
	for len(sink.get()) == 0 && time.Now().Before(deadline) {
		dec.Decode(nalus)
		time.Sleep(100 * time.Millisecond)
	}
	images := sink.get()
	require.NotEmpty(t, images)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(images[0]))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestDeviceSource_StreamsJPEG(t *testing.T) {
	frames := filepath.Join(t.TempDir(), "frames.mjpeg")
	require.NoError(t, os.WriteFile(frames, append(fakeJPEG('1'), fakeJPEG('2')...), 0644))
	t.Setenv("BARNWATCH_TEST_FRAMES", frames)

	ff := NewFFmpeg(fakeFFmpeg(t, `cat "$BARNWATCH_TEST_FRAMES"; exec sleep 30`), 5, logger.NewNopLogger())
	src := NewDeviceSource("0", ff)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := src.Connect(ctx)
	require.NoError(t, err)

	f := <-conn.Frames()
	assert.Equal(t, FormatJPEG, f.Format)
	assert.Equal(t, fakeJPEG('1'), f.Data)

	require.NoError(t, conn.Close())
	for range conn.Frames() {
	}
	assert.ErrorIs(t, conn.Err(), ErrConnClosed)
}

func TestDeviceSource_ConnectFailsWhenCaptureExits(t *testing.T) {
	ff := NewFFmpeg(fakeFFmpeg(t, "echo '/dev/video0: No such file or directory' >&2; exit 1"), 5, logger.NewNopLogger())
	src := NewDeviceSource("0", ff)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := src.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device 0")
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestIsDevice(t *testing.T) {
	for raw, want := range map[string]bool{
		"0":                    true,
		"12":                   true,
		"/dev/video2":          true,
		"-1":                   false,
		"999":                  false,
		"rtsp://cam/stream":    false,
		"/var/lib/barn/frames": false,
	} {
		assert.Equal(t, want, IsDevice(raw), raw)
	}
}
