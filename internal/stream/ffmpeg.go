package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/vzahanych/barnwatch/internal/logger"
)

// ErrFFmpegNotFound is returned when no ffmpeg binary answers -version
var ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH or common locations")

// FFmpeg runs ffmpeg processes that write a stream of JPEG images to
// stdout. It decodes H.264 tracks and captures local devices.
type FFmpeg struct {
	path    string
	quality int
	logger  *logger.Logger

	mu       sync.Mutex
	resolved string
}

// NewFFmpeg creates a runner. An empty path is detected on first use;
// quality is the mjpeg -q:v scale, 2 (best) to 31.
func NewFFmpeg(path string, quality int, log *logger.Logger) *FFmpeg {
	if quality < 2 || quality > 31 {
		quality = 5
	}
	return &FFmpeg{path: path, quality: quality, logger: log}
}

// DetectFFmpeg finds an ffmpeg executable
func DetectFFmpeg() (string, error) {
	for _, path := range []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"} {
		if err := exec.Command(path, "-version").Run(); err == nil {
			return path, nil
		}
	}
	return "", ErrFFmpegNotFound
}

// binary returns the configured or detected path. A failed detection
// is retried on the next call.
func (f *FFmpeg) binary() (string, error) {
	if f.path != "" {
		return f.path, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved == "" {
		path, err := DetectFFmpeg()
		if err != nil {
			return "", err
		}
		f.resolved = path
		f.logger.Info("FFmpeg detected", "path", path)
	}
	return f.resolved, nil
}

// jpegProcess is one running ffmpeg whose stdout is split into images
type jpegProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr bytes.Buffer
	done   chan struct{}
	err    error
}

// start launches ffmpeg with the given input arguments. The process
// lives until Close or until it exits on its own.
func (f *FFmpeg) start(input []string, pipeInput bool, onImage func([]byte)) (*jpegProcess, error) {
	path, err := f.binary()
	if err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if !pipeInput {
		args = append(args, "-nostdin")
	}
	args = append(args, input...)
	args = append(args,
		"-an",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(f.quality),
		"pipe:1",
	)

	ctx, cancel := context.WithCancel(context.Background())
	p := &jpegProcess{
		cmd:    exec.CommandContext(ctx, path, args...),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.cmd.Stderr = &p.stderr

	if pipeInput {
		if p.stdin, err = p.cmd.StdinPipe(); err != nil {
			cancel()
			return nil, fmt.Errorf("ffmpeg stdin: %w", err)
		}
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go p.read(stdout, onImage)
	return p, nil
}

func (p *jpegProcess) read(stdout io.Reader, onImage func([]byte)) {
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256<<10), maxSnapshotSize)
	scanner.Split(splitJPEG)
	for scanner.Scan() {
		onImage(bytes.Clone(scanner.Bytes()))
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// unblock ffmpeg so that Wait returns
		p.cancel()
	}

	waitErr := p.cmd.Wait()
	switch {
	case scanErr != nil:
		p.err = fmt.Errorf("ffmpeg output: %w", scanErr)
	case waitErr != nil:
		if msg := lastLine(p.stderr.String()); msg != "" {
			p.err = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, msg)
		} else {
			p.err = fmt.Errorf("ffmpeg exited: %w", waitErr)
		}
	default:
		p.err = io.EOF
	}
}

// Close kills the process and waits for the reader to finish
func (p *jpegProcess) Close() error {
	p.cancel()
	<-p.done
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// splitJPEG is a bufio.SplitFunc yielding one SOI..EOI image per token.
// Bytes before an SOI marker are skipped. Entropy coded data escapes
// 0xFF, so the first EOI after SOI ends the image.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	soi := bytes.Index(data, []byte{0xFF, 0xD8})
	if soi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF that may start the next marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	eoi := bytes.Index(data[soi+2:], []byte{0xFF, 0xD9})
	if eoi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return soi, nil, nil
	}
	end := soi + 2 + eoi + 2
	return end, data[soi:end], nil
}

// H264Decoder pipes Annex-B access units through one ffmpeg process
// and reports every decoded picture as a JPEG
type H264Decoder struct {
	proc    *jpegProcess
	units   chan []byte
	waitIDR bool
	dropped atomic.Uint64
}

// NewH264Decoder starts the decoding process. onImage is called from
// the process reader goroutine.
func (f *FFmpeg) NewH264Decoder(onImage func([]byte)) (*H264Decoder, error) {
	proc, err := f.start([]string{
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-analyzeduration", "1000000",
		"-f", "h264",
		"-i", "pipe:0",
	}, true, onImage)
	if err != nil {
		return nil, err
	}

	d := &H264Decoder{
		proc:    proc,
		units:   make(chan []byte, 32),
		waitIDR: true,
	}
	go d.write()
	return d, nil
}

func (d *H264Decoder) write() {
	defer d.proc.stdin.Close()
	for {
		select {
		case <-d.proc.done:
			return
		case unit := <-d.units:
			if _, err := d.proc.stdin.Write(unit); err != nil {
				return
			}
		}
	}
}

// Decode queues one access unit without blocking. Nothing is queued
// before the first IDR. When the queue is full the unit is dropped
// and decoding resumes at the next IDR. Decode is not safe for
// concurrent use.
func (d *H264Decoder) Decode(au [][]byte) {
	if d.waitIDR {
		if !h264.IDRPresent(au) {
			return
		}
		d.waitIDR = false
	}

	data, err := h264.AnnexBMarshal(au)
	if err != nil {
		return
	}
	select {
	case d.units <- data:
	default:
		d.dropped.Add(1)
		d.waitIDR = true
	}
}

// Dropped counts access units discarded on a full queue
func (d *H264Decoder) Dropped() uint64 {
	return d.dropped.Load()
}

// Done is closed when the ffmpeg process has exited
func (d *H264Decoder) Done() <-chan struct{} {
	return d.proc.done
}

// Err reports why the process exited. Valid after Done is closed.
func (d *H264Decoder) Err() error {
	return d.proc.err
}

// Close stops the process
func (d *H264Decoder) Close() error {
	return d.proc.Close()
}
