package stream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/barnwatch/internal/logger"
)

var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

var testPPS = []byte{0x68, 0xce, 0x3c, 0x80}

// h264Camera is an RTSP server publishing one H.264 track
type h264Camera struct {
	server *gortsplib.Server
	stream *gortsplib.ServerStream
	media  *description.Media
	addr   string
	stop   chan struct{}
	wg     sync.WaitGroup
}

func (c *h264Camera) OnDescribe(*gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, c.stream, nil
}

func (c *h264Camera) OnSetup(*gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, c.stream, nil
}

func (c *h264Camera) OnPlay(*gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// startH264Camera serves au every 20ms on a loopback port
func startH264Camera(t *testing.T, au [][]byte) *h264Camera {
	t.Helper()

	forma := &format.H264{PayloadTyp: 96, SPS: testSPS, PPS: testPPS, PacketizationMode: 1}
	c := &h264Camera{
		media: &description.Media{Type: description.MediaTypeVideo, Formats: []format.Format{forma}},
		stop:  make(chan struct{}),
	}
	c.server = &gortsplib.Server{
		Handler:     c,
		RTSPAddress: "127.0.0.1:0",
		Listen: func(network, address string) (net.Listener, error) {
			l, err := net.Listen(network, address)
			if err == nil {
				c.addr = l.Addr().String()
			}
			return l, err
		},
	}
	require.NoError(t, c.server.Start())
	c.stream = gortsplib.NewServerStream(c.server, &description.Session{Medias: []*description.Media{c.media}})

	enc, err := forma.CreateEncoder()
	require.NoError(t, err)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				pkts, err := enc.Encode(au)
				if err != nil {
					return
				}
				for _, pkt := range pkts {
					c.stream.WritePacketRTP(c.media, pkt)
				}
			}
		}
	}()

	t.Cleanup(func() {
		close(c.stop)
		c.wg.Wait()
		c.stream.Close()
		c.server.Close()
	})
	return c
}

func TestRTSPSource_H264IsDecodedToJPEG(t *testing.T) {
	cam := startH264Camera(t, [][]byte{append([]byte{0x65}, fakeJPEG('R')...)})
	ff := NewFFmpeg(fakeFFmpeg(t, "exec cat"), 5, logger.NewNopLogger())
	src := NewRTSPSource("rtsp://"+cam.addr+"/barn", 5*time.Second, ff, logger.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := src.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case f, ok := <-conn.Frames():
		require.True(t, ok, "conn ended: %v", conn.Err())
		assert.Equal(t, FormatJPEG, f.Format)
		assert.Equal(t, fakeJPEG('R'), f.Data)
	case <-ctx.Done():
		t.Fatal("no frame from H.264 camera")
	}

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Err(), ErrConnClosed)
}

func TestRTSPSource_H264WithoutFFmpegFailsConnect(t *testing.T) {
	cam := startH264Camera(t, [][]byte{{0x65, 0x88}})
	ff := NewFFmpeg("/nonexistent/ffmpeg", 5, logger.NewNopLogger())
	src := NewRTSPSource("rtsp://"+cam.addr+"/barn", 5*time.Second, ff, logger.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := src.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "h264 track needs ffmpeg")
}
