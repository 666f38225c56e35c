package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/vzahanych/barnwatch/internal/logger"
)

// RTSPSource reads an RTSP camera. MJPEG tracks are forwarded as is;
// H.264 tracks are decoded to JPEG by an ffmpeg process per
// connection.
type RTSPSource struct {
	url         string
	readTimeout time.Duration
	ffmpeg      *FFmpeg
	logger      *logger.Logger
}

// NewRTSPSource creates an RTSP source
func NewRTSPSource(rawURL string, readTimeout time.Duration, ffmpeg *FFmpeg, log *logger.Logger) *RTSPSource {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	return &RTSPSource{url: rawURL, readTimeout: readTimeout, ffmpeg: ffmpeg, logger: log}
}

func (s *RTSPSource) String() string {
	return MaskURL(s.url)
}

// Connect performs DESCRIBE/SETUP/PLAY. Cancelling ctx before PLAY
// completes closes the client.
func (s *RTSPSource) Connect(ctx context.Context) (Conn, error) {
	u, err := base.ParseURL(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	client := &gortsplib.Client{
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.readTimeout,
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	stop := context.AfterFunc(ctx, client.Close)

	conn, err := s.setup(client, u)
	if !stop() {
		// ctx expired while negotiating, the client is already closed
		if err == nil {
			conn.Close()
			err = ctx.Err()
		}
		return nil, fmt.Errorf("rtsp negotiation aborted: %w", err)
	}
	if err != nil {
		client.Close()
		return nil, err
	}

	go func() {
		err := client.Wait()
		conn.finish(err)
	}()
	return conn, nil
}

func (s *RTSPSource) setup(client *gortsplib.Client, u *base.URL) (*chanConn, error) {
	desc, _, err := client.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("failed to describe stream: %w", err)
	}

	if err := client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	conn := newChanConn(4)
	conn.closeFn = func() error {
		client.Close()
		return nil
	}

	if err := s.attachDecoder(client, desc, conn); err != nil {
		return nil, err
	}

	if _, err := client.Play(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to play stream: %w", err)
	}
	return conn, nil
}

func (s *RTSPSource) attachDecoder(client *gortsplib.Client, desc *description.Session, conn *chanConn) error {
	var mjpegFormat *format.MJPEG
	if media := desc.FindFormat(&mjpegFormat); media != nil {
		dec, err := mjpegFormat.CreateDecoder()
		if err != nil {
			return fmt.Errorf("failed to init mjpeg decoder: %w", err)
		}
		client.OnPacketRTP(media, mjpegFormat, func(pkt *rtp.Packet) {
			img, err := dec.Decode(pkt)
			if err != nil {
				return
			}
			conn.offer(RawFrame{Format: FormatJPEG, Data: img})
		})
		return nil
	}

	var h264Format *format.H264
	if media := desc.FindFormat(&h264Format); media != nil {
		rtpDec, err := h264Format.CreateDecoder()
		if err != nil {
			return fmt.Errorf("failed to init h264 decoder: %w", err)
		}
		dec, err := s.ffmpeg.NewH264Decoder(func(img []byte) {
			conn.offer(RawFrame{Format: FormatJPEG, Data: img})
		})
		if err != nil {
			return fmt.Errorf("h264 track needs ffmpeg: %w", err)
		}
		closeClient := conn.closeFn
		conn.closeFn = func() error {
			dec.Close()
			return closeClient()
		}
		go func() {
			<-dec.Done()
			conn.finish(dec.Err())
		}()

		client.OnPacketRTP(media, h264Format, func(pkt *rtp.Packet) {
			au, err := rtpDec.Decode(pkt)
			if err != nil {
				return
			}
			dec.Decode(withParams(h264Format, au))
		})
		s.logger.Debug("Decoding H.264 track through ffmpeg")
		return nil
	}

	return errors.New("no MJPEG or H.264 track in stream")
}

// withParams prepends the SDP parameter sets to an IDR access unit.
// Cameras often send SPS and PPS only in the SDP.
func withParams(f *format.H264, au [][]byte) [][]byte {
	if !h264.IDRPresent(au) {
		return au
	}
	sps, pps := f.SafeParams()
	if sps == nil || pps == nil {
		return au
	}
	return append([][]byte{sps, pps}, au...)
}
