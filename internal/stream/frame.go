package stream

import (
	"time"
)

// Format identifies the encoding of a frame payload
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatH264 Format = "h264" // raw Annex-B access unit, decode before classifying
)

// RawFrame is what a Conn yields before the supervisor stamps it
type RawFrame struct {
	Format Format
	Data   []byte
}

// Frame is an immutable captured image. Seq increases monotonically
// per site across reconnects.
type Frame struct {
	SiteID     string
	Seq        uint64
	CapturedAt time.Time
	Format     Format
	Data       []byte
}

// ConnectionState is the supervision state of one site
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateStreaming    ConnectionState = "streaming"
	StateStalled      ConnectionState = "stalled"
)

// Transition records one state change of a site. Attempt and Backoff
// are set when the new state waits before reconnecting.
type Transition struct {
	SiteID  string
	From    ConnectionState
	To      ConnectionState
	At      time.Time
	Attempt int
	Backoff time.Duration
	Err     error
}
