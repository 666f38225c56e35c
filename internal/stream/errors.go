package stream

import (
	"errors"
	"fmt"
)

// ErrStreamExhausted is returned by Supervisor.Run once its context is
// cancelled. It marks a clean, terminal shutdown.
var ErrStreamExhausted = errors.New("stream exhausted")

// ErrConnClosed is reported by a Conn closed from the consumer side
var ErrConnClosed = errors.New("connection closed")

// TransientStreamError wraps a recoverable source failure. The
// supervisor retries these with backoff and never surfaces them.
type TransientStreamError struct {
	SiteID string
	Op     string
	Err    error
}

func (e *TransientStreamError) Error() string {
	return fmt.Sprintf("site %s: %s: %v", e.SiteID, e.Op, e.Err)
}

func (e *TransientStreamError) Unwrap() error {
	return e.Err
}
