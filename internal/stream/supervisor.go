package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vzahanych/barnwatch/internal/logger"
)

// FrameSink receives every frame the supervisor decodes
type FrameSink interface {
	Push(f Frame) bool
}

// SupervisorConfig holds the per-site supervision settings
type SupervisorConfig struct {
	SiteID         string
	ConnectTimeout time.Duration
	StallTimeout   time.Duration
	Backoff        Backoff
}

// Supervisor keeps one site's source connected for the lifetime of
// its context. Failures never escape Run; they become transitions and
// gaps in the frame feed.
type Supervisor struct {
	cfg     SupervisorConfig
	source  Source
	sink    FrameSink
	clock   clockwork.Clock
	logger  *logger.Logger
	observe func(Transition)

	mu       sync.RWMutex
	state    ConnectionState
	since    time.Time
	seq      uint64
	lastErr  error
	attempts int
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithClock injects the clock driving timers
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithObserver receives every transition. It runs on the supervisor
// goroutine and must not block.
func WithObserver(fn func(Transition)) Option {
	return func(s *Supervisor) { s.observe = fn }
}

// NewSupervisor creates a supervisor in the Disconnected state
func NewSupervisor(cfg SupervisorConfig, src Source, sink FrameSink, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		source: src,
		sink:   sink,
		clock:  clockwork.NewRealClock(),
		logger: log.With("site", cfg.SiteID),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.since = s.clock.Now()
	return s
}

// SiteID returns the supervised site
func (s *Supervisor) SiteID() string {
	return s.cfg.SiteID
}

// State returns the current state and when it was entered
func (s *Supervisor) State() (ConnectionState, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.since
}

// Status is a snapshot for the status API
type Status struct {
	SiteID    string          `json:"site_id"`
	Source    string          `json:"source"`
	State     ConnectionState `json:"state"`
	Since     time.Time       `json:"since"`
	Frames    uint64          `json:"frames"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Status returns a snapshot of the site state and counters
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		SiteID:   s.cfg.SiteID,
		Source:   s.source.String(),
		State:    s.state,
		Since:    s.since,
		Frames:   s.seq,
		Attempts: s.attempts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Run supervises the source until ctx is cancelled and then returns
// ErrStreamExhausted
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Supervising stream", "source", s.source.String())

	attempt := 0
	for {
		if ctx.Err() != nil {
			return s.exhaust()
		}

		s.transition(StateConnecting, 0, 0, nil)
		streamed, next, err := s.session(ctx)
		if ctx.Err() != nil {
			return s.exhaust()
		}

		if streamed {
			attempt = 0
		}
		attempt++
		delay := s.cfg.Backoff.Next(attempt)
		s.transition(next, attempt, delay, err)
		s.logger.Warn("Stream unavailable, retrying",
			"state", next,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return s.exhaust()
		case <-s.clock.After(delay):
		}
	}
}

// session runs one connection. It reports whether any frame arrived
// and the state to enter after the connection ends.
func (s *Supervisor) session(ctx context.Context) (bool, ConnectionState, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.source.Connect(dialCtx)
	cancel()
	if err != nil {
		return false, StateDisconnected, &TransientStreamError{SiteID: s.cfg.SiteID, Op: "connect", Err: err}
	}
	defer conn.Close()

	streamed := false
	wait := s.cfg.ConnectTimeout
	for {
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return streamed, StateDisconnected, nil

		case raw, ok := <-conn.Frames():
			timer.Stop()
			if !ok {
				cause := conn.Err()
				if cause == nil {
					cause = io.EOF
				}
				return streamed, StateDisconnected, &TransientStreamError{SiteID: s.cfg.SiteID, Op: "read", Err: cause}
			}
			if !streamed {
				streamed = true
				wait = s.cfg.StallTimeout
				s.transition(StateStreaming, 0, 0, nil)
				s.logger.Info("Stream active", "format", raw.Format)
			}
			s.emit(raw)

		case <-timer.Chan():
			if !streamed {
				return false, StateDisconnected, &TransientStreamError{
					SiteID: s.cfg.SiteID, Op: "first frame",
					Err: fmt.Errorf("no frame within %v", s.cfg.ConnectTimeout),
				}
			}
			return true, StateStalled, &TransientStreamError{
				SiteID: s.cfg.SiteID, Op: "stall",
				Err: fmt.Errorf("no frame for %v", s.cfg.StallTimeout),
			}
		}
	}
}

func (s *Supervisor) emit(raw RawFrame) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.sink.Push(Frame{
		SiteID:     s.cfg.SiteID,
		Seq:        seq,
		CapturedAt: s.clock.Now(),
		Format:     raw.Format,
		Data:       raw.Data,
	})
}

func (s *Supervisor) exhaust() error {
	s.transition(StateDisconnected, 0, 0, nil)
	s.logger.Info("Stream supervision stopped")
	return ErrStreamExhausted
}

func (s *Supervisor) transition(to ConnectionState, attempt int, backoff time.Duration, err error) {
	now := s.clock.Now()

	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.since = now
	s.attempts = attempt
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(Transition{
			SiteID:  s.cfg.SiteID,
			From:    from,
			To:      to,
			At:      now,
			Attempt: attempt,
			Backoff: backoff,
			Err:     err,
		})
	}
}
