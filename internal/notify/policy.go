package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vzahanych/barnwatch/internal/config"
)

// Mode selects how a lane dispatches jobs
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeBatched   Mode = "batched"
)

// Policy is the delivery policy of one channel
type Policy struct {
	Mode        Mode
	MaxRetries  int // total attempts before a job is abandoned
	BackoffBase time.Duration
	MinSpacing  time.Duration
	SendTimeout time.Duration
	Digest      DigestWindow
}

// DigestWindow closes either daily at a wall clock time or every
// Interval. Interval wins when both are set.
type DigestWindow struct {
	Hour, Minute int
	Daily        bool
	Interval     time.Duration
	SendEmpty    bool
	MaxItems     int
}

// PolicyFromConfig converts a validated channel configuration
func PolicyFromConfig(cfg config.ChannelConfig) (Policy, error) {
	p := Policy{
		Mode:        Mode(cfg.Mode),
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		MinSpacing:  cfg.MinSpacing,
		SendTimeout: cfg.SendTimeout,
		Digest: DigestWindow{
			Interval:  cfg.Digest.Interval,
			SendEmpty: cfg.Digest.SendEmptyDigest(),
			MaxItems:  cfg.Digest.MaxItems,
		},
	}
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}

	if p.Mode == ModeBatched && p.Digest.Interval == 0 {
		h, m, err := ParseClock(cfg.Digest.At)
		if err != nil {
			return Policy{}, fmt.Errorf("channel %s: %w", cfg.Name, err)
		}
		p.Digest.Hour, p.Digest.Minute, p.Digest.Daily = h, m, true
	}
	return p, nil
}

// ParseClock parses an HH:MM wall clock time
func ParseClock(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// Title names the digest in subjects and messages
func (w DigestWindow) Title() string {
	if w.Daily && w.Interval == 0 {
		return "Daily Summary"
	}
	return "Summary"
}

// Next returns when the window open at now closes
func (w DigestWindow) Next(now time.Time) time.Time {
	if w.Interval > 0 || !w.Daily {
		interval := w.Interval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		return now.Add(interval)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), w.Hour, w.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// maxRetryDelay caps the doubling of retry waits
const maxRetryDelay = time.Hour

// retryDelay is the wait after failed attempt n (1-based). It saturates
// at maxRetryDelay, or at BackoffBase when that is larger.
func (p Policy) retryDelay(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, max(maxRetryDelay, p.BackoffBase))
}
