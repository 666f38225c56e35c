package occurrence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vzahanych/barnwatch/internal/detection"
	"github.com/vzahanych/barnwatch/internal/logger"
)

// Debouncer keeps at most one open occurrence per site. Observe and
// Sweep are not safe for concurrent use; Run makes them the business
// of a single goroutine.
type Debouncer struct {
	cooldown time.Duration
	sweep    time.Duration
	clock    clockwork.Clock
	logger   *logger.Logger
	onClose  func(Occurrence)
	onUpdate func(Occurrence)

	open map[string]*Occurrence
}

// Option configures a Debouncer
type Option func(*Debouncer)

// WithClock injects the clock driving the sweep ticker
func WithClock(c clockwork.Clock) Option {
	return func(d *Debouncer) { d.clock = c }
}

// WithCloseObserver is told about every closed occurrence
func WithCloseObserver(fn func(Occurrence)) Option {
	return func(d *Debouncer) { d.onClose = fn }
}

// WithUpdateObserver is told when an open occurrence absorbs an event
func WithUpdateObserver(fn func(Occurrence)) Option {
	return func(d *Debouncer) { d.onUpdate = fn }
}

// NewDebouncer creates a debouncer with the given cooldown. The sweep
// interval bounds how late a close is noticed.
func NewDebouncer(cooldown, sweep time.Duration, log *logger.Logger, opts ...Option) *Debouncer {
	if sweep <= 0 {
		sweep = time.Second
	}
	d := &Debouncer{
		cooldown: cooldown,
		sweep:    sweep,
		clock:    clockwork.NewRealClock(),
		logger:   log,
		open:     make(map[string]*Occurrence),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe folds one event into the site's state. It returns the new
// occurrence and true when the event opened one.
func (d *Debouncer) Observe(ev detection.Event) (Occurrence, bool) {
	if cur, ok := d.open[ev.SiteID]; ok {
		if ev.At.Sub(cur.LastSeen) <= d.cooldown {
			if ev.At.After(cur.LastSeen) {
				cur.LastSeen = ev.At
			}
			if ev.Confidence > cur.PeakConfidence {
				cur.PeakConfidence = ev.Confidence
			}
			if d.onUpdate != nil {
				d.onUpdate(*cur)
			}
			return Occurrence{}, false
		}
		// expired but not swept yet
		d.close(cur)
	}

	occ := &Occurrence{
		ID:             newID(),
		SiteID:         ev.SiteID,
		Class:          ev.Class,
		FirstSeen:      ev.At,
		LastSeen:       ev.At,
		PeakConfidence: ev.Confidence,
		FrameSeq:       ev.FrameSeq,
	}
	d.open[ev.SiteID] = occ

	d.logger.Info("Occurrence opened",
		"id", occ.ID,
		"site", occ.SiteID,
		"class", occ.Class,
		"confidence", occ.PeakConfidence,
	)

	opened := *occ
	opened.Snapshot = ev.Snapshot
	return opened, true
}

// Sweep closes every occurrence whose last event is older than the
// cooldown and returns them
func (d *Debouncer) Sweep(now time.Time) []Occurrence {
	var closed []Occurrence
	for _, occ := range d.open {
		if occ.Expired(now, d.cooldown) {
			d.close(occ)
			closed = append(closed, *occ)
		}
	}
	return closed
}

// Open returns the open occurrence of a site
func (d *Debouncer) Open(siteID string) (Occurrence, bool) {
	occ, ok := d.open[siteID]
	if !ok {
		return Occurrence{}, false
	}
	return *occ, true
}

func (d *Debouncer) close(occ *Occurrence) {
	delete(d.open, occ.SiteID)
	occ.ClosedAt = occ.LastSeen.Add(d.cooldown)
	d.logger.Info("Occurrence closed",
		"id", occ.ID,
		"site", occ.SiteID,
		"duration", occ.LastSeen.Sub(occ.FirstSeen),
		"peak_confidence", occ.PeakConfidence,
	)
	if d.onClose != nil {
		d.onClose(*occ)
	}
}

// Run consumes events until in is closed or ctx is cancelled. Opened
// occurrences go to out; closes go only to the close observer. Open
// occurrences are closed on return.
func (d *Debouncer) Run(ctx context.Context, in <-chan detection.Event, out chan<- Occurrence) {
	ticker := d.clock.NewTicker(d.sweep)
	defer ticker.Stop()
	defer d.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-in:
			if !ok {
				return
			}
			occ, opened := d.Observe(ev)
			if !opened {
				continue
			}
			select {
			case out <- occ:
			case <-ctx.Done():
				return
			}

		case now := <-ticker.Chan():
			d.Sweep(now)
		}
	}
}

func (d *Debouncer) closeAll() {
	for _, occ := range d.open {
		d.close(occ)
	}
}
