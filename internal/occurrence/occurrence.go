package occurrence

import (
	"time"

	"github.com/google/uuid"
)

// Occurrence is one debounced sighting at a site: a burst of detection
// events no further apart than the cooldown
type Occurrence struct {
	ID             string    `json:"id"`
	SiteID         string    `json:"site_id"`
	Class          string    `json:"class"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	PeakConfidence float64   `json:"peak_confidence"`
	FrameSeq       uint64    `json:"frame_seq"`
	ImageRef       string    `json:"image_ref,omitempty"`

	// ClosedAt is LastSeen plus the cooldown, set once the occurrence
	// has been closed
	ClosedAt time.Time `json:"closed_at,omitempty"`

	// Snapshot is the opening frame, handed to the image store and not
	// kept afterwards
	Snapshot []byte `json:"-"`
}

func newID() string {
	return uuid.New().String()
}

// Expired reports whether the occurrence is closed at now
func (o Occurrence) Expired(now time.Time, cooldown time.Duration) bool {
	return now.Sub(o.LastSeen) > cooldown
}
