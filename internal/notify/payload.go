package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/vzahanych/barnwatch/internal/occurrence"
)

// PayloadKind tells channels how to render a payload
type PayloadKind string

const (
	KindOccurrence PayloadKind = "occurrence"
	KindDigest     PayloadKind = "digest"
	KindTest       PayloadKind = "test"
)

const subjectPrefix = "[barnwatch]"

const timeLayout = "2006-01-02 15:04:05"

// Payload is what a channel sends. Structured channels (webhook, NATS,
// Redis, Kafka) marshal it as JSON; chat and email channels render it
// with Subject and Text.
type Payload struct {
	Kind        PayloadKind             `json:"kind"`
	Title       string                  `json:"title,omitempty"`
	GeneratedAt time.Time               `json:"generated_at"`
	Occurrences []occurrence.Occurrence `json:"occurrences"`

	// MaxItems caps the rendered digest list; zero lists everything
	MaxItems int `json:"-"`
}

// OccurrencePayload builds the payload of an immediate notification
func OccurrencePayload(occ occurrence.Occurrence, at time.Time) Payload {
	occ.Snapshot = nil
	return Payload{
		Kind:        KindOccurrence,
		GeneratedAt: at,
		Occurrences: []occurrence.Occurrence{occ},
	}
}

// DigestPayload builds one summary over the occurrences of a window
func DigestPayload(title string, occs []occurrence.Occurrence, maxItems int, at time.Time) Payload {
	return Payload{
		Kind:        KindDigest,
		Title:       title,
		GeneratedAt: at,
		Occurrences: occs,
		MaxItems:    maxItems,
	}
}

// TestPayload builds the message sent by the test-notification tool
func TestPayload(at time.Time) Payload {
	return Payload{Kind: KindTest, Title: "Test Notification", GeneratedAt: at}
}

// Subject is the one-line summary used as email subject
func (p Payload) Subject() string {
	switch p.Kind {
	case KindOccurrence:
		if len(p.Occurrences) == 0 {
			return subjectPrefix + " Detection"
		}
		occ := p.Occurrences[0]
		return fmt.Sprintf("%s %s detected at %s", subjectPrefix, occ.Class, occ.SiteID)
	case KindDigest:
		if len(p.Occurrences) == 0 {
			return fmt.Sprintf("%s %s - No Detections", subjectPrefix, p.Title)
		}
		return fmt.Sprintf("%s %s (%d detections)", subjectPrefix, p.Title, len(p.Occurrences))
	default:
		return fmt.Sprintf("%s %s", subjectPrefix, p.Title)
	}
}

// Text renders the payload as a short markdown-ish message
func (p Payload) Text() string {
	var b strings.Builder

	switch p.Kind {
	case KindOccurrence:
		if len(p.Occurrences) == 0 {
			return "**Detection**"
		}
		occ := p.Occurrences[0]
		fmt.Fprintf(&b, "**%s detected**\n", occ.Class)
		fmt.Fprintf(&b, "- Site: %s\n", occ.SiteID)
		fmt.Fprintf(&b, "- Class: %s\n", occ.Class)
		fmt.Fprintf(&b, "- Confidence: %.1f%%\n", occ.PeakConfidence*100)
		fmt.Fprintf(&b, "- Time: %s", occ.FirstSeen.Format(timeLayout))
		if occ.ImageRef != "" {
			fmt.Fprintf(&b, "\n- Image: %s", occ.ImageRef)
		}

	case KindDigest:
		fmt.Fprintf(&b, "**%s**\n\n", p.Title)
		if len(p.Occurrences) == 0 {
			b.WriteString("No detections during this period.")
			break
		}
		shown := p.Occurrences
		if p.MaxItems > 0 && len(shown) > p.MaxItems {
			shown = shown[:p.MaxItems]
		}
		lines := make([]string, 0, len(shown)+1)
		for _, occ := range shown {
			lines = append(lines, fmt.Sprintf("- %s [%s]: %.1f%% @ %s",
				occ.SiteID, occ.Class, occ.PeakConfidence*100, occ.FirstSeen.Format(timeLayout)))
		}
		if rest := len(p.Occurrences) - len(shown); rest > 0 {
			lines = append(lines, fmt.Sprintf("... and %d more", rest))
		}
		b.WriteString(strings.Join(lines, "\n"))

	default:
		fmt.Fprintf(&b, "**barnwatch - %s**\n\n", p.Title)
		fmt.Fprintf(&b, "Sent at: %s\n\n", p.GeneratedAt.Format(timeLayout))
		b.WriteString("If you see this message, notifications are working.")
	}

	return b.String()
}
