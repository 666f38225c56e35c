package detection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// Filter decides which results qualify. An empty class set admits
// every class.
type Filter struct {
	Threshold float64
	Classes   []string
}

// Engine runs the classifier on frames and reduces the results to
// events
type Engine struct {
	classifier Classifier
	logger     *logger.Logger
	annotate   bool

	mu        sync.RWMutex
	threshold float64
	classes   map[string]struct{}

	processed atomic.Uint64
	failures  atomic.Uint64
	events    atomic.Uint64
}

// NewEngine creates an engine. With annotate set, JPEG snapshots of
// qualifying frames get their boxes drawn in.
func NewEngine(c Classifier, filter Filter, annotate bool, log *logger.Logger) *Engine {
	e := &Engine{
		classifier: c,
		logger:     log,
		annotate:   annotate,
	}
	e.SetFilter(filter)
	return e
}

// SetFilter swaps threshold and classes. Frames in flight finish with
// the filter they started with.
func (e *Engine) SetFilter(f Filter) {
	classes := lo.SliceToMap(f.Classes, func(c string) (string, struct{}) {
		return c, struct{}{}
	})
	e.mu.Lock()
	e.threshold = f.Threshold
	e.classes = classes
	e.mu.Unlock()
}

// Filter returns the active filter
func (e *Engine) Filter() Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Filter{Threshold: e.threshold, Classes: lo.Keys(e.classes)}
}

// Process classifies one frame. It returns nil when no result
// qualifies, and a *ClassifierError when inference fails.
func (e *Engine) Process(ctx context.Context, frame stream.Frame) (*Event, error) {
	e.processed.Add(1)

	results, err := e.classifier.Infer(ctx, frame)
	if err != nil {
		e.failures.Add(1)
		return nil, &ClassifierError{SiteID: frame.SiteID, FrameSeq: frame.Seq, Err: err}
	}

	kept := e.qualifying(results)
	if len(kept) == 0 {
		return nil, nil
	}

	best := lo.MaxBy(kept, func(a, b Result) bool { return a.Confidence > b.Confidence })
	ev := &Event{
		SiteID:     frame.SiteID,
		At:         frame.CapturedAt,
		FrameSeq:   frame.Seq,
		Class:      best.Class,
		Confidence: best.Confidence,
		Results:    kept,
	}

	if frame.Format == stream.FormatJPEG {
		ev.Snapshot = frame.Data
		if e.annotate {
			annotated, err := Annotate(frame.Data, kept)
			if err != nil {
				e.logger.Warn("Failed to annotate frame, keeping original",
					"site", frame.SiteID, "seq", frame.Seq, "error", err)
			} else {
				ev.Snapshot = annotated
			}
		}
	}

	e.events.Add(1)
	return ev, nil
}

func (e *Engine) qualifying(results []Result) []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return lo.Filter(results, func(r Result, _ int) bool {
		if r.Confidence < e.threshold {
			return false
		}
		if len(e.classes) == 0 {
			return true
		}
		_, ok := e.classes[r.Class]
		return ok
	})
}

// Stats returns processed frames, classifier failures and emitted events
func (e *Engine) Stats() (processed, failures, events uint64) {
	return e.processed.Load(), e.failures.Load(), e.events.Load()
}
