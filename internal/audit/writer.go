package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/notify"
	"github.com/vzahanych/barnwatch/internal/occurrence"
	"github.com/vzahanych/barnwatch/internal/service"
)

type recordKind string

const (
	kindOccurrence recordKind = "occurrence"
	kindClosure    recordKind = "closure"
	kindOutcome    recordKind = "outcome"
)

type record struct {
	kind  recordKind
	id    string
	write func(ctx context.Context, s Sink) error
}

// WriterStats counts what happened to submitted records
type WriterStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Writer puts audit records on a bounded buffer and writes them from
// one goroutine. A full buffer drops the record; a failed write is
// logged and counted. Neither ever reaches the caller.
type Writer struct {
	*service.ServiceBase

	sink         Sink
	records      chan record
	writeTimeout time.Duration

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewWriter creates a writer with the given buffer size
func NewWriter(sink Sink, bufferSize int, log *logger.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Writer{
		ServiceBase:  service.NewServiceBase("audit", log),
		sink:         sink,
		records:      make(chan record, bufferSize),
		writeTimeout: 5 * time.Second,
	}
}

// Start launches the write loop
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return fmt.Errorf("audit writer already started")
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()

	w.GetStatus().SetStatus(service.StatusRunning)
	w.LogInfo("Audit writer started", "buffer", cap(w.records))
	return nil
}

// Stop writes what is buffered and returns, or gives up when ctx ends
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.mu.Unlock()
	if stop == nil {
		return nil
	}

	select {
	case <-stop:
	default:
		close(stop)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("audit writer stop: %w", ctx.Err())
	}

	st := w.Stats()
	w.GetStatus().SetStatus(service.StatusStopped)
	w.LogInfo("Audit writer stopped", "written", st.Written, "failed", st.Failed, "dropped", st.Dropped)
	return nil
}

// Occurrence queues the record of an opened occurrence
func (w *Writer) Occurrence(occ occurrence.Occurrence) {
	occ.Snapshot = nil
	w.enqueue(record{kind: kindOccurrence, id: occ.ID, write: func(ctx context.Context, s Sink) error {
		return s.RecordOccurrence(ctx, occ)
	}})
}

// Closure queues the record of a closed occurrence
func (w *Writer) Closure(occ occurrence.Occurrence) {
	occ.Snapshot = nil
	w.enqueue(record{kind: kindClosure, id: occ.ID, write: func(ctx context.Context, s Sink) error {
		return s.RecordClosure(ctx, occ)
	}})
}

// Outcome queues the record of a finished notification job
func (w *Writer) Outcome(o notify.Outcome) {
	w.enqueue(record{kind: kindOutcome, id: o.JobID, write: func(ctx context.Context, s Sink) error {
		return s.RecordOutcome(ctx, o)
	}})
}

func (w *Writer) enqueue(r record) {
	select {
	case w.records <- r:
	default:
		n := w.dropped.Add(1)
		w.LogWarn("Audit buffer full, record dropped", "kind", r.kind, "id", r.id, "dropped_total", n)
		w.PublishEvent(service.EventTypeAuditFailed, map[string]interface{}{
			"kind":   string(r.kind),
			"id":     r.id,
			"reason": "buffer full",
		})
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case r := <-w.records:
			w.write(r)
		case <-w.stop:
			for {
				select {
				case r := <-w.records:
					w.write(r)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(r record) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	if err := r.write(ctx, w.sink); err != nil {
		w.failed.Add(1)
		w.LogError("Audit write failed", err, "kind", r.kind, "id", r.id)
		w.PublishEvent(service.EventTypeAuditFailed, map[string]interface{}{
			"kind":   string(r.kind),
			"id":     r.id,
			"reason": err.Error(),
		})
		return
	}
	w.written.Add(1)
}

// Stats returns the writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}

// Pending returns the number of buffered records
func (w *Writer) Pending() int {
	return len(w.records)
}
