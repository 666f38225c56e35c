package stream

import (
	"sync"
)

// FrameQueue is a bounded per-site buffer between capture and
// detection. When full, Push evicts the oldest frame so a slow
// consumer lowers the effective frame rate instead of growing memory
// or blocking the camera socket.
//
// A consumer registered with SetNotify is told once when the queue
// becomes non-empty, then again after each Release that leaves frames
// behind. At most one notification is outstanding, which keeps one
// consumer per site at a time.
type FrameQueue struct {
	siteID   string
	capacity int

	mu        sync.Mutex
	buf       []Frame
	scheduled bool
	notify    func(*FrameQueue)
	pushed    uint64
	dropped   uint64
}

// NewFrameQueue creates a queue holding at most capacity frames
func NewFrameQueue(siteID string, capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		siteID:   siteID,
		capacity: capacity,
		buf:      make([]Frame, 0, capacity),
	}
}

// SiteID returns the site this queue belongs to
func (q *FrameQueue) SiteID() string {
	return q.siteID
}

// SetNotify registers the consumer callback. It must not block.
func (q *FrameQueue) SetNotify(fn func(*FrameQueue)) {
	q.mu.Lock()
	q.notify = fn
	pending := len(q.buf) > 0 && !q.scheduled && fn != nil
	if pending {
		q.scheduled = true
	}
	q.mu.Unlock()
	if pending {
		fn(q)
	}
}

// Push appends a frame, evicting the oldest one when full. It reports
// whether a frame was dropped.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	dropped := false
	if len(q.buf) >= q.capacity {
		q.buf[0] = Frame{}
		q.buf = q.buf[1:]
		q.dropped++
		dropped = true
	}
	q.buf = append(q.buf, f)
	q.pushed++

	fn := q.notify
	fire := fn != nil && !q.scheduled
	if fire {
		q.scheduled = true
	}
	q.mu.Unlock()

	if fire {
		fn(q)
	}
	return dropped
}

// Take removes and returns the oldest frame
func (q *FrameQueue) Take() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Frame{}, false
	}
	f := q.buf[0]
	q.buf[0] = Frame{}
	q.buf = q.buf[1:]
	return f, true
}

// Release ends a consumer turn. If frames remain the consumer is
// notified again.
func (q *FrameQueue) Release() {
	q.mu.Lock()
	fn := q.notify
	again := len(q.buf) > 0 && fn != nil
	q.scheduled = again
	q.mu.Unlock()

	if again {
		fn(q)
	}
}

// Drain discards all queued frames and returns how many were dropped
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.buf)
	q.buf = make([]Frame, 0, q.capacity)
	q.dropped += uint64(n)
	return n
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Stats returns the pushed and dropped counters
func (q *FrameQueue) Stats() (pushed, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.dropped
}
