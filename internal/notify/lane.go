package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/occurrence"
)

// lane owns the jobs of one channel. Its goroutine is the only writer
// of job state once a job is queued.
type lane struct {
	channel Channel
	policy  Policy
	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  *logger.Logger
	report  func(Outcome)

	mu     sync.Mutex
	queue  []*Job
	closed bool
	signal chan struct{}

	inflight  atomic.Int64
	delivered atomic.Uint64
	abandoned atomic.Uint64
}

func newLane(ch Channel, p Policy, clock clockwork.Clock, log *logger.Logger, report func(Outcome)) *lane {
	limit := rate.Inf
	if p.MinSpacing > 0 {
		limit = rate.Every(p.MinSpacing)
	}
	return &lane{
		channel: ch,
		policy:  p,
		clock:   clock,
		limiter: rate.NewLimiter(limit, 1),
		logger:  log.With("channel", ch.Name()),
		report:  report,
		signal:  make(chan struct{}, 1),
	}
}

// enqueue appends a job. After the lane stopped the job is abandoned
// on the spot.
func (l *lane) enqueue(j *Job) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.finish(j, JobAbandoned, ReasonShutdown)
		return
	}
	l.queue = append(l.queue, j)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *lane) pop() *Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	j := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return j
}

func (l *lane) takeAll() []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := l.queue
	l.queue = nil
	return jobs
}

func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + int(l.inflight.Load())
}

func (l *lane) run(ctx context.Context) {
	defer l.shutdown()

	if l.policy.Mode == ModeBatched {
		l.runBatched(ctx)
		return
	}
	l.runImmediate(ctx)
}

func (l *lane) runImmediate(ctx context.Context) {
	for {
		if j := l.pop(); j != nil {
			l.deliver(ctx, []*Job{j}, j.Payload)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.signal:
		}
	}
}

func (l *lane) runBatched(ctx context.Context) {
	w := l.policy.Digest
	for {
		closeAt := w.Next(l.clock.Now())
		l.logger.Debug("Digest window open", "closes_at", closeAt)

		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(closeAt.Sub(l.clock.Now())):
		}

		jobs := l.takeAll()
		if len(jobs) == 0 && !w.SendEmpty {
			continue
		}

		occs := make([]occurrence.Occurrence, 0, len(jobs))
		for _, j := range jobs {
			occs = append(occs, j.Payload.Occurrences...)
		}
		l.logger.Info("Sending digest", "detections", len(occs))
		l.deliver(ctx, jobs, DigestPayload(w.Title(), occs, w.MaxItems, l.clock.Now()))
	}
}

// deliver sends one payload on behalf of jobs until it succeeds, the
// attempts run out, or ctx ends. Every job gets the same outcome.
func (l *lane) deliver(ctx context.Context, jobs []*Job, p Payload) {
	l.inflight.Add(int64(len(jobs)))
	defer l.inflight.Add(-int64(len(jobs)))

	for attempt := 1; ; attempt++ {
		if err := l.wait(ctx, l.limiter.ReserveN(l.clock.Now(), 1).DelayFrom(l.clock.Now())); err != nil {
			l.finishAll(jobs, JobAbandoned, ReasonShutdown)
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, l.policy.SendTimeout)
		err := l.channel.Send(sendCtx, p)
		cancel()

		for _, j := range jobs {
			j.Attempts = attempt
		}
		if err == nil {
			l.finishAll(jobs, JobDelivered, "")
			return
		}
		if ctx.Err() != nil {
			l.finishAll(jobs, JobAbandoned, ReasonShutdown)
			return
		}

		derr := &DeliveryError{Channel: l.channel.Name(), Attempt: attempt, Err: err}
		if attempt >= l.policy.MaxRetries {
			l.logger.Error("Giving up on delivery", "jobs", len(jobs), "attempts", attempt, "error", derr)
			l.finishAll(jobs, JobAbandoned, derr.Error())
			return
		}

		delay := l.policy.retryDelay(attempt)
		next := l.clock.Now().Add(delay)
		for _, j := range jobs {
			j.LastError = derr.Error()
			j.NextRetry = next
		}
		l.logger.Warn("Delivery failed, retrying", "attempt", attempt, "backoff", delay, "error", derr)

		if err := l.wait(ctx, delay); err != nil {
			l.finishAll(jobs, JobAbandoned, ReasonShutdown)
			return
		}
	}
}

func (l *lane) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(d):
		return nil
	}
}

func (l *lane) finishAll(jobs []*Job, state JobState, reason string) {
	for _, j := range jobs {
		l.finish(j, state, reason)
	}
}

func (l *lane) finish(j *Job, state JobState, reason string) {
	if j.State != JobPending {
		return
	}
	j.State = state
	if reason != "" {
		j.LastError = reason
	}
	j.NextRetry = time.Time{}

	if state == JobDelivered {
		l.delivered.Add(1)
	} else {
		l.abandoned.Add(1)
	}
	l.report(j.outcome(l.clock.Now()))
}

// shutdown abandons whatever is still queued
func (l *lane) shutdown() {
	l.mu.Lock()
	l.closed = true
	rest := l.queue
	l.queue = nil
	l.mu.Unlock()

	if len(rest) > 0 {
		l.logger.Warn("Abandoning pending jobs on shutdown", "count", len(rest))
	}
	l.finishAll(rest, JobAbandoned, ReasonShutdown)
}
