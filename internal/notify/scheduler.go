package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/occurrence"
	"github.com/vzahanych/barnwatch/internal/service"
)

// Binding pairs a channel with its delivery policy
type Binding struct {
	Channel Channel
	Policy  Policy
}

// LaneStats is a per-channel snapshot for the status API
type LaneStats struct {
	Channel   string `json:"channel"`
	Mode      Mode   `json:"mode"`
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Abandoned uint64 `json:"abandoned"`
}

// Scheduler turns opened occurrences into notification jobs, one per
// channel, and runs each channel in its own lane
type Scheduler struct {
	*service.ServiceBase

	clock    clockwork.Clock
	lanes    []*lane
	dedup    *lru.Cache[string, struct{}]
	observer func(Outcome)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerClock injects the clock driving retries and windows
func WithSchedulerClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithOutcomeObserver receives every job outcome from the lane
// goroutines. It must not block.
func WithOutcomeObserver(fn func(Outcome)) SchedulerOption {
	return func(s *Scheduler) { s.observer = fn }
}

// WithDedupSize bounds the (occurrence, channel) dedup cache
func WithDedupSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if cache, err := lru.New[string, struct{}](n); err == nil {
			s.dedup = cache
		}
	}
}

// NewScheduler creates a scheduler over the given channels
func NewScheduler(bindings []Binding, log *logger.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ServiceBase: service.NewServiceBase("scheduler", log),
		clock:       clockwork.NewRealClock(),
	}
	s.dedup, _ = lru.New[string, struct{}](4096)
	for _, opt := range opts {
		opt(s)
	}

	for _, b := range bindings {
		s.lanes = append(s.lanes, newLane(b.Channel, b.Policy, s.clock, log, s.report))
	}
	return s
}

// Start launches one goroutine per lane
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, l := range s.lanes {
		s.wg.Add(1)
		go func(l *lane) {
			defer s.wg.Done()
			l.run(runCtx)
		}(l)
	}

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Notification scheduler started", "channels", len(s.lanes))
	return nil
}

// Stop cancels every lane. Pending and in-flight jobs are abandoned
// with reason shutdown before Stop returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler stop: %w", ctx.Err())
		}
	} else {
		for _, l := range s.lanes {
			l.shutdown()
		}
	}

	for _, l := range s.lanes {
		if err := l.channel.Close(); err != nil {
			s.LogWarn("Failed to close channel", "channel", l.channel.Name(), "error", err)
		}
	}
	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("Notification scheduler stopped")
	return nil
}

// Submit creates one job per channel for an opened occurrence. A
// repeated submit of the same occurrence creates nothing. It never
// blocks on delivery.
func (s *Scheduler) Submit(occ occurrence.Occurrence) []Job {
	now := s.clock.Now()
	created := make([]Job, 0, len(s.lanes))

	for _, l := range s.lanes {
		key := occ.ID + "/" + l.channel.Name()
		if ok, _ := s.dedup.ContainsOrAdd(key, struct{}{}); ok {
			s.LogDebug("Duplicate job suppressed", "occurrence", occ.ID, "channel", l.channel.Name())
			continue
		}

		j := &Job{
			ID:           uuid.New().String(),
			OccurrenceID: occ.ID,
			Channel:      l.channel.Name(),
			Payload:      OccurrencePayload(occ, now),
			State:        JobPending,
			CreatedAt:    now,
		}
		created = append(created, *j)
		l.enqueue(j)
	}
	return created
}

// Stats returns a snapshot per channel
func (s *Scheduler) Stats() []LaneStats {
	stats := make([]LaneStats, 0, len(s.lanes))
	for _, l := range s.lanes {
		stats = append(stats, LaneStats{
			Channel:   l.channel.Name(),
			Mode:      l.policy.Mode,
			Pending:   l.pending(),
			Delivered: l.delivered.Load(),
			Abandoned: l.abandoned.Load(),
		})
	}
	return stats
}

// Channels returns the bound channels in configuration order
func (s *Scheduler) Channels() []Channel {
	out := make([]Channel, 0, len(s.lanes))
	for _, l := range s.lanes {
		out = append(out, l.channel)
	}
	return out
}

func (s *Scheduler) report(o Outcome) {
	eventType := service.EventTypeJobDelivered
	if o.State == JobAbandoned {
		eventType = service.EventTypeJobAbandoned
	}
	s.PublishEvent(eventType, map[string]interface{}{
		"job_id":        o.JobID,
		"occurrence_id": o.OccurrenceID,
		"channel":       o.Channel,
		"attempts":      o.Attempts,
		"last_error":    o.LastError,
	})
	if s.observer != nil {
		s.observer(o)
	}
}
