package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/occurrence"
)

var t0 = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

// fakeChannel fails the first failFirst sends, or every send when
// failAlways is set, and records what it sent and when
type fakeChannel struct {
	name       string
	clock      clockwork.Clock
	failFirst  int
	failAlways bool
	block      chan struct{}

	mu     sync.Mutex
	calls  int
	sent   []Payload
	sentAt []time.Time
	closed bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, p Payload) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAlways || f.calls <= f.failFirst {
		return errors.New("503 service unavailable")
	}
	f.sent = append(f.sent, p)
	if f.clock != nil {
		f.sentAt = append(f.sentAt, f.clock.Now())
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) payloads() []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payload(nil), f.sent...)
}

type outcomeLog struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomeLog) add(out Outcome) {
	o.mu.Lock()
	o.all = append(o.all, out)
	o.mu.Unlock()
}

func (o *outcomeLog) snapshot() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.all...)
}

func (o *outcomeLog) waitFor(t *testing.T, n int) []Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(o.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return o.snapshot()
}

func immediate(maxRetries int) Policy {
	return Policy{
		Mode:        ModeImmediate,
		MaxRetries:  maxRetries,
		BackoffBase: time.Second,
		SendTimeout: time.Second,
	}
}

func occ(id, site string) occurrence.Occurrence {
	return occurrence.Occurrence{
		ID: id, SiteID: site, Class: "cat",
		FirstSeen: t0, LastSeen: t0, PeakConfidence: 0.9,
	}
}

func startScheduler(t *testing.T, bindings []Binding, clock clockwork.Clock) (*Scheduler, *outcomeLog) {
	t.Helper()
	outcomes := &outcomeLog{}
	s := NewScheduler(bindings, logger.NewNopLogger(),
		WithSchedulerClock(clock),
		WithOutcomeObserver(outcomes.add),
	)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, outcomes
}

func TestScheduler_AbandonedAfterMaxRetries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "email", failAlways: true}
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: immediate(3)}}, clock)

	s.Submit(occ("occ-1", "Barn-3"))

	// waits of 1s then 2s between the three attempts
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		clock.BlockUntil(1)
		clock.Advance(d)
	}

	got := outcomes.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, JobAbandoned, got[0].State)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Contains(t, got[0].LastError, "503")
	assert.Contains(t, got[0].LastError, "attempt 3")

	ch.mu.Lock()
	assert.Equal(t, 3, ch.calls)
	ch.mu.Unlock()
}

func TestScheduler_DeliveredOnRetryN(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "discord", failFirst: 2}
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: immediate(5)}}, clock)

	s.Submit(occ("occ-1", "Barn-3"))
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		clock.BlockUntil(1)
		clock.Advance(d)
	}

	got := outcomes.waitFor(t, 1)
	assert.Equal(t, JobDelivered, got[0].State)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Len(t, ch.payloads(), 1)
}

func TestScheduler_OneJobPerChannelAndDedup(t *testing.T) {
	clock := clockwork.NewRealClock()
	email := &fakeChannel{name: "email"}
	discord := &fakeChannel{name: "discord"}
	s, outcomes := startScheduler(t, []Binding{
		{Channel: email, Policy: immediate(3)},
		{Channel: discord, Policy: immediate(3)},
	}, clock)

	jobs := s.Submit(occ("occ-1", "Barn-3"))
	require.Len(t, jobs, 2)
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)
	assert.Equal(t, JobPending, jobs[0].State)

	assert.Empty(t, s.Submit(occ("occ-1", "Barn-3")), "same occurrence is not resubmitted")

	got := outcomes.waitFor(t, 2)
	assert.Len(t, got, 2)
	assert.Len(t, email.payloads(), 1)
	assert.Len(t, discord.payloads(), 1)
}

func TestScheduler_FIFOPerChannel(t *testing.T) {
	ch := &fakeChannel{name: "webhook"}
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: immediate(3)}}, clockwork.NewRealClock())

	for i := 0; i < 5; i++ {
		s.Submit(occ(fmt.Sprintf("occ-%d", i), "Barn-1"))
	}
	outcomes.waitFor(t, 5)

	sent := ch.payloads()
	require.Len(t, sent, 5)
	for i, p := range sent {
		assert.Equal(t, fmt.Sprintf("occ-%d", i), p.Occurrences[0].ID)
	}
}

func TestScheduler_RetryHoldsLaneHead(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "webhook", failFirst: 1, clock: clock}
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: immediate(3)}}, clock)

	s.Submit(occ("occ-1", "Barn-1"))
	s.Submit(occ("occ-2", "Barn-2"))

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	got := outcomes.waitFor(t, 2)
	assert.Equal(t, "occ-1", got[0].OccurrenceID)
	assert.Equal(t, "occ-2", got[1].OccurrenceID)
}

func TestScheduler_MinSpacing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "discord", clock: clock}
	p := immediate(1)
	p.MinSpacing = 10 * time.Second
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: p}}, clock)

	for i := 0; i < 3; i++ {
		s.Submit(occ(fmt.Sprintf("occ-%d", i), "Barn-1"))
	}

	outcomes.waitFor(t, 1)
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Second)
	}
	outcomes.waitFor(t, 3)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.sentAt, 3)
	for i := 1; i < len(ch.sentAt); i++ {
		assert.GreaterOrEqual(t, ch.sentAt[i].Sub(ch.sentAt[i-1]), 10*time.Second)
	}
}

func TestScheduler_FailingLaneDoesNotAffectOthers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	broken := &fakeChannel{name: "email", failAlways: true}
	healthy := &fakeChannel{name: "discord"}
	s, outcomes := startScheduler(t, []Binding{
		{Channel: broken, Policy: immediate(10)},
		{Channel: healthy, Policy: immediate(10)},
	}, clock)

	s.Submit(occ("occ-1", "Barn-1"))
	s.Submit(occ("occ-2", "Barn-1"))

	got := outcomes.waitFor(t, 2)
	for _, o := range got {
		assert.Equal(t, "discord", o.Channel)
		assert.Equal(t, JobDelivered, o.State)
	}
}

func TestScheduler_BatchedDigest(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "summary"}
	p := Policy{
		Mode: ModeBatched, MaxRetries: 2, BackoffBase: time.Second, SendTimeout: time.Second,
		Digest: DigestWindow{Interval: time.Hour, SendEmpty: true, MaxItems: 10},
	}
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: p}}, clock)

	clock.BlockUntil(1)
	for i := 0; i < 3; i++ {
		s.Submit(occ(fmt.Sprintf("occ-%d", i), "Barn-3"))
	}
	assert.Equal(t, 3, s.Stats()[0].Pending)
	clock.Advance(time.Hour)

	got := outcomes.waitFor(t, 3)
	for _, o := range got {
		assert.Equal(t, JobDelivered, o.State)
	}
	sent := ch.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, KindDigest, sent[0].Kind)
	assert.Len(t, sent[0].Occurrences, 3)

	// an empty window still reports
	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(ch.payloads()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, ch.payloads()[1].Text(), "No detections")
}

func TestScheduler_BatchedSkipsEmptyWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "summary"}
	p := Policy{
		Mode: ModeBatched, MaxRetries: 1, SendTimeout: time.Second,
		Digest: DigestWindow{Interval: time.Hour, SendEmpty: false},
	}
	startScheduler(t, []Binding{{Channel: ch, Policy: p}}, clock)

	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	clock.BlockUntil(1)
	assert.Empty(t, ch.payloads())
}

func TestScheduler_BatchedFailureAppliesToWholeWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "summary", failAlways: true}
	p := Policy{
		Mode: ModeBatched, MaxRetries: 1, SendTimeout: time.Second,
		Digest: DigestWindow{Interval: time.Hour},
	}
	s, outcomes := startScheduler(t, []Binding{{Channel: ch, Policy: p}}, clock)

	clock.BlockUntil(1)
	s.Submit(occ("occ-1", "Barn-1"))
	s.Submit(occ("occ-2", "Barn-2"))
	clock.Advance(time.Hour)

	got := outcomes.waitFor(t, 2)
	for _, o := range got {
		assert.Equal(t, JobAbandoned, o.State)
		assert.Equal(t, 1, o.Attempts)
	}
}

func TestScheduler_ShutdownAbandonsPending(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ch := &fakeChannel{name: "webhook", block: make(chan struct{})}
	outcomes := &outcomeLog{}
	s := NewScheduler([]Binding{{Channel: ch, Policy: immediate(3)}}, logger.NewNopLogger(),
		WithSchedulerClock(clock), WithOutcomeObserver(outcomes.add))
	require.NoError(t, s.Start(context.Background()))

	s.Submit(occ("occ-1", "Barn-1"))
	s.Submit(occ("occ-2", "Barn-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	got := outcomes.snapshot()
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, JobAbandoned, o.State)
		assert.Equal(t, ReasonShutdown, o.LastError)
	}
	ch.mu.Lock()
	assert.True(t, ch.closed)
	ch.mu.Unlock()

	// late submissions are abandoned immediately
	s.Submit(occ("occ-3", "Barn-1"))
	assert.Len(t, outcomes.snapshot(), 3)
}

func TestScheduler_EveryOutcomeMapsToOneJob(t *testing.T) {
	clock := clockwork.NewRealClock()
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b", failAlways: true}
	p := immediate(1)
	s, outcomes := startScheduler(t, []Binding{{Channel: a, Policy: p}, {Channel: b, Policy: p}}, clock)

	var jobs []Job
	for i := 0; i < 4; i++ {
		jobs = append(jobs, s.Submit(occ(fmt.Sprintf("occ-%d", i), "Barn-1"))...)
	}
	got := outcomes.waitFor(t, 8)
	require.Len(t, got, 8)

	type pair struct{ occ, channel string }
	seen := map[pair]string{}
	for _, o := range got {
		k := pair{o.OccurrenceID, o.Channel}
		_, dup := seen[k]
		assert.False(t, dup, "two outcomes for %v", k)
		seen[k] = o.JobID
	}
	for _, j := range jobs {
		assert.Equal(t, j.ID, seen[pair{j.OccurrenceID, j.Channel}])
	}
}
