package occurrence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/barnwatch/internal/detection"
	"github.com/vzahanych/barnwatch/internal/logger"
)

var t0 = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func event(site string, offset time.Duration, confidence float64) detection.Event {
	return detection.Event{
		SiteID:     site,
		At:         t0.Add(offset),
		FrameSeq:   uint64(offset / time.Second),
		Class:      "cat",
		Confidence: confidence,
		Snapshot:   []byte{0xff, 0xd8},
	}
}

func TestDebouncer_Barn3Burst(t *testing.T) {
	var closed []Occurrence
	d := NewDebouncer(5*time.Second, time.Second, logger.NewNopLogger(),
		WithCloseObserver(func(o Occurrence) { closed = append(closed, o) }))

	occ, opened := d.Observe(event("Barn-3", 0, 0.9))
	require.True(t, opened)
	assert.NotEmpty(t, occ.ID)
	assert.Equal(t, []byte{0xff, 0xd8}, occ.Snapshot)

	_, opened = d.Observe(event("Barn-3", time.Second, 0.92))
	assert.False(t, opened)
	_, opened = d.Observe(event("Barn-3", 2*time.Second, 0.88))
	assert.False(t, opened)

	open, ok := d.Open("Barn-3")
	require.True(t, ok)
	assert.Equal(t, occ.ID, open.ID)
	assert.Equal(t, t0, open.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Second), open.LastSeen)
	assert.Equal(t, 0.92, open.PeakConfidence)

	assert.Empty(t, d.Sweep(t0.Add(7*time.Second)), "still open at the cooldown boundary")
	swept := d.Sweep(t0.Add(7*time.Second + time.Millisecond))
	require.Len(t, swept, 1)
	assert.Equal(t, occ.ID, swept[0].ID)
	assert.Equal(t, t0.Add(7*time.Second), swept[0].ClosedAt)

	require.Len(t, closed, 1)
	_, ok = d.Open("Barn-3")
	assert.False(t, ok)
}

func TestDebouncer_CooldownBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		gap       time.Duration
		wantTwoID bool
	}{
		{"well within cooldown", time.Second, false},
		{"exactly cooldown", 5 * time.Second, false},
		{"just past cooldown", 5*time.Second + time.Millisecond, true},
		{"long after", time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDebouncer(5*time.Second, time.Second, logger.NewNopLogger())

			first, opened := d.Observe(event("Barn-1", 0, 0.7))
			require.True(t, opened)

			second, opened := d.Observe(event("Barn-1", tt.gap, 0.7))
			assert.Equal(t, tt.wantTwoID, opened)
			if tt.wantTwoID {
				assert.NotEqual(t, first.ID, second.ID)
			}
		})
	}
}

func TestDebouncer_ExpiredButUnsweptReopens(t *testing.T) {
	var closed []Occurrence
	d := NewDebouncer(5*time.Second, time.Hour, logger.NewNopLogger(),
		WithCloseObserver(func(o Occurrence) { closed = append(closed, o) }))

	first, _ := d.Observe(event("Barn-1", 0, 0.6))
	second, opened := d.Observe(event("Barn-1", 10*time.Second, 0.6))

	require.True(t, opened)
	assert.NotEqual(t, first.ID, second.ID)
	require.Len(t, closed, 1)
	assert.Equal(t, first.ID, closed[0].ID)
}

func TestDebouncer_SitesAreIndependent(t *testing.T) {
	d := NewDebouncer(5*time.Second, time.Second, logger.NewNopLogger())

	a, openedA := d.Observe(event("Barn-1", 0, 0.6))
	b, openedB := d.Observe(event("Barn-2", time.Second, 0.6))

	assert.True(t, openedA)
	assert.True(t, openedB)
	assert.NotEqual(t, a.ID, b.ID)

	swept := d.Sweep(t0.Add(5*time.Second + time.Millisecond))
	require.Len(t, swept, 1)
	assert.Equal(t, "Barn-1", swept[0].SiteID)
}

func TestDebouncer_OutOfOrderEventKeepsLastSeen(t *testing.T) {
	d := NewDebouncer(5*time.Second, time.Second, logger.NewNopLogger())

	d.Observe(event("Barn-1", 3*time.Second, 0.6))
	d.Observe(event("Barn-1", 2*time.Second, 0.8))

	open, _ := d.Open("Barn-1")
	assert.Equal(t, t0.Add(3*time.Second), open.LastSeen)
	assert.Equal(t, 0.8, open.PeakConfidence)
}

func TestDebouncer_RunEmitsOnlyOpens(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)

	var mu sync.Mutex
	var closed []Occurrence
	d := NewDebouncer(5*time.Second, time.Second, logger.NewNopLogger(),
		WithClock(clock),
		WithCloseObserver(func(o Occurrence) {
			mu.Lock()
			closed = append(closed, o)
			mu.Unlock()
		}))

	in := make(chan detection.Event)
	out := make(chan Occurrence, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, in, out)
		close(done)
	}()

	in <- event("Barn-3", 0, 0.9)
	in <- event("Barn-3", time.Second, 0.92)
	in <- event("Barn-3", 2*time.Second, 0.88)

	occ := <-out
	assert.Equal(t, "Barn-3", occ.SiteID)

	clock.BlockUntil(1)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, out, 0, "closing emits nothing downstream")

	in <- event("Barn-3", 20*time.Second, 0.7)
	next := <-out
	assert.NotEqual(t, occ.ID, next.ID)

	cancel()
	<-done
	mu.Lock()
	assert.Len(t, closed, 2, "open occurrences are closed on shutdown")
	mu.Unlock()
}
