package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(seq uint64) Frame {
	return Frame{SiteID: "Barn-1", Seq: seq, Format: FormatJPEG}
}

func TestFrameQueue_DropsOldest(t *testing.T) {
	q := NewFrameQueue("Barn-1", 2)

	assert.False(t, q.Push(frame(1)))
	assert.False(t, q.Push(frame(2)))
	assert.True(t, q.Push(frame(3)))

	f, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
	f, _ = q.Take()
	assert.Equal(t, uint64(3), f.Seq)
	_, ok = q.Take()
	assert.False(t, ok)

	pushed, dropped := q.Stats()
	assert.Equal(t, uint64(3), pushed)
	assert.Equal(t, uint64(1), dropped)
}

func TestFrameQueue_LatestWins(t *testing.T) {
	q := NewFrameQueue("Barn-1", 0)
	for i := uint64(1); i <= 10; i++ {
		q.Push(frame(i))
	}
	assert.Equal(t, 1, q.Len())
	f, _ := q.Take()
	assert.Equal(t, uint64(10), f.Seq)
}

func TestFrameQueue_SingleOutstandingNotification(t *testing.T) {
	q := NewFrameQueue("Barn-1", 4)
	var notified int
	q.SetNotify(func(*FrameQueue) { notified++ })

	q.Push(frame(1))
	q.Push(frame(2))
	assert.Equal(t, 1, notified, "second push while scheduled must not notify")

	_, _ = q.Take()
	q.Release()
	assert.Equal(t, 2, notified, "release with frames left re-notifies")

	_, _ = q.Take()
	q.Release()
	assert.Equal(t, 2, notified)

	q.Push(frame(3))
	assert.Equal(t, 3, notified, "push after idle release notifies")
}

func TestFrameQueue_SetNotifyWithPendingFrames(t *testing.T) {
	q := NewFrameQueue("Barn-1", 4)
	q.Push(frame(1))

	var got *FrameQueue
	q.SetNotify(func(fq *FrameQueue) { got = fq })
	assert.Same(t, q, got)
}

func TestFrameQueue_Drain(t *testing.T) {
	q := NewFrameQueue("Barn-1", 4)
	q.Push(frame(1))
	q.Push(frame(2))

	assert.Equal(t, 2, q.Drain())
	assert.Equal(t, 0, q.Len())
	_, dropped := q.Stats()
	assert.Equal(t, uint64(2), dropped)
}
