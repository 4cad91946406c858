package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladys-project/gladys/pkg/types"
)

func salienceOf(v float64) types.SalienceResult {
	return types.SalienceResult{Salience: v}
}

func threatOf(v float64) types.SalienceResult {
	return types.SalienceResult{Threat: v, Salience: v}
}

// TestPriorityQueueOrdering verifies that, across n events with distinct
// salience scores, processing order is monotonically non-increasing in
// salience modulo threat pre-emption.
func TestPriorityQueueOrdering(t *testing.T) {
	q := NewPriorityQueue(0)

	q.Push(types.Event{ID: "low"}, salienceOf(0.2))
	q.Push(types.Event{ID: "high"}, salienceOf(0.9))
	q.Push(types.Event{ID: "mid"}, salienceOf(0.5))

	ev, _, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "high", ev.ID)

	ev, _, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "mid", ev.ID)

	ev, _, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "low", ev.ID)
}

func TestPriorityQueueThreatPreemption(t *testing.T) {
	q := NewPriorityQueue(0)

	q.Push(types.Event{ID: "ordinary-high"}, salienceOf(0.95))
	q.Push(types.Event{ID: "threat-low-salience"}, threatOf(0.1))

	ev, _, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "threat-low-salience", ev.ID, "threat must preempt regardless of aggregate salience")
}

func TestPriorityQueueFIFOTiebreak(t *testing.T) {
	q := NewPriorityQueue(0)

	q.Push(types.Event{ID: "first"}, salienceOf(0.5))
	q.Push(types.Event{ID: "second"}, salienceOf(0.5))
	q.Push(types.Event{ID: "third"}, salienceOf(0.5))

	for _, want := range []string{"first", "second", "third"} {
		ev, _, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, ev.ID)
	}
}

func TestPriorityQueueCapacityEvictsWorst(t *testing.T) {
	q := NewPriorityQueue(2)

	assert.False(t, q.Push(types.Event{ID: "a"}, salienceOf(0.1)))
	assert.False(t, q.Push(types.Event{ID: "b"}, salienceOf(0.2)))

	// queue full at capacity 2; pushing a higher-salience item should evict
	// the current worst ("a") rather than being rejected.
	dropped := q.Push(types.Event{ID: "c"}, salienceOf(0.9))
	assert.False(t, dropped)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	ev, _, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", ev.ID)
}

func TestPriorityQueueCapacityRejectsLowerThanWorst(t *testing.T) {
	q := NewPriorityQueue(1)

	assert.False(t, q.Push(types.Event{ID: "a"}, salienceOf(0.5)))
	dropped := q.Push(types.Event{ID: "b"}, salienceOf(0.1))
	assert.True(t, dropped, "a lower-salience arrival should be rejected, not evict an equal-or-better incumbent")
	assert.Equal(t, 1, q.Len())
}

func TestPriorityQueueCloseUnblocksPop(t *testing.T) {
	q := NewPriorityQueue(0)
	done := make(chan struct{})
	go func() {
		_, _, ok := q.Pop()
		assert.False(t, ok)
		close(done)
	}()
	q.Close()
	<-done
}
