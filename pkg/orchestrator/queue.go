package orchestrator

import (
	"container/heap"
	"sync"

	"github.com/gladys-project/gladys/pkg/types"
)

// queueItem wraps an event with its routing-time salience for priority
// ordering, plus a monotonic sequence number for FIFO tie-breaking.
type queueItem struct {
	event    types.Event
	salience types.SalienceResult
	seq      int64
	index    int
}

// priorityHeap is a max-heap on (threat, salience, -seq): threats always
// preempt non-threats, ties within a threat/non-threat class break on
// salience, and FIFO order is preserved among equal-salience items.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	// Threat pre-emption: any event with threat > 0 outranks any event
	// without, regardless of overall salience score.
	at, bt := a.salience.Threat > 0, b.salience.Threat > 0
	if at != bt {
		return at
	}
	if at && bt && a.salience.Threat != b.salience.Threat {
		return a.salience.Threat > b.salience.Threat
	}
	if a.salience.Salience != b.salience.Salience {
		return a.salience.Salience > b.salience.Salience
	}
	return a.seq < b.seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a bounded, mutex-guarded salience-ordered event queue.
// Capacity bounds memory under sustained overload; Push on a full queue
// evicts the current lowest-priority item when the new item outranks it, so
// a later threat is not blocked by a backlog of low-salience events.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	h        priorityHeap
	capacity int
	seq      int64
	closed   bool

	droppedTotal int64
}

// NewPriorityQueue constructs a PriorityQueue with the given capacity (<=0
// means unbounded).
func NewPriorityQueue(capacity int) *PriorityQueue {
	q := &PriorityQueue{h: make(priorityHeap, 0), capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an event at the priority implied by its salience. If the
// queue is at capacity and the new item outranks the current lowest-priority
// item, that item is evicted to make room; otherwise the new item itself is
// rejected and Push returns dropped=true. Either drop is counted in Dropped.
// Push never blocks the producer.
func (q *PriorityQueue) Push(event types.Event, salience types.SalienceResult) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return true
	}

	item := &queueItem{event: event, salience: salience, seq: q.seq}
	q.seq++

	if q.capacity > 0 && q.h.Len() >= q.capacity {
		worst := q.worstLocked()
		if worst == nil || !worst.lessThan(item) {
			// incoming item does not outrank the current worst queued item:
			// drop the incoming item instead of evicting.
			q.droppedTotal++
			return true
		}
		heap.Remove(&q.h, worst.index)
		q.droppedTotal++
	}

	heap.Push(&q.h, item)
	q.notEmpty.Signal()
	return false
}

// lessThan reports whether the receiver has strictly lower priority than
// other (used to decide whether Push should displace the current worst
// item).
func (a *queueItem) lessThan(b *queueItem) bool {
	h := priorityHeap{a, b}
	return h.Less(1, 0) // b has priority over a iff b < a in heap terms (max-heap)
}

// worstLocked scans for the current lowest-priority item. Called with mu
// held. O(n); acceptable since eviction only happens at capacity, which is
// sized to bound exactly this cost.
func (q *PriorityQueue) worstLocked() *queueItem {
	if q.h.Len() == 0 {
		return nil
	}
	worst := q.h[0]
	for i := 1; i < q.h.Len(); i++ {
		cand := q.h[i]
		if worstIsLowerPriority(cand, worst) {
			worst = cand
		}
	}
	return worst
}

func worstIsLowerPriority(cand, current *queueItem) bool {
	h := priorityHeap{cand, current}
	// current has priority over cand (h.Less(1,0)) means cand is the new worst.
	return h.Less(1, 0)
}

// Pop blocks until an item is available or the queue is closed, returning
// ok=false in the latter case.
func (q *PriorityQueue) Pop() (types.Event, types.SalienceResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.h.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.h.Len() == 0 {
		return types.Event{}, types.SalienceResult{}, false
	}
	item := heap.Pop(&q.h).(*queueItem)
	return item.event, item.salience, true
}

// Len returns the current queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Dropped returns the cumulative count of evicted/rejected items.
func (q *PriorityQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedTotal
}

// Close unblocks any pending Pop calls permanently.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
