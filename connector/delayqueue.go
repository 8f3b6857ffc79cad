package connector

import (
	"container/heap"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// delayItem is one pending dial, scheduled to fire at wakeAt.
type delayItem struct {
	addr   multiaddr.Multiaddr
	wakeAt time.Time
	index  int
}

type delayHeap []*delayItem

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayHeap) Push(x interface{}) {
	item := x.(*delayItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayQueue is a monotonic min-heap of pending dials keyed by wake time.
// The node loop's timer and the queue's insertions are both
// suspension-aware: NextWake tells the loop how long to sleep, and
// PopReady drains everything due once it wakes. See spec §9 "Delay queue".
type DelayQueue struct {
	h delayHeap
}

// NewDelayQueue returns an empty DelayQueue.
func NewDelayQueue() *DelayQueue {
	q := &DelayQueue{}
	heap.Init(&q.h)
	return q
}

// Push schedules addr to be dialable after delay has elapsed. A delay of
// 0 fires on the very next drain, used for addresses from the initial
// peer list and from AddPeers (spec §4.G, §4.I).
func (q *DelayQueue) Push(addr multiaddr.Multiaddr, delay time.Duration) {
	heap.Push(&q.h, &delayItem{addr: addr, wakeAt: time.Now().Add(delay)})
}

// NextWake returns the wake time of the earliest-scheduled item, and
// whether the queue is non-empty.
func (q *DelayQueue) NextWake() (time.Time, bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].wakeAt, true
}

// PopReady removes and returns every item whose wake time is at or before
// now.
func (q *DelayQueue) PopReady(now time.Time) []multiaddr.Multiaddr {
	var ready []multiaddr.Multiaddr
	for q.h.Len() > 0 && !q.h[0].wakeAt.After(now) {
		item := heap.Pop(&q.h).(*delayItem)
		ready = append(ready, item.addr)
	}
	return ready
}

// Len reports the number of pending dials.
func (q *DelayQueue) Len() int { return q.h.Len() }
