package loop

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled callback in the loop's timer heap.
type timerEntry struct {
	id       int64
	deadline time.Time
	seq      uint64 // registration order, used to break deadline ties
	cb       func()
	index    int // heap index, maintained by container/heap
	canceled bool
}

// timerHeap is a min-heap ordered by (deadline, seq) so that fires happen
// in deadline order with registration order breaking ties, per spec.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

var _ = heap.Interface(&timerHeap{})
