package hub

import (
	"container/heap"
	"time"
)

// timerEntry is one (deadline, sequence, task) record (spec §3 "Timer
// heap"). task is nil-ed to tombstone the entry when cancelled; tombstones
// are lazily discarded at the head.
type timerEntry struct {
	deadline time.Time
	seq      uint64
	task     *Task
	index    int
}

type timerEntryHeap []*timerEntry

func (h timerEntryHeap) Len() int { return len(h) }
func (h timerEntryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq // FIFO tie-break (spec §4.A)
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerEntryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerEntryHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerEntryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerHeap is a min-heap of (deadline, sequence, task) ordered by
// deadline with FIFO tie-break (spec §3, §4.A).
type timerHeap struct {
	h   timerEntryHeap
	seq uint64
}

func newTimerHeap() *timerHeap {
	return &timerHeap{}
}

// add inserts a (deadline, task) pair and returns a hook that tombstones it.
func (th *timerHeap) add(deadline time.Time, t *Task) func() {
	th.seq++
	e := &timerEntry{deadline: deadline, seq: th.seq, task: t}
	heap.Push(&th.h, e)
	return func() {
		e.task = nil
	}
}

// discardTombstones drops tombstoned entries at the head of the heap.
func (th *timerHeap) discardTombstones() {
	for len(th.h) > 0 && th.h[0].task == nil {
		heap.Pop(&th.h)
	}
}

// min returns the earliest non-tombstoned deadline.
func (th *timerHeap) min() (time.Time, bool) {
	th.discardTombstones()
	if len(th.h) == 0 {
		return time.Time{}, false
	}
	return th.h[0].deadline, true
}

// pop removes and returns the head task iff its deadline is <= now.
func (th *timerHeap) pop(now time.Time) *Task {
	deadline, ok := th.min()
	if !ok || deadline.After(now) {
		return nil
	}
	e := heap.Pop(&th.h).(*timerEntry)
	return e.task
}
