// Package timerq keeps deferred activations ordered by deadline.
//
// The queue is a binary min-heap keyed on (deadline, insertion sequence), so
// equal deadlines are released first-in first-out. Deadlines are compared with
// wraparound-aware subtraction; callers keep every deadline within
// clock.MaxDelay of the current reading, which keeps the ordering consistent
// across a counter overflow.
package timerq

import (
	"container/heap"
	"errors"

	"rtcore/internal/clock"
	"rtcore/internal/task/table"
)

var ErrFull = errors.New("timer queue full")

// Entry is a deferred activation.
type Entry struct {
	Deadline clock.Instant
	table.Activation

	seq uint64
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if c := h[i].Deadline.Compare(h[j].Deadline); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = Entry{}
	*h = old[:n-1]
	return x
}

// Queue is not safe for concurrent use; the dispatcher guards it.
type Queue struct {
	h   entryHeap
	cap int
	seq uint64
}

// New returns a queue that never holds more than capacity entries.
// Storage is allocated up front.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{h: make(entryHeap, 0, capacity), cap: capacity}
}

func (q *Queue) Len() int { return len(q.h) }

func (q *Queue) Cap() int { return q.cap }

// Schedule inserts a at deadline.
func (q *Queue) Schedule(deadline clock.Instant, a table.Activation) error {
	if len(q.h) >= q.cap {
		return ErrFull
	}
	q.seq++
	heap.Push(&q.h, Entry{Deadline: deadline, Activation: a, seq: q.seq})
	return nil
}

// Next returns the earliest pending deadline.
func (q *Queue) Next() (clock.Instant, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].Deadline, true
}

// Poll removes every entry whose deadline has been reached at now and appends
// them to dst in delivery order.
func (q *Queue) Poll(now clock.Instant, dst []Entry) []Entry {
	for len(q.h) > 0 && now.Reached(q.h[0].Deadline) {
		dst = append(dst, heap.Pop(&q.h).(Entry))
	}
	return dst
}
