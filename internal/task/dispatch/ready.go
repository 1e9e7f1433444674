package dispatch

import (
	"math/bits"

	"rtcore/internal/task/table"
)

// ring is a fixed-size FIFO of activations for one priority level.
type ring struct {
	buf  []table.Activation
	head int
	n    int
}

func (r *ring) push(a table.Activation) bool {
	if r.n == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = a
	r.n++
	return true
}

func (r *ring) pop() table.Activation {
	a := r.buf[r.head]
	r.buf[r.head] = table.Activation{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return a
}

// readySet holds the ready activations of every level and a bitmap of the
// non-empty levels, so the highest one is found with a few word scans.
type readySet struct {
	levels [table.MaxPriority + 1]*ring
	bits   [(table.MaxPriority + 64) / 64]uint64
	n      int
}

// newReadySet sizes every level for the combined capacity of its tasks, so a
// push for an activation holding a slot cannot fail.
func newReadySet(t *table.Table) *readySet {
	s := &readySet{}
	for _, p := range t.Levels() {
		s.levels[p] = &ring{buf: make([]table.Activation, t.CapacityAt(p))}
	}
	return s
}

func (s *readySet) push(p table.Priority, a table.Activation) bool {
	r := s.levels[p]
	if r == nil || !r.push(a) {
		return false
	}
	s.bits[p>>6] |= 1 << (uint(p) & 63)
	s.n++
	return true
}

func (s *readySet) highest() (table.Priority, bool) {
	for i := len(s.bits) - 1; i >= 0; i-- {
		if w := s.bits[i]; w != 0 {
			return table.Priority(i<<6 + bits.Len64(w) - 1), true
		}
	}
	return table.IdlePriority, false
}

// popAbove removes the oldest activation of the highest level, provided that
// level is strictly above floor.
func (s *readySet) popAbove(floor table.Priority) (table.Activation, table.Priority, bool) {
	p, ok := s.highest()
	if !ok || p <= floor {
		return table.Activation{}, 0, false
	}
	r := s.levels[p]
	a := r.pop()
	if r.n == 0 {
		s.bits[p>>6] &^= 1 << (uint(p) & 63)
	}
	s.n--
	return a, p, true
}

func (s *readySet) len() int { return s.n }
