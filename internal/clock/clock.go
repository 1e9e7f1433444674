package clock

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Instant is a reading of the tick counter.
type Instant uint32

// Duration is a span of ticks.
type Duration uint32

// MaxDelay bounds how far in the future a deadline may be placed.
// It leaves half of the signed range as headroom for deadlines that are
// already overdue when they are compared.
const MaxDelay Duration = 1 << 30

// Add returns i advanced by d, wrapping at the counter width.
func (i Instant) Add(d Duration) Instant { return i + Instant(d) }

// Sub returns the number of ticks from j to i, assuming j is not after i.
func (i Instant) Sub(j Instant) Duration { return Duration(i - j) }

// Diff returns the signed distance i-j.
func (i Instant) Diff(j Instant) int32 { return int32(i - j) }

// Before reports whether i happens strictly before j.
func (i Instant) Before(j Instant) bool { return int32(i-j) < 0 }

// After reports whether i happens strictly after j.
func (i Instant) After(j Instant) bool { return int32(i-j) > 0 }

// Reached reports whether the deadline has elapsed at i.
func (i Instant) Reached(deadline Instant) bool { return int32(i-deadline) >= 0 }

// Compare returns -1, 0 or +1 using wraparound-aware ordering.
func (i Instant) Compare(j Instant) int {
	switch d := int32(i - j); {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func (i Instant) String() string { return fmt.Sprintf("@%d", uint32(i)) }

func (d Duration) String() string { return fmt.Sprintf("%dt", uint32(d)) }

// Source is anything that can be read as a monotonic tick counter.
type Source interface {
	Now() Instant
}

// Rate is implemented by sources whose ticks track wall-clock time.
type Rate interface {
	TickRate() uint32
}

// Ticks converts a wall-clock duration to ticks at hz, saturating at the
// counter width.
func Ticks(hz uint32, d time.Duration) Duration {
	if d <= 0 || hz == 0 {
		return 0
	}
	secs := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	t := secs*uint64(hz) + rem*uint64(hz)/uint64(time.Second)
	if t > uint64(^uint32(0)) {
		return Duration(^uint32(0))
	}
	return Duration(t)
}

// Millis returns ms milliseconds expressed in ticks at hz.
func Millis(hz uint32, ms uint32) Duration {
	return Ticks(hz, time.Duration(ms)*time.Millisecond)
}

// Secs returns s seconds expressed in ticks at hz.
func Secs(hz uint32, s uint32) Duration {
	return Ticks(hz, time.Duration(s)*time.Second)
}

// ToDuration converts ticks at hz back to wall-clock time.
func ToDuration(hz uint32, d Duration) time.Duration {
	if hz == 0 {
		return 0
	}
	secs := uint64(d) / uint64(hz)
	rem := uint64(d) % uint64(hz)
	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/uint64(hz))
}

// Manual is a counter advanced by hand. It is safe for concurrent use.
type Manual struct {
	now atomic.Uint32
}

// NewManual returns a manual clock reading start.
func NewManual(start Instant) *Manual {
	m := &Manual{}
	m.now.Store(uint32(start))
	return m
}

func (m *Manual) Now() Instant { return Instant(m.now.Load()) }

// Set moves the counter to i.
func (m *Manual) Set(i Instant) { m.now.Store(uint32(i)) }

// Advance moves the counter forward by d and returns the new reading.
func (m *Manual) Advance(d Duration) Instant {
	return Instant(m.now.Add(uint32(d)))
}

// Host derives ticks from the process monotonic clock at a fixed rate.
//
// The reading starts at offset, so a host clock can be started close to the
// wraparound point to exercise it within seconds.
type Host struct {
	start  time.Time
	hz     uint32
	offset Instant
}

// NewHost returns a host clock ticking at hz, starting at offset.
func NewHost(hz uint32, offset Instant) *Host {
	if hz == 0 {
		hz = 1000
	}
	return &Host{start: time.Now(), hz: hz, offset: offset}
}

func (h *Host) Now() Instant {
	el := time.Since(h.start)
	secs := uint64(el / time.Second)
	rem := uint64(el % time.Second)
	t := secs*uint64(h.hz) + rem*uint64(h.hz)/uint64(time.Second)
	return h.offset + Instant(uint32(t))
}

func (h *Host) TickRate() uint32 { return h.hz }
