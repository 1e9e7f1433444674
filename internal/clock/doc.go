// Package clock wraps a free-running 32-bit tick counter into instants and
// durations whose comparisons survive counter wraparound.
//
// All ordering goes through modular subtraction: a is before b when
// int32(a-b) < 0. Two instants are only comparable while they lie within half
// the counter range of each other, which is why deferred work is limited to
// MaxDelay ticks into the future.
package clock
