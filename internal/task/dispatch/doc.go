// Package dispatch is the scheduling core.
//
// Tasks are registered on a Builder together with the shared resources they
// touch. Build freezes the task table and the resource registry, derives
// ceilings and rejects any inconsistent configuration before the first
// activation runs.
//
// At run time a single goroutine owns the core. It always executes the
// highest-priority ready activation; a running handler is interrupted only by
// strictly higher priority work, which runs nested on the same goroutine the
// way interrupt handlers nest on one stack. Activations of one priority level
// are served first-in first-out. Handlers run to completion and must not
// block.
//
// Work arrives through Spawn, SpawnAfter and SpawnAt, through interrupts
// raised with Pend, or from the timer queue once a deadline elapses. Every
// task has a fixed number of pending slots. A slot is taken when the
// activation is accepted, including deferred ones, and given back when its
// handler starts; a spawn finding no free slot fails with ErrQueueFull and
// leaves all state unchanged.
//
// Handlers that re-schedule themselves with SpawnAfter drift by their own
// execution time. Use SpawnAt with a deadline derived from the previous one
// for drift-free periods.
package dispatch
