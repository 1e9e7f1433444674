package dispatch

import (
	"fmt"
	"time"

	"rtcore/internal/clock"
	"rtcore/internal/eventbus"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

// Handler is the body of a task. It runs to completion on the core goroutine.
// A returned error is a driver error: it is logged and counted, never retried.
type Handler func(c *Context, payload any) error

// IdleFunc runs at priority zero every time the core runs out of ready work.
// It must return promptly; pending work is only taken once it does, or at a
// preemption point inside it (a spawn or a lock release).
type IdleFunc func(c *Context)

// Typed adapts a handler expecting a payload of type T. A nil payload is
// passed as the zero value of T.
func Typed[T any](fn func(c *Context, v T) error) Handler {
	return func(c *Context, payload any) error {
		if payload == nil {
			var zero T
			return fn(c, zero)
		}
		v, ok := payload.(T)
		if !ok {
			return fmt.Errorf("%s: %T: %w", c.Name(), payload, ErrPayloadType)
		}
		return fn(c, v)
	}
}

type Config struct {
	// Tick is the host period of the clock interrupt that polls the timer
	// queue while the core waits. Zero disables the ticker; deadlines are
	// then only observed on wake-ups or through an exact deadline timer when
	// the clock reports its rate.
	Tick time.Duration
	// WarnEvery throttles backpressure warnings.
	WarnEvery time.Duration
	// Events publishes task.started/task.finished for every activation.
	// Rejections and panics are always published.
	Events bool
}

func (c Config) withDefaults() Config {
	if c.WarnEvery <= 0 {
		c.WarnEvery = 5 * time.Second
	}
	return c
}

type Option func(*Builder)

func WithLogger(log logx.Logger) Option { return func(b *Builder) { b.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(b *Builder) { b.bus = bus } }

// Event types published on the bus.
const (
	EventTaskStarted  = "task.started"
	EventTaskFinished = "task.finished"
	EventTaskRejected = "task.rejected"
	EventTaskPanic    = "task.panic"
)

// TaskEvent is the Data of every task.* event.
type TaskEvent struct {
	Task     string         `json:"task"`
	Handle   table.Handle   `json:"handle"`
	Priority table.Priority `json:"priority"`
	At       clock.Instant  `json:"at"`
	Err      string         `json:"err,omitempty"`
}

// TaskStats are best-effort counters for one task.
type TaskStats struct {
	Name      string         `json:"name"`
	Priority  table.Priority `json:"priority"`
	Capacity  int            `json:"capacity"`
	Interrupt string         `json:"interrupt,omitempty"`
	Pending   int            `json:"pending"`

	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Dispatched  uint64 `json:"dispatched"`
	Failed      uint64 `json:"failed"`
	Panicked    uint64 `json:"panicked"`
	Preemptions uint64 `json:"preemptions"`
}

// Snapshot is a point-in-time view of the dispatcher for diagnostics.
type Snapshot struct {
	Now      clock.Instant             `json:"now"`
	Running  table.Priority            `json:"running"`
	Ready    int                       `json:"ready"`
	Timers   int                       `json:"timers"`
	Tasks    []TaskStats               `json:"tasks"`
	Ceilings map[string]table.Priority `json:"ceilings"`
}
