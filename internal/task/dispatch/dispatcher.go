package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"rtcore/internal/clock"
	"rtcore/internal/eventbus"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
	"rtcore/internal/task/timerq"
	logx "rtcore/pkg/logx"
)

type taskStats struct {
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	dispatched  atomic.Uint64
	failed      atomic.Uint64
	panicked    atomic.Uint64
	preemptions atomic.Uint64
}

// Dispatcher runs the tasks of a frozen table.
//
// Spawn, SpawnAfter, SpawnAt, Pend and Tick are safe from any goroutine.
// Drain and Run take ownership of the core for as long as they execute.
type Dispatcher struct {
	cfg Config
	clk clock.Source
	log logx.Logger
	bus eventbus.Bus

	tbl      *table.Table
	reg      *resource.Registry
	handlers []Handler
	idle     IdleFunc

	core sync.Mutex

	// mu guards the slot counters, the ready set and the timer queue.
	mu      sync.Mutex
	pending []int
	ready   *readySet
	timers  *timerq.Queue

	// Owned by the core goroutine.
	runCtx  context.Context
	due     []timerq.Entry
	running []table.Handle
	ctxs    []*Context
	idleCtx *Context

	// cur is the effective priority of the core. Only the core writes it.
	cur atomic.Int32

	wake  chan struct{}
	warn  *rate.Limiter
	stats []taskStats
}

func (d *Dispatcher) Table() *table.Table { return d.tbl }

func (d *Dispatcher) Resources() *resource.Registry { return d.reg }

func (d *Dispatcher) Now() clock.Instant { return d.clk.Now() }

// Lookup resolves a task name.
func (d *Dispatcher) Lookup(name string) (table.Handle, bool) { return d.tbl.Lookup(name) }

// Spawn makes an activation of h ready. From outside a handler the
// activation is taken at the core's next preemption point, or right away
// when the core is idle.
func (d *Dispatcher) Spawn(h table.Handle, payload any) error {
	if err := d.spawn(h, payload); err != nil {
		return err
	}
	d.signal()
	return nil
}

// SpawnAfter schedules an activation of h delay ticks from now. A zero
// delay is an immediate spawn.
func (d *Dispatcher) SpawnAfter(h table.Handle, payload any, delay clock.Duration) error {
	if err := d.spawnAfter(h, payload, delay); err != nil {
		return err
	}
	d.signal()
	return nil
}

// SpawnAt schedules an activation of h at an absolute deadline. Deadlines
// already reached are delivered on the next poll.
func (d *Dispatcher) SpawnAt(h table.Handle, payload any, deadline clock.Instant) error {
	if err := d.spawnAt(h, payload, deadline); err != nil {
		return err
	}
	d.signal()
	return nil
}

// Pend raises the named interrupt: the bound task gets an immediate
// activation with a nil payload.
func (d *Dispatcher) Pend(irq string) error {
	h, ok := d.tbl.Bound(irq)
	if !ok {
		return fmt.Errorf("%s: %w", irq, ErrUnknownInterrupt)
	}
	return d.Spawn(h, nil)
}

// Vector is a resolved interrupt line.
type Vector struct {
	d    *Dispatcher
	task table.Handle
	irq  string
}

// Vector resolves irq once so drivers can pend it without a lookup.
func (d *Dispatcher) Vector(irq string) (Vector, error) {
	h, ok := d.tbl.Bound(irq)
	if !ok {
		return Vector{}, fmt.Errorf("%s: %w", irq, ErrUnknownInterrupt)
	}
	return Vector{d: d, task: h, irq: irq}, nil
}

func (v Vector) Name() string { return v.irq }

func (v Vector) Task() table.Handle { return v.task }

func (v Vector) Pend() error {
	if v.d == nil {
		return ErrUnknownInterrupt
	}
	return v.d.Spawn(v.task, nil)
}

// Tick is the clock interrupt. It wakes the core so the timer queue is
// polled.
func (d *Dispatcher) Tick() { d.signal() }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) check(h table.Handle) error {
	if !d.tbl.Valid(h) {
		return fmt.Errorf("%s: %w", h, ErrUnknownTask)
	}
	return nil
}

func (d *Dispatcher) spawn(h table.Handle, payload any) error {
	if err := d.check(h); err != nil {
		return err
	}
	desc, _ := d.tbl.Get(h)

	d.mu.Lock()
	if d.pending[h] >= desc.Capacity {
		d.mu.Unlock()
		return d.reject(desc)
	}
	d.pending[h]++
	d.ready.push(desc.Priority, table.Activation{Task: h, Payload: payload})
	d.mu.Unlock()

	d.stats[h].accepted.Add(1)
	return nil
}

func (d *Dispatcher) spawnAfter(h table.Handle, payload any, delay clock.Duration) error {
	if delay == 0 {
		return d.spawn(h, payload)
	}
	if delay > clock.MaxDelay {
		return fmt.Errorf("%s: delay %s: %w", d.tbl.Name(h), delay, ErrDelayRange)
	}
	return d.spawnAt(h, payload, d.clk.Now().Add(delay))
}

func (d *Dispatcher) spawnAt(h table.Handle, payload any, deadline clock.Instant) error {
	if err := d.check(h); err != nil {
		return err
	}
	desc, _ := d.tbl.Get(h)

	now := d.clk.Now()
	if diff := deadline.Diff(now); diff > int32(clock.MaxDelay) || diff < -int32(clock.MaxDelay) {
		return fmt.Errorf("%s: deadline %s at %s: %w", desc.Name, deadline, now, ErrDelayRange)
	}

	d.mu.Lock()
	if d.pending[h] >= desc.Capacity {
		d.mu.Unlock()
		return d.reject(desc)
	}
	if err := d.timers.Schedule(deadline, table.Activation{Task: h, Payload: payload}); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w: %w", desc.Name, ErrQueueFull, err)
	}
	d.pending[h]++
	d.mu.Unlock()

	d.stats[h].accepted.Add(1)
	return nil
}

func (d *Dispatcher) reject(desc table.Descriptor) error {
	d.stats[desc.Handle].rejected.Add(1)
	if d.warn.Allow() {
		d.log.Warn("activation rejected", logx.String("task", desc.Name), logx.Int("capacity", desc.Capacity))
	} else {
		d.log.Debug("activation rejected", logx.String("task", desc.Name))
	}
	d.publish(EventTaskRejected, desc, "")
	return fmt.Errorf("%s: %w", desc.Name, ErrQueueFull)
}

// preempt runs every ready activation that outranks the current effective
// priority, including work released by the timer queue. Higher work found
// while a handler runs is executed nested inside it. Once Run's context is
// done it stops between activations, so a saturated core can still be
// stopped.
func (d *Dispatcher) preempt() {
	for {
		if len(d.running) == 0 && d.stopping() {
			return
		}
		d.mu.Lock()
		d.pollLocked()
		a, p, ok := d.ready.popAbove(table.Priority(d.cur.Load()))
		if ok {
			d.pending[a.Task]--
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		d.execute(a, p)
	}
}

func (d *Dispatcher) stopping() bool {
	return d.runCtx != nil && d.runCtx.Err() != nil
}

func (d *Dispatcher) pollLocked() {
	if d.timers.Len() == 0 {
		return
	}
	d.due = d.timers.Poll(d.clk.Now(), d.due[:0])
	for _, e := range d.due {
		d.ready.push(d.tbl.Priority(e.Task), e.Activation)
	}
	clear(d.due)
}

func (d *Dispatcher) execute(a table.Activation, p table.Priority) {
	c := d.ctxs[a.Task]
	st := &d.stats[a.Task]
	prev := d.cur.Swap(int32(p))
	if len(d.running) > 0 {
		st.preemptions.Add(1)
	}
	d.running = append(d.running, a.Task)
	depth := len(d.running)

	if d.cfg.Events {
		d.publish(EventTaskStarted, c.desc, "")
	}

	err, panicked := d.invoke(c, a.Payload)

	d.running = d.running[:depth-1]
	d.cur.Store(prev)
	st.dispatched.Add(1)

	switch {
	case panicked:
		st.panicked.Add(1)
	case err != nil:
		st.failed.Add(1)
		c.log.Debug("handler failed", logx.Err(err))
	}
	if d.cfg.Events {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		d.publish(EventTaskFinished, c.desc, msg)
	}
}

func (d *Dispatcher) invoke(c *Context, payload any) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			c.log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			d.publish(EventTaskPanic, c.desc, err.Error())
		}
	}()
	return d.handlers[c.desc.Handle](c, payload), false
}

func (d *Dispatcher) runIdle() {
	if d.idle == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.cur.Store(int32(table.IdlePriority))
			d.idleCtx.log.Error("idle panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	d.idle(d.idleCtx)
}

func (d *Dispatcher) publish(typ string, desc table.Descriptor, msg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		Task:     desc.Name,
		Handle:   desc.Handle,
		Priority: desc.Priority,
		At:       d.clk.Now(),
		Err:      msg,
	}})
}

// Drain runs every ready and due activation to completion on the calling
// goroutine, then returns.
func (d *Dispatcher) Drain() error {
	if !d.core.TryLock() {
		return ErrCoreBusy
	}
	defer d.core.Unlock()
	d.preempt()
	return nil
}

// Run owns the core until ctx is done: it dispatches ready work, calls the
// idle activity once the core runs dry and sleeps until a spawn, an
// interrupt, a tick or the next deadline wakes it.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.core.TryLock() {
		return ErrCoreBusy
	}
	defer d.core.Unlock()
	d.runCtx = ctx
	defer func() { d.runCtx = nil }()

	var tickC <-chan time.Time
	if d.cfg.Tick > 0 {
		t := time.NewTicker(d.cfg.Tick)
		defer t.Stop()
		tickC = t.C
	}
	deadline := time.NewTimer(time.Hour)
	deadline.Stop()
	defer deadline.Stop()

	d.log.Info("core running", logx.Duration("tick", d.cfg.Tick))
	for {
		d.preempt()
		if ctx.Err() == nil {
			d.runIdle()
			d.preempt()
		}
		if err := ctx.Err(); err != nil {
			d.log.Info("core stopped")
			return err
		}

		var deadlineC <-chan time.Time
		if wait, ok := d.untilNext(); ok {
			if wait <= 0 {
				continue
			}
			deadline.Reset(wait)
			deadlineC = deadline.C
		}

		select {
		case <-ctx.Done():
			d.log.Info("core stopped")
			return ctx.Err()
		case <-d.wake:
		case <-tickC:
		case <-deadlineC:
		}
		deadline.Stop()
	}
}

// untilNext converts the earliest deadline to host time. It needs a clock
// that reports its rate; otherwise the core relies on ticks.
func (d *Dispatcher) untilNext() (time.Duration, bool) {
	d.mu.Lock()
	next, ok := d.timers.Next()
	d.mu.Unlock()
	if !ok {
		return 0, false
	}
	now := d.clk.Now()
	if now.Reached(next) {
		return 0, true
	}
	r, isRate := d.clk.(clock.Rate)
	if !isRate {
		return 0, false
	}
	wait := clock.ToDuration(r.TickRate(), next.Sub(now))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, true
}

// Snapshot returns counters and queue depths. It is safe from any goroutine.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	pending := append([]int(nil), d.pending...)
	ready := d.ready.len()
	timers := d.timers.Len()
	d.mu.Unlock()

	snap := Snapshot{
		Now:      d.clk.Now(),
		Running:  table.Priority(d.cur.Load()),
		Ready:    ready,
		Timers:   timers,
		Ceilings: d.reg.Ceilings(),
		Tasks:    make([]TaskStats, 0, d.tbl.Len()),
	}
	for _, desc := range d.tbl.All() {
		st := &d.stats[desc.Handle]
		snap.Tasks = append(snap.Tasks, TaskStats{
			Name:        desc.Name,
			Priority:    desc.Priority,
			Capacity:    desc.Capacity,
			Interrupt:   desc.Interrupt,
			Pending:     pending[desc.Handle],
			Accepted:    st.accepted.Load(),
			Rejected:    st.rejected.Load(),
			Dispatched:  st.dispatched.Load(),
			Failed:      st.failed.Load(),
			Panicked:    st.panicked.Load(),
			Preemptions: st.preemptions.Load(),
		})
	}
	return snap
}
