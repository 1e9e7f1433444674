package dispatch

import (
	"fmt"

	"rtcore/internal/clock"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

// Context is handed to a running handler. It is only valid on the core
// goroutine while that handler runs; keep the Dispatcher for spawning from
// elsewhere.
type Context struct {
	d    *Dispatcher
	desc table.Descriptor
	log  logx.Logger
}

var _ resource.Holder = (*Context)(nil)

func (c *Context) Self() table.Handle { return c.desc.Handle }

func (c *Context) Name() string { return c.desc.Name }

func (c *Context) Log() logx.Logger { return c.log }

// BasePriority is the static priority of the task.
func (c *Context) BasePriority() table.Priority { return c.desc.Priority }

// Priority is the effective priority, raised while a resource is held.
func (c *Context) Priority() table.Priority { return table.Priority(c.d.cur.Load()) }

func (c *Context) Now() clock.Instant { return c.d.clk.Now() }

// Lookup resolves a task name.
func (c *Context) Lookup(name string) (table.Handle, bool) { return c.d.tbl.Lookup(name) }

// Spawn makes an activation of h ready. If h outranks the caller it runs
// before Spawn returns.
func (c *Context) Spawn(h table.Handle, payload any) error {
	if err := c.d.spawn(h, payload); err != nil {
		return err
	}
	c.d.preempt()
	return nil
}

func (c *Context) SpawnAfter(h table.Handle, payload any, delay clock.Duration) error {
	if err := c.d.spawnAfter(h, payload, delay); err != nil {
		return err
	}
	c.d.preempt()
	return nil
}

func (c *Context) SpawnAt(h table.Handle, payload any, deadline clock.Instant) error {
	if err := c.d.spawnAt(h, payload, deadline); err != nil {
		return err
	}
	c.d.preempt()
	return nil
}

// Pend raises an interrupt from inside a handler.
func (c *Context) Pend(irq string) error {
	h, ok := c.d.tbl.Bound(irq)
	if !ok {
		return fmt.Errorf("%s: %w", irq, ErrUnknownInterrupt)
	}
	return c.Spawn(h, nil)
}

func (c *Context) Task() table.Handle { return c.desc.Handle }

func (c *Context) Raise(ceiling table.Priority) table.Priority {
	prev := table.Priority(c.d.cur.Load())
	if ceiling > prev {
		c.d.cur.Store(int32(ceiling))
	}
	return prev
}

func (c *Context) Restore(prev table.Priority) { c.d.cur.Store(int32(prev)) }

func (c *Context) Preempt() { c.d.preempt() }
