package apps

import (
	"errors"
	"sync/atomic"

	"rtcore/internal/periph"
	"rtcore/internal/task/dispatch"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

const (
	edgeVector = "EXTI15_10"
	buttonLine = 13
)

// EdgeCounter counts button presses on PC13 from the EXTI15_10 handler and
// reports the count once a second from a higher priority task.
type EdgeCounter struct {
	LED  *periph.SimPin
	EXTI *periph.EXTI

	// Reported is the count blink swapped out last.
	Reported atomic.Uint64
	// Spurious counts EXTI15_10 entries for lines other than the button.
	Spurious atomic.Uint64

	count atomic.Uint64
	exti  *resource.Resource[*periph.EXTI]
	blink table.Handle
	env   *Env
}

func NewEdgeCounter() *EdgeCounter {
	return &EdgeCounter{LED: periph.NewPin("PA5"), EXTI: periph.NewEXTI()}
}

func (a *EdgeCounter) Name() string { return "edgecounter" }

func (a *EdgeCounter) Register(env *Env) error {
	a.env = env
	a.exti = resource.New(env.Resources(), env.Name("exti"), 0, a.EXTI)

	var errs []error
	var err error
	if _, err = env.Task(table.Spec{Name: "on_exti", Interrupt: edgeVector}, a.onEXTI, a.exti); err != nil {
		errs = append(errs, err)
	}
	if a.blink, err = env.Task(table.Spec{Name: "blink", Priority: 4}, a.onBlink); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, env.Trigger("PC13", func() error { return a.EXTI.Trigger(buttonLine) }))
	return errors.Join(errs...)
}

func (a *EdgeCounter) Start(d *dispatch.Dispatcher) error {
	v, err := d.Vector(edgeVector)
	if err != nil {
		return err
	}
	// EXTI15_10 is shared by lines 10 through 15.
	for line := 10; line <= 15; line++ {
		if err := a.EXTI.Route(line, v); err != nil {
			return err
		}
	}
	return d.Spawn(a.blink, nil)
}

func (a *EdgeCounter) onEXTI(c *dispatch.Context, _ any) error {
	isButton := resource.With(c, a.exti, func(e **periph.EXTI) bool {
		return (*e).Pending(buttonLine)
	})
	a.EXTI.Clear(buttonLine)
	if !isButton {
		a.Spurious.Add(1)
		c.Log().Debug("not button")
		return nil
	}
	a.count.Add(1)
	return nil
}

func (a *EdgeCounter) onBlink(c *dispatch.Context, _ any) error {
	n := a.count.Swap(0)
	a.Reported.Store(n)
	c.Log().Info("edges", logx.Uint64("count", n))
	next := c.SpawnAfter(c.Self(), nil, a.env.Secs(1))
	return errors.Join(next, a.LED.Toggle())
}
