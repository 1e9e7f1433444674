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

// Fun shares a counter between two priorities through the arbiter.
//
// blink (priority 2) toggles two LEDs, bumps the counter and spawns fancy
// every second. add (priority 1) bumps and reads the counter every two
// seconds.
type Fun struct {
	LED   *periph.SimPin
	ExLED *periph.SimPin

	// Seen is the counter value add read last.
	Seen atomic.Uint32
	// Fancy counts fancy activations.
	Fancy atomic.Uint64

	global *resource.Resource[uint32]
	blink  table.Handle
	add    table.Handle
	fancy  table.Handle
	env    *Env

	// Only add touches these.
	a, b uint32
}

func NewFun() *Fun {
	return &Fun{LED: periph.NewPin("PA5"), ExLED: periph.NewPin("PA1")}
}

func (a *Fun) Name() string { return "fun" }

func (a *Fun) Register(env *Env) error {
	a.env = env
	a.global = resource.New(env.Resources(), env.Name("global"), 0, uint32(0))

	var errs []error
	var err error
	if a.fancy, err = env.Task(table.Spec{Name: "fancy"}, a.onFancy); err != nil {
		errs = append(errs, err)
	}
	if a.blink, err = env.Task(table.Spec{Name: "blink", Priority: 2}, a.onBlink, a.global); err != nil {
		errs = append(errs, err)
	}
	if a.add, err = env.Task(table.Spec{Name: "add", Priority: 1}, a.onAdd, a.global); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Fun) Start(d *dispatch.Dispatcher) error {
	return errors.Join(
		d.SpawnAfter(a.blink, nil, a.env.Secs(1)),
		d.SpawnAfter(a.add, nil, a.env.Secs(2)),
	)
}

func (a *Fun) onFancy(c *dispatch.Context, _ any) error {
	a.Fancy.Add(1)
	c.Log().Debug("this task has run")
	return nil
}

func (a *Fun) onBlink(c *dispatch.Context, _ any) error {
	errs := []error{a.LED.Toggle(), a.ExLED.Toggle()}
	a.global.Lock(c, func(v *uint32) { *v++ })
	c.Log().Debug("blink")
	// fancy is lower priority; a full queue is not an error here.
	_ = c.Spawn(a.fancy, nil)
	errs = append(errs, c.SpawnAfter(c.Self(), nil, a.env.Secs(1)))
	return errors.Join(errs...)
}

func (a *Fun) onAdd(c *dispatch.Context, _ any) error {
	a.global.Lock(c, func(v *uint32) { *v++ })
	seen := resource.With(c, a.global, func(v *uint32) uint32 { return *v })
	a.a++
	a.b++
	a.Seen.Store(seen)
	c.Log().Info("add", logx.Uint32("global", seen), logx.Uint32("sum", a.a+a.b))
	return c.SpawnAfter(c.Self(), nil, a.env.Secs(2))
}
