package apps

import (
	"errors"

	"rtcore/internal/clock"
	"rtcore/internal/periph"
	"rtcore/internal/task/dispatch"
	"rtcore/internal/task/table"
)

// Blinky toggles PA5 from a task that reschedules itself.
type Blinky struct {
	LED *periph.SimPin

	period clock.Duration
	blink  table.Handle
}

type blinkyConfig struct {
	PeriodMS uint32 `json:"period_ms"`
}

func NewBlinky() *Blinky { return &Blinky{LED: periph.NewPin("PA5")} }

func (a *Blinky) Name() string { return "blinky" }

func (a *Blinky) Register(env *Env) error {
	cfg := blinkyConfig{PeriodMS: 1000}
	if err := env.Decode(&cfg); err != nil {
		return err
	}
	a.period = env.Millis(cfg.PeriodMS)

	var err error
	a.blink, err = env.Task(table.Spec{Name: "blink"}, a.onBlink)
	return err
}

func (a *Blinky) Start(d *dispatch.Dispatcher) error { return d.Spawn(a.blink, nil) }

func (a *Blinky) onBlink(c *dispatch.Context, _ any) error {
	// Reschedule first so a pin fault does not stop the blinking.
	next := c.SpawnAfter(c.Self(), nil, a.period)
	return errors.Join(next, a.LED.Toggle())
}
