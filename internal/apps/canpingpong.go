package apps

import (
	"errors"
	"sync/atomic"

	"rtcore/internal/clock"
	"rtcore/internal/periph"
	"rtcore/internal/task/dispatch"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

const (
	canVector = "CAN1_RX0"
	canID     = 0x500
)

// CANPingPong sends a frame on a loopback controller; the receive vector
// takes it back and sends the next one. Byte 0 of each frame is a counter.
type CANPingPong struct {
	LED *periph.SimPin
	Bus *periph.Loopback

	// LastRx is byte 0 of the last received frame.
	LastRx   atomic.Uint32
	Received atomic.Uint64

	counter atomic.Uint32
	can1    *resource.Resource[periph.CAN]
	frame   [8]byte
	gap     clock.Duration
	blink   table.Handle
	send    table.Handle
	env     *Env
}

type canConfig struct {
	// GapMS delays each reply. Zero replies immediately, which keeps the
	// core permanently busy.
	GapMS uint32 `json:"gap_ms"`
}

func NewCANPingPong() *CANPingPong {
	a := &CANPingPong{LED: periph.NewPin("PA5"), Bus: periph.NewLoopback(0)}
	for i := 1; i < len(a.frame); i++ {
		a.frame[i] = byte(i)
	}
	return a
}

func (a *CANPingPong) Name() string { return "canpingpong" }

func (a *CANPingPong) Register(env *Env) error {
	cfg := canConfig{GapMS: 100}
	if err := env.Decode(&cfg); err != nil {
		return err
	}
	a.env = env
	a.gap = env.Millis(cfg.GapMS)
	a.can1 = resource.New[periph.CAN](env.Resources(), env.Name("can1"), 0, a.Bus)

	var errs []error
	var err error
	if a.blink, err = env.Task(table.Spec{Name: "blink"}, a.onBlink); err != nil {
		errs = append(errs, err)
	}
	if a.send, err = env.Task(table.Spec{Name: "can_send", Priority: 2}, a.onSend, a.can1); err != nil {
		errs = append(errs, err)
	}
	if _, err = env.Task(table.Spec{Name: "can_receive", Interrupt: canVector}, a.onReceive, a.can1); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *CANPingPong) Start(d *dispatch.Dispatcher) error {
	v, err := d.Vector(canVector)
	if err != nil {
		return err
	}
	a.Bus.OnReceive(v)
	return errors.Join(
		d.SpawnAfter(a.blink, nil, a.env.Secs(1)),
		d.SpawnAfter(a.send, nil, a.env.Secs(1)),
	)
}

func (a *CANPingPong) onBlink(c *dispatch.Context, _ any) error {
	next := c.SpawnAfter(c.Self(), nil, a.env.Secs(1))
	return errors.Join(next, a.LED.Toggle())
}

func (a *CANPingPong) onSend(c *dispatch.Context, _ any) error {
	a.frame[0] = byte(a.counter.Add(1) - 1)
	f, err := periph.NewFrame(canID, a.frame[:])
	if err != nil {
		return err
	}
	c.Log().Debug("sending frame", logx.Int("first", int(f.Data[0])))
	return resource.With(c, a.can1, func(bus *periph.CAN) error { return (*bus).Transmit(f) })
}

func (a *CANPingPong) onReceive(c *dispatch.Context, _ any) error {
	var (
		f   periph.Frame
		err error
	)
	a.can1.Lock(c, func(bus *periph.CAN) { f, err = (*bus).Receive() })
	if err != nil {
		return err
	}
	a.Received.Add(1)
	a.LastRx.Store(uint32(f.Data[0]))
	c.Log().Debug("received frame", logx.Int("first", int(f.Data[0])))
	return c.SpawnAfter(a.send, nil, a.gap)
}
