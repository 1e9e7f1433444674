package apps

import (
	"errors"
	"fmt"
	"sync/atomic"

	"rtcore/internal/clock"
	"rtcore/internal/periph"
	"rtcore/internal/task/dispatch"
	"rtcore/internal/task/table"
	logx "rtcore/pkg/logx"
)

// Transfer is the transmit payload: the bits of Data not yet shifted out,
// most significant first, and the bytes queued behind it.
type Transfer struct {
	Reg  uint8
	Data uint8
	Left uint8
	// Block holds the bytes sent after Data while CS stays low.
	Block []byte
	// Clock is the level the clock line takes on this step.
	Clock bool
}

// SPISender bit-bangs bytes over CLK/MOSI/CS, one bit per period. Each
// step schedules a sample of MISO half a period later. MISO is looped back
// to MOSI, so the sampled bytes equal the ones sent.
//
// By default it sends one register byte at start. With a block configured
// it writes the whole block under one CS assertion and repeats it every
// repeat_ms, starting one second after boot.
type SPISender struct {
	CLK  *periph.SimPin
	MOSI *periph.SimPin
	MISO *periph.SimPin
	CS   *periph.SimPin

	// Received is the last complete byte sampled on MISO.
	Received atomic.Uint32
	// Done counts bytes received.
	Done atomic.Uint64
	// Transfers counts completed CS assertions.
	Transfers atomic.Uint64

	cfg      spiConfig
	env      *Env
	period   clock.Duration
	repeat   clock.Duration
	transmit table.Handle
	receive  table.Handle
	block    table.Handle

	// Only receive touches these.
	rx     uint8
	bits   int
	tail   []byte
	recent atomic.Pointer[[]byte]
}

const recentBytes = 64

type spiConfig struct {
	Reg      uint8  `json:"reg"`
	Data     uint8  `json:"data"`
	PeriodMS uint32 `json:"period_ms"`
	Block    string `json:"block,omitempty"`
	RepeatMS uint32 `json:"repeat_ms,omitempty"`
}

func NewSPISender() *SPISender {
	a := &SPISender{
		CLK:  periph.NewPin("PA5"),
		MOSI: periph.NewPin("PA7"),
		MISO: periph.NewPin("PA6"),
		CS:   periph.NewPin("PA9"),
	}
	a.MISO.Follow(a.MOSI)
	_ = a.CS.High()
	return a
}

func (a *SPISender) Name() string { return "spisender" }

func (a *SPISender) Register(env *Env) error {
	a.env = env
	a.cfg = spiConfig{Reg: 6, Data: 0b1010_1010}
	if err := env.Decode(&a.cfg); err != nil {
		return err
	}
	if a.cfg.PeriodMS == 0 {
		a.cfg.PeriodMS = 300
		if a.cfg.Block != "" {
			a.cfg.PeriodMS = 10
		}
	}
	a.period = env.Millis(a.cfg.PeriodMS)
	if a.period < 2 {
		return fmt.Errorf("apps.spisender.config.period_ms: %d too short", a.cfg.PeriodMS)
	}
	if a.cfg.Block != "" {
		if a.cfg.RepeatMS == 0 {
			a.cfg.RepeatMS = 5000
		}
		a.repeat = env.Millis(a.cfg.RepeatMS)
		steps := clock.Duration(len(a.cfg.Block)*8 + 1)
		if a.repeat <= steps*a.period {
			return fmt.Errorf("apps.spisender.config.repeat_ms: %d shorter than a %d byte transfer", a.cfg.RepeatMS, len(a.cfg.Block))
		}
	}

	var errs []error
	var err error
	if a.transmit, err = env.Task(table.Spec{Name: "transmit", Priority: 2}, dispatch.Typed(a.onTransmit)); err != nil {
		errs = append(errs, err)
	}
	if a.receive, err = env.Task(table.Spec{Name: "receive", Priority: 1}, a.onReceive); err != nil {
		errs = append(errs, err)
	}
	if a.cfg.Block != "" {
		if a.block, err = env.Task(table.Spec{Name: "block"}, a.onBlock); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *SPISender) Start(d *dispatch.Dispatcher) error {
	if a.cfg.Block != "" {
		return d.SpawnAfter(a.block, nil, a.env.Secs(1))
	}
	return d.Spawn(a.transmit, Transfer{Reg: a.cfg.Reg, Data: a.cfg.Data, Left: 8})
}

// Recent returns the last bytes sampled on MISO, oldest first.
func (a *SPISender) Recent() []byte {
	if p := a.recent.Load(); p != nil {
		return *p
	}
	return nil
}

func (a *SPISender) onBlock(c *dispatch.Context, _ any) error {
	b := []byte(a.cfg.Block)
	return errors.Join(
		c.Spawn(a.transmit, Transfer{Reg: a.cfg.Reg, Data: b[0], Left: 8, Block: b[1:]}),
		c.SpawnAfter(c.Self(), nil, a.repeat),
	)
}

func (a *SPISender) onTransmit(c *dispatch.Context, t Transfer) error {
	if err := a.CLK.Set(t.Clock); err != nil {
		return err
	}
	if t.Left == 0 && len(t.Block) > 0 {
		t = Transfer{Reg: t.Reg, Data: t.Block[0], Left: 8, Block: t.Block[1:], Clock: t.Clock}
	}
	if t.Left == 0 {
		a.Transfers.Add(1)
		c.Log().Info("transfer done", logx.Int("reg", int(t.Reg)))
		return errors.Join(a.CS.High(), a.MOSI.Low())
	}
	if err := errors.Join(a.CS.Low(), a.MOSI.Set(t.Data&0x80 != 0)); err != nil {
		return err
	}
	next := Transfer{Reg: t.Reg, Data: t.Data << 1, Left: t.Left - 1, Block: t.Block, Clock: !t.Clock}
	return errors.Join(
		c.SpawnAfter(a.receive, nil, a.period/2),
		c.SpawnAfter(c.Self(), next, a.period),
	)
}

func (a *SPISender) onReceive(c *dispatch.Context, _ any) error {
	high, err := a.MISO.IsHigh()
	if err != nil {
		return err
	}
	a.rx <<= 1
	if high {
		a.rx |= 1
	}
	a.bits++
	if a.bits == 8 {
		a.Received.Store(uint32(a.rx))
		a.Done.Add(1)
		a.tail = append(a.tail, a.rx)
		if len(a.tail) > recentBytes {
			a.tail = a.tail[len(a.tail)-recentBytes:]
		}
		recent := append([]byte(nil), a.tail...)
		a.recent.Store(&recent)
		c.Log().Info("byte received", logx.Int("data", int(a.rx)))
		a.rx, a.bits = 0, 0
	}
	return nil
}
