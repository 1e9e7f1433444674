package periph

import (
	"fmt"
	"sync/atomic"
)

// Pin is a digital line.
type Pin interface {
	Name() string
	Set(high bool) error
	IsHigh() (bool, error)
}

// SimPin is an in-memory pin. It is safe for concurrent use.
type SimPin struct {
	name   string
	level  atomic.Bool
	edges  atomic.Uint64
	follow atomic.Pointer[SimPin]
	fault  atomic.Bool
}

func NewPin(name string) *SimPin { return &SimPin{name: name} }

func (p *SimPin) Name() string { return p.name }

func (p *SimPin) Set(high bool) error {
	if p.fault.Load() {
		return fmt.Errorf("%s: %w", p.name, ErrPinFault)
	}
	if p.level.Swap(high) != high {
		p.edges.Add(1)
	}
	return nil
}

func (p *SimPin) High() error { return p.Set(true) }

func (p *SimPin) Low() error { return p.Set(false) }

// Toggle inverts the output level.
func (p *SimPin) Toggle() error {
	for {
		if p.fault.Load() {
			return fmt.Errorf("%s: %w", p.name, ErrPinFault)
		}
		old := p.level.Load()
		if p.level.CompareAndSwap(old, !old) {
			p.edges.Add(1)
			return nil
		}
	}
}

// IsHigh reads the level, or the level of the pin it follows.
func (p *SimPin) IsHigh() (bool, error) {
	if p.fault.Load() {
		return false, fmt.Errorf("%s: %w", p.name, ErrPinFault)
	}
	if src := p.follow.Load(); src != nil {
		return src.IsHigh()
	}
	return p.level.Load(), nil
}

// Follow wires p as an input reading src, e.g. MISO looped back to MOSI.
func (p *SimPin) Follow(src *SimPin) { p.follow.Store(src) }

// Edges counts level transitions driven through Set and Toggle.
func (p *SimPin) Edges() uint64 { return p.edges.Load() }

// Fail makes every later access fail until cleared.
func (p *SimPin) Fail(on bool) { p.fault.Store(on) }
