package periph

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pender raises an interrupt line. dispatch.Vector implements it.
type Pender interface {
	Pend() error
}

// EXTI models the external interrupt controller: sixteen lines, a pending
// register and a vector per line.
type EXTI struct {
	pr atomic.Uint32

	mu     sync.RWMutex
	routes [16]Pender
}

func NewEXTI() *EXTI { return &EXTI{} }

// Route connects line to the vector raised when it triggers.
func (e *EXTI) Route(line int, v Pender) error {
	if line < 0 || line > 15 {
		return fmt.Errorf("line %d: %w", line, ErrInvalidPin)
	}
	e.mu.Lock()
	e.routes[line] = v
	e.mu.Unlock()
	return nil
}

// Trigger latches the pending bit of line and raises its vector.
func (e *EXTI) Trigger(line int) error {
	if line < 0 || line > 15 {
		return fmt.Errorf("line %d: %w", line, ErrInvalidPin)
	}
	e.pr.Or(1 << line)
	e.mu.RLock()
	v := e.routes[line]
	e.mu.RUnlock()
	if v == nil {
		return nil
	}
	return v.Pend()
}

func (e *EXTI) Pending(line int) bool { return e.pr.Load()&(1<<line) != 0 }

// Clear acknowledges line. The pending bit is not cleared automatically.
func (e *EXTI) Clear(line int) { e.pr.And(^uint32(1 << line)) }
