package periph

import (
	"fmt"
	"sync"
)

// Frame is a classic CAN data frame with a standard identifier.
type Frame struct {
	ID   uint16
	Len  uint8
	Data [8]byte
}

func NewFrame(id uint16, data []byte) (Frame, error) {
	if id > 0x7FF {
		return Frame{}, fmt.Errorf("0x%X: %w", id, ErrInvalidID)
	}
	if len(data) > 8 {
		return Frame{}, ErrFrameSize
	}
	f := Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, nil
}

func (f Frame) Bytes() []byte { return f.Data[:f.Len] }

// CAN is a bus controller.
type CAN interface {
	Transmit(f Frame) error
	Receive() (Frame, error)
}

// Loopback is a controller whose transmitted frames are received by itself,
// as in the controller's loopback test mode. Every received frame raises
// the receive vector.
type Loopback struct {
	mu       sync.Mutex
	fifo     []Frame
	depth    int
	rx       Pender
	sent     uint64
	overruns uint64
}

// NewLoopback creates a controller with a receive FIFO of depth frames
// (3 on the reference hardware when depth <= 0).
func NewLoopback(depth int) *Loopback {
	if depth <= 0 {
		depth = 3
	}
	return &Loopback{depth: depth}
}

// OnReceive sets the vector raised for FIFO 0 message pending.
func (l *Loopback) OnReceive(v Pender) {
	l.mu.Lock()
	l.rx = v
	l.mu.Unlock()
}

func (l *Loopback) Transmit(f Frame) error {
	l.mu.Lock()
	l.sent++
	if len(l.fifo) >= l.depth {
		l.overruns++
		l.mu.Unlock()
		return ErrOverrun
	}
	l.fifo = append(l.fifo, f)
	rx := l.rx
	l.mu.Unlock()
	if rx != nil {
		return rx.Pend()
	}
	return nil
}

func (l *Loopback) Receive() (Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fifo) == 0 {
		return Frame{}, ErrNoFrame
	}
	f := l.fifo[0]
	l.fifo = l.fifo[1:]
	return f, nil
}

// Stats reports frames sent and frames lost to a full FIFO.
func (l *Loopback) Stats() (sent, overruns uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent, l.overruns
}
