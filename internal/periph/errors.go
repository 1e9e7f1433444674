package periph

import "errors"

var (
	ErrPinFault   = errors.New("pin fault")
	ErrNoFrame    = errors.New("no frame pending")
	ErrOverrun    = errors.New("receive fifo overrun")
	ErrInvalidID  = errors.New("invalid standard id")
	ErrFrameSize  = errors.New("frame data longer than 8 bytes")
	ErrInvalidPin = errors.New("invalid exti line")
)
