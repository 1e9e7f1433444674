package dispatch

import "errors"

var (
	// ErrQueueFull is returned when the target task has no free pending slot.
	ErrQueueFull = errors.New("task queue full")
	// ErrDelayRange is returned for deadlines further than clock.MaxDelay away.
	ErrDelayRange = errors.New("deadline out of range")
	// ErrCoreBusy is returned when another goroutine already owns the core.
	ErrCoreBusy = errors.New("core already running")

	ErrUnknownTask      = errors.New("unknown task")
	ErrUnknownInterrupt = errors.New("interrupt not bound")
	ErrNilHandler       = errors.New("nil handler")
	ErrBuilt            = errors.New("dispatcher already built")
	ErrPayloadType      = errors.New("unexpected payload type")
)
