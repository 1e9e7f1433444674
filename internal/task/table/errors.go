package table

import "errors"

var (
	ErrFrozen             = errors.New("task table frozen")
	ErrEmpty              = errors.New("task table empty")
	ErrInvalidName        = errors.New("task name required")
	ErrInvalidPriority    = errors.New("task priority out of range")
	ErrInvalidCapacity    = errors.New("task capacity out of range")
	ErrDuplicateName      = errors.New("duplicate task name")
	ErrDuplicateInterrupt = errors.New("interrupt already bound")
)
