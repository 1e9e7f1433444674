package resource

import "errors"

var (
	ErrInvalidName    = errors.New("resource name required")
	ErrDuplicateName  = errors.New("duplicate resource name")
	ErrInvalidCeiling = errors.New("resource ceiling out of range")
	ErrCeiling        = errors.New("accessor priority above resource ceiling")
	ErrForeign        = errors.New("resource belongs to another registry")
	ErrFrozen         = errors.New("resource registry frozen")

	// Runtime programming errors. Lock panics with these wrapped.
	ErrNotFrozen  = errors.New("resource registry not frozen")
	ErrUndeclared = errors.New("resource not declared by task")
	ErrReentrant  = errors.New("resource already held by this activation")
)
