package mrrb

import "errors"

// Common mrrb errors used for error handling and comparison using errors.Is().
var (
	// ErrInvalidArgument indicates a nil or out-of-range argument to an
	// init, enable or disable operation.
	ErrInvalidArgument = errors.New("mrrb: invalid argument")

	// ErrUnknownReader indicates the reader is not registered with this buffer.
	ErrUnknownReader = errors.New("mrrb: reader not registered")

	// ErrLockUnavailable indicates the port lock has been destroyed.
	ErrLockUnavailable = errors.New("mrrb: lock unavailable")
)
