package processing

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfRange      = errors.New("argument out of range")

	// ErrStopRequested is returned by a process to acknowledge a stop request.
	// The execution loop treats it as a clean exit, not a failure.
	ErrStopRequested = errors.New("stop requested")
)
