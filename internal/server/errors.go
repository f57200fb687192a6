package server

import (
	"errors"

	"procd/internal/processing"
)

var (
	ErrInvalidArgument = processing.ErrInvalidArgument
	ErrOutOfRange      = processing.ErrOutOfRange

	ErrAlreadyStarted  = errors.New("server already started")
	ErrNotStarted      = errors.New("server not started")
	ErrShutdownTimeout = errors.New("server shutdown timed out")
)
