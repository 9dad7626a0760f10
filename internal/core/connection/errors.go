package connection

import "errors"

var (
	ErrListenerClosed     = errors.New("listener is closed")
	ErrSetClosed          = errors.New("connection set is closed")
	ErrUnknownTransport   = errors.New("unknown transport type")
	ErrPipeNotFound       = errors.New("no pipe listener with that name")
	ErrPipeNameTaken      = errors.New("pipe name already in use")
	ErrEmptyLaunchCommand = errors.New("empty launch command")
)
