package request

import "errors"

var (
	ErrNotRegistered = errors.New("request not registered")
	ErrAlreadyServed = errors.New("request already served")
	ErrRequestFailed = errors.New("request failed")
	ErrQueueClosed   = errors.New("command queue closed")
)
