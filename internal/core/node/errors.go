package node

import "errors"

var (
	ErrAlreadyListening   = errors.New("node is already listening")
	ErrNotListening       = errors.New("node is not listening")
	ErrAlreadyConnected   = errors.New("peer is already connected")
	ErrNotConnected       = errors.New("peer is not connected")
	ErrConnectFailed      = errors.New("connect failed")
	ErrConnectionLost     = errors.New("connection lost")
	ErrNoDescriptions     = errors.New("peer has no connection descriptions")
	ErrSessionNotFound    = errors.New("session not found")
	ErrReservedSessionID  = errors.New("session ID 0 is reserved")
	ErrReservedCommand    = errors.New("command code reserved for the core")
	ErrUnroutable         = errors.New("packet not routable")
	ErrMapSessionRefused  = errors.New("server refused session mapping")
	ErrDescriptionMissing = errors.New("no connection description at index")
	ErrPeerNotFound       = errors.New("peer not found")
)
