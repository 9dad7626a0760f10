package packet

import "errors"

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrPacketTooLarge  = errors.New("packet too large")
	ErrPayloadTooShort = errors.New("payload too short")
)
