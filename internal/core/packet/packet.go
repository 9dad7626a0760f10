// Package packet implements the wire protocol shared by all cluster nodes.
//
// Every message is a single length-prefixed frame:
//
//	[4 bytes: total size, including this field]
//	[4 bytes: command]
//	[4 bytes: session ID, 0 = node-level command]
//	[4 bytes: object ID]
//	[N bytes: payload]
//
// The size prefix is the framing discipline: a receiver reads the fixed
// header first, then the remainder as one logical unit before dispatch.
// Variable-length payload fields (strings, byte vectors) are written as a
// uint64 length followed by the raw bytes, contiguous with the fixed fields,
// so a frame always arrives as one read.
package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed frame header: total size, command, session ID
	// and object ID, four uint32 each.
	HeaderSize = 16

	// MaxSize bounds a single frame. Oversized frames are a protocol error
	// and close the offending connection.
	MaxSize = 16 * 1024 * 1024
)

// Packet is a decoded frame. SessionID 0 addresses the node itself; any
// other value addresses a mapped session, with ObjectID selecting an object
// within it.
type Packet struct {
	Command   Command
	SessionID uint32
	ObjectID  uint32
	Payload   []byte
}

// Size returns the total encoded frame size.
func (p *Packet) Size() uint32 {
	return uint32(HeaderSize + len(p.Payload))
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet{cmd=%s session=%d object=%d payload=%dB}",
		p.Command, p.SessionID, p.ObjectID, len(p.Payload))
}

// Append encodes the packet as one frame appended to buf.
func (p *Packet) Append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, p.Size())
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.Command))
	buf = binary.BigEndian.AppendUint32(buf, p.SessionID)
	buf = binary.BigEndian.AppendUint32(buf, p.ObjectID)
	return append(buf, p.Payload...)
}

// Encode returns the packet as a freshly allocated frame.
func (p *Packet) Encode() []byte {
	return p.Append(make([]byte, 0, p.Size()))
}

// Decode parses a complete frame, header included. The payload aliases the
// input buffer; callers that retain the packet past the buffer's lifetime
// must copy it.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedPacket, len(frame))
	}
	total := binary.BigEndian.Uint32(frame)
	if total != uint32(len(frame)) {
		return nil, fmt.Errorf("%w: size field %d, frame %d bytes", ErrMalformedPacket, total, len(frame))
	}
	return &Packet{
		Command:   Command(binary.BigEndian.Uint32(frame[4:])),
		SessionID: binary.BigEndian.Uint32(frame[8:]),
		ObjectID:  binary.BigEndian.Uint32(frame[12:]),
		Payload:   frame[HeaderSize:],
	}, nil
}

// FrameSize reads the total size out of a frame's first four bytes and
// validates it against the protocol bounds.
func FrameSize(sizePrefix []byte) (uint32, error) {
	if len(sizePrefix) < 4 {
		return 0, ErrMalformedPacket
	}
	total := binary.BigEndian.Uint32(sizePrefix)
	if total < HeaderSize {
		return 0, fmt.Errorf("%w: size field %d below header size", ErrMalformedPacket, total)
	}
	if total > MaxSize {
		return 0, fmt.Errorf("%w: size field %d exceeds %d", ErrPacketTooLarge, total, MaxSize)
	}
	return total, nil
}
