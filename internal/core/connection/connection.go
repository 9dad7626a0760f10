// Package connection abstracts the byte streams between cluster nodes and
// multiplexes readiness across many of them for a single receiver goroutine.
//
// A Connection is a reliable, ordered, bidirectional byte stream; TCP,
// in-process pipes, WebSocket and QUIC implementations are provided. The Set
// type owns the read side of many connections and turns complete wire frames,
// new connections and closed connections into a single event stream.
package connection

import (
	"context"
	"fmt"
	"net"
)

// Connection is one bidirectional byte stream to a peer node. Writes of a
// complete frame are atomic with respect to other writers only if callers
// serialize them; the node layer guarantees one writer per connection.
type Connection interface {
	// Read fills p with the next bytes from the stream, returning io.EOF
	// when the peer closed the connection.
	Read(p []byte) (int, error)
	// Write sends p, returning an error unless all bytes were accepted by
	// the transport.
	Write(p []byte) (int, error)
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Transport() Type
}

// Listener accepts incoming connections for one transport endpoint.
type Listener interface {
	// Accept blocks until a connection arrives or the listener is closed.
	Accept() (Connection, error)
	Close() error
	Addr() net.Addr
}

// Dial opens a connection described by desc.
func Dial(ctx context.Context, desc *Description) (Connection, error) {
	switch desc.Type {
	case TypeTCP:
		return dialTCP(ctx, desc)
	case TypePipe:
		return dialPipe(desc)
	case TypeWebSocket:
		return dialWebSocket(ctx, desc)
	case TypeQUIC:
		return dialQUIC(ctx, desc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, desc.Type)
	}
}

// Listen opens a listening endpoint described by desc.
func Listen(desc *Description) (Listener, error) {
	switch desc.Type {
	case TypeTCP:
		return listenTCP(desc)
	case TypePipe:
		return listenPipe(desc)
	case TypeWebSocket:
		return listenWebSocket(desc)
	case TypeQUIC:
		return listenQUIC(desc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, desc.Type)
	}
}
