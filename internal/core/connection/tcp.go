package connection

import (
	"context"
	"fmt"
	"net"
)

type tcpConnection struct {
	net.Conn
}

func (c *tcpConnection) Transport() Type { return TypeTCP }

func dialTCP(ctx context.Context, desc *Description) (Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", desc.Address())
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", desc.Address(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Frames are small and latency paces the rendering pipeline.
		_ = tc.SetNoDelay(true)
	}
	return &tcpConnection{Conn: conn}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpConnection{Conn: conn}, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func listenTCP(desc *Description) (Listener, error) {
	ln, err := net.Listen("tcp", desc.Address())
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", desc.Address(), err)
	}
	return &tcpListener{ln: ln}, nil
}
