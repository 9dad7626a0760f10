package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// WebSocket transport. Each Write becomes one binary message; Read presents
// the message sequence as a continuous byte stream so the frame reader can
// treat all transports alike.

type wsConnection struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	current io.Reader

	writeMu sync.Mutex
}

func (c *wsConnection) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.current == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.current = r
		}
		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConnection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConnection) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return c.conn.Close()
}

func (c *wsConnection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *wsConnection) Transport() Type      { return TypeWebSocket }

func dialWebSocket(ctx context.Context, desc *Description) (Connection, error) {
	url := fmt.Sprintf("ws://%s/", desc.Address())
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConnection{conn: conn}, nil
}

type wsListener struct {
	ln     net.Listener
	server *http.Server
	accept chan Connection
	done   chan struct{}
	once   sync.Once
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Trusted, pre-addressed cluster; no origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (l *wsListener) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.accept <- &wsConnection{conn: conn}:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept() (Connection, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func listenWebSocket(desc *Description) (Listener, error) {
	ln, err := net.Listen("tcp", desc.Address())
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", desc.Address(), err)
	}
	l := &wsListener{
		ln:     ln,
		accept: make(chan Connection, 16),
		done:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.serve)
	l.server = &http.Server{Handler: mux}
	go func() {
		_ = l.server.Serve(ln)
	}()
	return l, nil
}
