package connection

import (
	"net"
	"sync"
)

// In-process transport. Listeners register under a process-global name;
// dialing hands one end of a net.Pipe to the listener's accept queue. Used
// for same-process nodes and as the default listener of client nodes.

var (
	pipeMu        sync.Mutex
	pipeListeners = make(map[string]*pipeListener)
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

type pipeConnection struct {
	net.Conn
	name string
}

func (c *pipeConnection) Transport() Type     { return TypePipe }
func (c *pipeConnection) LocalAddr() net.Addr { return pipeAddr(c.name) }

func dialPipe(desc *Description) (Connection, error) {
	pipeMu.Lock()
	l, ok := pipeListeners[desc.Hostname]
	pipeMu.Unlock()
	if !ok {
		return nil, ErrPipeNotFound
	}

	local, remote := net.Pipe()
	select {
	case l.accept <- &pipeConnection{Conn: remote, name: desc.Hostname}:
		return &pipeConnection{Conn: local, name: desc.Hostname}, nil
	case <-l.done:
		_ = local.Close()
		_ = remote.Close()
		return nil, ErrListenerClosed
	}
}

type pipeListener struct {
	name   string
	accept chan Connection
	done   chan struct{}
	once   sync.Once
}

func (l *pipeListener) Accept() (Connection, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		pipeMu.Lock()
		delete(pipeListeners, l.name)
		pipeMu.Unlock()
	})
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.name) }

func listenPipe(desc *Description) (Listener, error) {
	pipeMu.Lock()
	defer pipeMu.Unlock()
	if _, exists := pipeListeners[desc.Hostname]; exists {
		return nil, ErrPipeNameTaken
	}
	l := &pipeListener{
		name:   desc.Hostname,
		accept: make(chan Connection, 16),
		done:   make(chan struct{}),
	}
	pipeListeners[desc.Hostname] = l
	return l, nil
}
