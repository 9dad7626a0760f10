package connection

import (
	"errors"
	"io"
	"sync"

	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
)

// EventType classifies what a Set observed.
type EventType int

const (
	// EventPacket carries one complete wire frame from a connection.
	EventPacket EventType = iota
	// EventConnect reports a new connection accepted by a registered
	// listener. The connection is not yet part of the set; the owner
	// decides whether to add it.
	EventConnect
	// EventDisconnect reports a connection that closed or failed. The set
	// has already forgotten it.
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventPacket:
		return "packet"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one readiness observation from a Set.
type Event struct {
	Type       EventType
	Connection Connection
	// Frame holds the complete frame, header included, for EventPacket.
	Frame []byte
	// Err carries the failure for EventDisconnect; io.EOF for an orderly
	// close by the peer.
	Err error
}

// Set multiplexes many connections and listeners into a single event stream
// consumed by one receiver goroutine. A reader goroutine per connection
// assembles complete frames so the consumer never sees partial reads.
type Set struct {
	mu        sync.Mutex
	conns     map[Connection]chan struct{}
	listeners map[Listener]struct{}
	closed    bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	log log.Log
}

func NewSet(logger log.Log) *Set {
	if logger == nil {
		logger = log.Provide()
	}
	return &Set{
		conns:     make(map[Connection]chan struct{}),
		listeners: make(map[Listener]struct{}),
		events:    make(chan Event, 128),
		done:      make(chan struct{}),
		log:       logger.With(log.String("component", "connection_set")),
	}
}

// Events exposes the event stream for select-based consumers.
func (s *Set) Events() <-chan Event {
	return s.events
}

// Select blocks until the next event. It is a convenience over Events.
func (s *Set) Select() (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return Event{}, ErrSetClosed
	}
}

// AddConnection registers c and starts reading frames from it.
func (s *Set) AddConnection(c Connection) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSetClosed
	}
	if _, dup := s.conns[c]; dup {
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.conns[c] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(c, stop)
	return nil
}

// RemoveConnection detaches c without emitting a disconnect event. The
// caller owns closing the connection, which unblocks its reader.
func (s *Set) RemoveConnection(c Connection) {
	s.mu.Lock()
	stop, ok := s.conns[c]
	if ok {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

// AddListener registers l; accepted connections surface as EventConnect.
func (s *Set) AddListener(l Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSetClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

// Close stops all readers and closes registered listeners. Connections are
// not closed; their owner does that.
func (s *Set) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	listeners := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = make(map[Listener]struct{})
	s.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			s.log.Warn("listener close failed", log.Error(err))
		}
	}
	return nil
}

// Wait blocks until all reader and accept goroutines have exited.
func (s *Set) Wait() {
	s.wg.Wait()
}

func (s *Set) readLoop(c Connection, stop chan struct{}) {
	defer s.wg.Done()

	var sizeBuf [4]byte
	for {
		frame, err := readFrame(c, sizeBuf[:])
		if err != nil {
			s.mu.Lock()
			_, stillOurs := s.conns[c]
			if stillOurs {
				delete(s.conns, c)
			}
			s.mu.Unlock()
			if !stillOurs {
				return
			}
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read failed",
					log.String("remote", remoteString(c)), log.Error(err))
			}
			s.emit(Event{Type: EventDisconnect, Connection: c, Err: err}, stop)
			return
		}
		if !s.emit(Event{Type: EventPacket, Connection: c, Frame: frame}, stop) {
			return
		}
	}
}

func (s *Set) acceptLoop(l Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, l)
			s.mu.Unlock()
			if !closed && !errors.Is(err, ErrListenerClosed) {
				s.log.Warn("accept failed", log.Error(err))
			}
			return
		}
		if !s.emit(Event{Type: EventConnect, Connection: conn}, nil) {
			_ = conn.Close()
			return
		}
	}
}

func (s *Set) emit(ev Event, stop chan struct{}) bool {
	if stop == nil {
		select {
		case s.events <- ev:
			return true
		case <-s.done:
			return false
		}
	}
	select {
	case s.events <- ev:
		return true
	case <-stop:
		return false
	case <-s.done:
		return false
	}
}

// readFrame assembles one complete frame: the 4-byte size prefix, then the
// rest in a single buffer. Partial transport reads never surface.
func readFrame(c Connection, sizeBuf []byte) ([]byte, error) {
	if _, err := io.ReadFull(c, sizeBuf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	total, err := packet.FrameSize(sizeBuf)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, sizeBuf)
	if _, err := io.ReadFull(c, frame[4:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	return frame, nil
}

func remoteString(c Connection) string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
