// Package session implements the namespace layer between nodes and
// replicated objects: a Session maps object IDs to live Object instances and
// routes object-addressed packets to them, while the Object type carries the
// master/slave versioning protocol and Barrier builds an N-party rendezvous
// on top of it.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/gridsync/gridsync/internal/core/node"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
	"github.com/gridsync/gridsync/internal/core/request"
)

// Session is a namespace of replicated objects scoped to a serving node. It
// is created by mapping a name (or a known ID) on the server and routes all
// packets carrying its session ID.
type Session struct {
	localNode *node.Node
	server    *node.Node
	name      string
	id        atomic.Uint32

	mu           sync.Mutex
	objects      map[uint32]*Object
	nextObjectID uint32

	log log.Log
}

func newSession(local, server *node.Node, name string) *Session {
	return &Session{
		localNode: local,
		server:    server,
		name:      name,
		objects:   make(map[uint32]*Object),
		log:       log.Provide().With(log.String("session", name)),
	}
}

// Map maps the named session on server and returns the local view. Mapping
// the same name on the same server from several nodes yields the same
// session ID everywhere. A nil server maps the session on local itself.
func Map(ctx context.Context, local, server *node.Node, name string) (*Session, error) {
	s := newSession(local, server, name)
	id, err := local.MapSession(ctx, server, s, name)
	if err != nil {
		return nil, err
	}
	s.id.Store(id)
	return s, nil
}

// MapID re-attaches to a session whose ID is already known.
func MapID(ctx context.Context, local, server *node.Node, sessionID uint32, name string) (*Session, error) {
	s := newSession(local, server, name)
	id, err := local.MapSessionID(ctx, server, s, sessionID, name)
	if err != nil {
		return nil, err
	}
	s.id.Store(id)
	return s, nil
}

// ID returns the server-allocated session ID.
func (s *Session) ID() uint32 {
	return s.id.Load()
}

func (s *Session) Name() string     { return s.name }
func (s *Session) Node() *node.Node { return s.localNode }

// Unmap releases the session mapping on the server and detaches the local
// handler. Mapped objects become unreachable.
func (s *Session) Unmap(ctx context.Context) error {
	return s.localNode.UnmapSession(ctx, s.server, s.ID())
}

// RegisterObject creates the master instance of a replicated object under a
// freshly allocated ID. The master is the sole writable copy; its version
// starts at 1.
func (s *Session) RegisterObject(data Data, policy Policy) *Object {
	o := &Object{
		session:     s,
		data:        data,
		policy:      policy,
		master:      true,
		masterID:    s.localNode.ID(),
		version:     request.NewMonitor(1),
		subscribers: make(map[node.ID]struct{}),
	}

	s.mu.Lock()
	o.id = s.allocateObjectIDLocked()
	o.log = s.log.With(log.Uint32("object_id", o.id))
	s.objects[o.id] = o
	s.mu.Unlock()

	return o
}

// MapObject attaches a slave to the object identified by (master, objectID).
// The master answers with a full state snapshot that becomes the slave's
// version baseline; data must be the zero value of the master's type.
func (s *Session) MapObject(ctx context.Context, master node.ID, objectID uint32, data Data) (*Object, error) {
	o := &Object{
		id:       objectID,
		session:  s,
		data:     data,
		master:   false,
		masterID: master,
		version:  request.NewMonitor(0),
		log:      s.log.With(log.Uint32("object_id", objectID)),
	}

	s.mu.Lock()
	if _, taken := s.objects[objectID]; taken {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrObjectIDTaken, objectID)
	}
	s.objects[objectID] = o
	s.mu.Unlock()

	requestID := s.localNode.RegisterRequest(master)
	w := packet.NewWriter().Uint32(requestID)
	p := &packet.Packet{
		Command:   packet.CmdSessionMapObject,
		SessionID: s.ID(),
		ObjectID:  objectID,
		Payload:   w.Payload(),
	}
	if err := s.localNode.SendTo(ctx, master, p); err != nil {
		s.localNode.AbortRequest(master, requestID)
		s.removeObject(objectID)
		return nil, err
	}

	if _, err := s.localNode.WaitRequest(ctx, master, requestID); err != nil {
		s.removeObject(objectID)
		return nil, fmt.Errorf("map object %d: %w", objectID, err)
	}
	return o, nil
}

// UnmapObject drops the local instance. A slave additionally tells the
// master to stop pushing to it; the master itself is unaffected by slave
// departures.
func (s *Session) UnmapObject(ctx context.Context, o *Object) error {
	s.removeObject(o.id)
	if o.master {
		return nil
	}
	p := &packet.Packet{
		Command:   packet.CmdSessionUnmapObject,
		SessionID: s.ID(),
		ObjectID:  o.id,
	}
	return s.localNode.SendTo(ctx, o.masterID, p)
}

// FindObject returns the mapped object with the given ID.
func (s *Session) FindObject(id uint32) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	return o, ok
}

func (s *Session) removeObject(id uint32) {
	s.mu.Lock()
	delete(s.objects, id)
	s.mu.Unlock()
}

// Object IDs are seeded from a hash of the owning node's ID so masters on
// different nodes allocate from disjoint ranges, then probed past local
// collisions. ID 0 is reserved.
func (s *Session) allocateObjectIDLocked() uint32 {
	if s.nextObjectID == 0 {
		s.nextObjectID = uint32(xxhash.Sum64String(string(s.localNode.ID()) + "/" + s.name))
	}
	for {
		s.nextObjectID++
		id := s.nextObjectID
		if id == 0 {
			continue
		}
		if _, taken := s.objects[id]; !taken {
			return id
		}
	}
}

// SessionID implements node.SessionHandler.
func (s *Session) SessionID() uint32 { return s.ID() }

// DispatchPacket implements node.SessionHandler; it runs on the node's
// receiver goroutine. Packets for objects not mapped yet surface as
// unroutable so the node parks and retries them.
func (s *Session) DispatchPacket(from node.ID, p *packet.Packet) error {
	switch p.Command {
	case packet.CmdSessionMapObject:
		return s.handleMapObject(from, p)
	case packet.CmdSessionMapObjectReply:
		return s.handleMapObjectReply(p)
	case packet.CmdSessionUnmapObject:
		return s.handleUnmapObject(from, p)
	case packet.CmdObjectInstance:
		return s.handleInstance(p)
	case packet.CmdObjectDelta:
		return s.handleDelta(p)
	case packet.CmdBarrierEnter:
		return s.handleObjectCommand(from, p)
	case packet.CmdBarrierEnterReply:
		return s.handleBarrierEnterReply(p)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, p.Command)
	}
}

// NotifyDisconnect implements node.SessionHandler. Departed peers stop
// receiving commit pushes; slaves whose master departed cannot advance
// anymore, so their version waiters are failed rather than left blocked.
func (s *Session) NotifyDisconnect(peer node.ID) {
	s.mu.Lock()
	objs := make([]*Object, 0, len(s.objects))
	for _, o := range s.objects {
		objs = append(objs, o)
	}
	s.mu.Unlock()

	for _, o := range objs {
		if o.master {
			o.removeSubscriber(peer)
			continue
		}
		if o.masterID == peer {
			o.version.Fail(fmt.Errorf("%w: master of object %d", node.ErrConnectionLost, o.id))
		}
	}
}

func (s *Session) handleMapObject(from node.ID, p *packet.Packet) error {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	if r.Err() != nil {
		return r.Err()
	}
	if from == "" {
		return fmt.Errorf("map object %d from unknown peer", p.ObjectID)
	}

	o, ok := s.FindObject(p.ObjectID)
	if !ok {
		// The master may not have registered yet; let the node retry.
		return fmt.Errorf("%w: object %d", node.ErrUnroutable, p.ObjectID)
	}
	if !o.master {
		return s.refuseMapObject(from, p.ObjectID, requestID)
	}
	o.serveMapRequest(from, requestID)
	return nil
}

func (s *Session) refuseMapObject(from node.ID, objectID, requestID uint32) error {
	w := packet.NewWriter().
		Uint32(requestID).
		Uint32(0).
		Uint32(0).
		Bytes(nil)
	reply := &packet.Packet{
		Command:   packet.CmdSessionMapObjectReply,
		SessionID: s.ID(),
		ObjectID:  objectID,
		Payload:   w.Payload(),
	}
	return s.localNode.SendTo(context.Background(), from, reply)
}

func (s *Session) handleMapObjectReply(p *packet.Packet) error {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	version := r.Uint32()
	policy := Policy(r.Uint32())
	body := r.Bytes()
	if r.Err() != nil {
		return r.Err()
	}

	requests := s.localNode.Requests()
	if version == 0 {
		_ = requests.Fail(requestID, ErrMasterRefused)
		return nil
	}

	o, ok := s.FindObject(p.ObjectID)
	if !ok {
		_ = requests.Fail(requestID, ErrObjectNotFound)
		return nil
	}
	o.policy = policy
	if err := o.applyInstance(version, body); err != nil {
		_ = requests.Fail(requestID, err)
		return err
	}
	_ = requests.Serve(requestID, version)
	return nil
}

func (s *Session) handleUnmapObject(from node.ID, p *packet.Packet) error {
	if o, ok := s.FindObject(p.ObjectID); ok && o.master {
		o.removeSubscriber(from)
	}
	return nil
}

func (s *Session) handleInstance(p *packet.Packet) error {
	o, ok := s.FindObject(p.ObjectID)
	if !ok {
		return fmt.Errorf("%w: object %d", node.ErrUnroutable, p.ObjectID)
	}
	r := packet.NewReader(p.Payload)
	version := r.Uint32()
	body := r.Bytes()
	if r.Err() != nil {
		return r.Err()
	}
	return o.applyInstance(version, body)
}

func (s *Session) handleDelta(p *packet.Packet) error {
	o, ok := s.FindObject(p.ObjectID)
	if !ok {
		return fmt.Errorf("%w: object %d", node.ErrUnroutable, p.ObjectID)
	}
	r := packet.NewReader(p.Payload)
	version := r.Uint32()
	body := r.Bytes()
	if r.Err() != nil {
		return r.Err()
	}
	return o.applyDelta(version, body)
}

func (s *Session) handleObjectCommand(from node.ID, p *packet.Packet) error {
	o, ok := s.FindObject(p.ObjectID)
	if !ok {
		return fmt.Errorf("%w: object %d", node.ErrUnroutable, p.ObjectID)
	}
	o.mu.Lock()
	fn := o.commandFn
	o.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("%w: %s for plain object %d", ErrUnknownCommand, p.Command, p.ObjectID)
	}
	return fn(from, p)
}

func (s *Session) handleBarrierEnterReply(p *packet.Packet) error {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	accepted := r.Bool()
	if r.Err() != nil {
		return r.Err()
	}
	_ = s.localNode.Requests().Serve(requestID, accepted)
	return nil
}
