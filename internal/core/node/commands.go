package node

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/gridsync/gridsync/internal/core/connection"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
)

// Connect handshake
//
// The initiator sends a connect packet carrying its node ID, the request ID
// its SyncConnect blocks on, the launch request ID when it was auto-launched
// (0 otherwise), and its connection descriptions. The listener binds the
// connection to a peer handle and answers with a connect reply echoing the
// request ID plus its own identity.

func (n *Node) writeConnectPacket(conn connection.Connection, requestID, launchID uint32) error {
	w := packet.NewWriter().
		String(string(n.id)).
		Uint32(requestID).
		Uint32(launchID)
	encodeDescriptions(w, n.ConnectionDescriptions())

	p := &packet.Packet{Command: packet.CmdNodeConnect, Payload: w.Payload()}
	return writeFrame(conn, p)
}

func writeFrame(conn connection.Connection, p *packet.Packet) error {
	frame := p.Encode()
	written, err := conn.Write(frame)
	if err != nil {
		return err
	}
	if written != len(frame) {
		return fmt.Errorf("short write %d of %d bytes", written, len(frame))
	}
	return nil
}

func (n *Node) handleConnect(conn connection.Connection, p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	peerID := ID(r.String())
	replyRequestID := r.Uint32()
	launchID := r.Uint32()
	descs := decodeDescriptions(r)
	if r.Err() != nil {
		n.log.Warn("malformed connect packet", log.Error(r.Err()))
		n.dropConnection(conn)
		return
	}

	n.mu.Lock()
	peer := n.launchPeers[launchID]
	if launchID != 0 {
		delete(n.launchPeers, launchID)
	}
	n.mu.Unlock()
	if peer == nil {
		peer = NewPeer()
	}

	peer.id = peerID
	peer.mu.Lock()
	peer.descriptions = descs
	peer.mu.Unlock()
	peer.setConnection(conn)
	peer.state.Store(int32(StateConnected))

	n.mu.Lock()
	n.peers[peerID] = peer
	n.byConn[conn] = peer
	n.mu.Unlock()

	w := packet.NewWriter().
		Uint32(replyRequestID).
		String(string(n.id))
	encodeDescriptions(w, n.ConnectionDescriptions())
	reply := &packet.Packet{Command: packet.CmdNodeConnectReply, Payload: w.Payload()}
	if err := peer.write(n.bufPool, reply); err != nil {
		n.log.Warn("connect reply failed",
			log.String("peer_id", string(peerID)), log.Error(err))
		_ = n.Disconnect(peer)
		return
	}

	if launchID != 0 {
		_ = n.requests.Serve(launchID, peer.id)
	}
	n.log.Info("peer connected",
		log.String("peer_id", string(peerID)),
		log.Bool("launched", launchID != 0))
}

func (n *Node) handleConnectReply(conn connection.Connection, p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	peerID := ID(r.String())
	descs := decodeDescriptions(r)
	if r.Err() != nil {
		n.log.Warn("malformed connect reply", log.Error(r.Err()))
		n.dropConnection(conn)
		return
	}

	n.mu.Lock()
	peer := n.byConn[conn]
	n.mu.Unlock()
	if peer == nil {
		n.log.Warn("connect reply on unbound connection",
			log.String("peer_id", string(peerID)))
		return
	}

	// The handle adopts the remote's real identity; tracked requests keyed by
	// the provisional ID move with it.
	oldID := peer.id
	peer.id = peerID
	peer.mu.Lock()
	if len(peer.descriptions) == 0 {
		peer.descriptions = descs
	}
	peer.mu.Unlock()

	n.mu.Lock()
	delete(n.peers, oldID)
	n.peers[peerID] = peer
	if reqs, ok := n.peerRequests[oldID]; ok {
		delete(n.peerRequests, oldID)
		n.peerRequests[peerID] = reqs
	}
	n.mu.Unlock()

	peer.state.Store(int32(StateConnected))
	n.untrackRequest(peerID, requestID)
	_ = n.requests.Serve(requestID, peer.id)

	n.log.Info("connected to peer", log.String("peer_id", string(peerID)))
}

func (n *Node) handleStop(from *Node) {
	var fromID ID
	if from != nil {
		fromID = from.id
	}
	n.log.Info("stop requested", log.String("peer_id", string(fromID)))
	go func() { _ = n.StopListening() }()
}

// StopPeer asks a remote node to stop listening and shut down.
func (n *Node) StopPeer(ctx context.Context, peer *Node) error {
	return n.Send(ctx, peer, &packet.Packet{Command: packet.CmdNodeStop})
}

// Session mapping
//
// Session IDs are allocated by the session's server node, seeded from a hash
// of the session name so the same name maps to the same ID across runs, with
// a linear probe past collisions. ID 0 stays reserved for node commands.

func (n *Node) allocateSessionIDLocked(name string) uint32 {
	id := uint32(xxhash.Sum64String(name))
	for {
		if id != 0 {
			if _, taken := n.sessionIDs[id]; !taken {
				return id
			}
		}
		id++
	}
}

// MapSession maps the named session on its server node and returns the
// allocated session ID. Mapping the same name twice yields the same ID. When
// server is this node (or nil) the mapping is local; otherwise the server
// allocates and the handler is registered here for inbound routing.
func (n *Node) MapSession(ctx context.Context, server *Node, handler SessionHandler, name string) (uint32, error) {
	if n.State() != StateListening {
		return 0, ErrNotListening
	}
	if server == nil || server.id == n.id {
		n.mu.Lock()
		id, ok := n.sessionNames[name]
		if !ok {
			id = n.allocateSessionIDLocked(name)
			n.sessionIDs[id] = name
			n.sessionNames[name] = id
		}
		if handler != nil {
			n.sessions[id] = handler
		}
		n.mu.Unlock()
		return id, nil
	}
	return n.mapRemoteSession(ctx, server, handler, 0, name)
}

// MapSessionID maps a session whose ID is already known, e.g. learned out of
// band from the node that created it. The server refuses IDs it never
// allocated.
func (n *Node) MapSessionID(ctx context.Context, server *Node, handler SessionHandler, sessionID uint32, name string) (uint32, error) {
	if sessionID == 0 {
		return 0, ErrReservedSessionID
	}
	if n.State() != StateListening {
		return 0, ErrNotListening
	}
	if server == nil || server.id == n.id {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.sessionIDs[sessionID]; !ok {
			return 0, ErrSessionNotFound
		}
		if handler != nil {
			n.sessions[sessionID] = handler
		}
		return sessionID, nil
	}
	return n.mapRemoteSession(ctx, server, handler, sessionID, name)
}

func (n *Node) mapRemoteSession(ctx context.Context, server *Node, handler SessionHandler, sessionID uint32, name string) (uint32, error) {
	requestID := n.RegisterRequest(server.id)

	w := packet.NewWriter().
		Uint32(requestID).
		Uint32(sessionID).
		String(name)
	p := &packet.Packet{Command: packet.CmdNodeMapSession, Payload: w.Payload()}
	if err := n.Send(ctx, server, p); err != nil {
		n.AbortRequest(server.id, requestID)
		return 0, err
	}

	result, err := n.WaitRequest(ctx, server.id, requestID)
	if err != nil {
		return 0, err
	}
	granted, _ := result.(uint32)
	if granted == 0 {
		return 0, ErrMapSessionRefused
	}

	n.mu.Lock()
	if handler != nil {
		n.sessions[granted] = handler
	}
	n.sessionIDs[granted] = name
	n.sessionNames[name] = granted
	n.mu.Unlock()
	return granted, nil
}

// UnmapSession removes the local handler for sessionID and, when the session
// lives on a remote server, releases the mapping there.
func (n *Node) UnmapSession(ctx context.Context, server *Node, sessionID uint32) error {
	n.mu.Lock()
	delete(n.sessions, sessionID)
	local := server == nil || server.id == n.id
	if local {
		name, ok := n.sessionIDs[sessionID]
		if !ok {
			n.mu.Unlock()
			return ErrSessionNotFound
		}
		delete(n.sessionIDs, sessionID)
		delete(n.sessionNames, name)
	} else {
		if name, ok := n.sessionIDs[sessionID]; ok {
			delete(n.sessionIDs, sessionID)
			delete(n.sessionNames, name)
		}
	}
	n.mu.Unlock()
	if local {
		return nil
	}

	requestID := n.RegisterRequest(server.id)
	w := packet.NewWriter().Uint32(requestID).Uint32(sessionID)
	p := &packet.Packet{Command: packet.CmdNodeUnmapSession, Payload: w.Payload()}
	if err := n.Send(ctx, server, p); err != nil {
		n.AbortRequest(server.id, requestID)
		return err
	}
	_, err := n.WaitRequest(ctx, server.id, requestID)
	return err
}

// SessionName returns the name mapped to sessionID on this node.
func (n *Node) SessionName(sessionID uint32) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	name, ok := n.sessionIDs[sessionID]
	return name, ok
}

func (n *Node) handleMapSession(from *Node, p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	sessionID := r.Uint32()
	name := r.String()
	if r.Err() != nil || from == nil {
		n.log.Warn("malformed map session packet", log.Error(r.Err()))
		return
	}

	var granted uint32
	n.mu.Lock()
	switch {
	case sessionID != 0:
		if _, ok := n.sessionIDs[sessionID]; ok {
			granted = sessionID
		}
	default:
		if existing, ok := n.sessionNames[name]; ok {
			granted = existing
		} else {
			granted = n.allocateSessionIDLocked(name)
			n.sessionIDs[granted] = name
			n.sessionNames[name] = granted
		}
	}
	n.mu.Unlock()

	w := packet.NewWriter().Uint32(requestID).Uint32(granted)
	reply := &packet.Packet{Command: packet.CmdNodeMapSessionReply, Payload: w.Payload()}
	if err := from.write(n.bufPool, reply); err != nil {
		n.log.Warn("map session reply failed",
			log.String("peer_id", string(from.id)), log.Error(err))
	}
}

func (n *Node) handleMapSessionReply(p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	sessionID := r.Uint32()
	if r.Err() != nil {
		n.log.Warn("malformed map session reply", log.Error(r.Err()))
		return
	}
	_ = n.requests.Serve(requestID, sessionID)
}

func (n *Node) handleUnmapSession(from *Node, p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	sessionID := r.Uint32()
	if r.Err() != nil || from == nil {
		n.log.Warn("malformed unmap session packet", log.Error(r.Err()))
		return
	}

	n.mu.Lock()
	name, ok := n.sessionIDs[sessionID]
	if ok {
		delete(n.sessionIDs, sessionID)
		delete(n.sessionNames, name)
	}
	n.mu.Unlock()

	w := packet.NewWriter().Uint32(requestID).Bool(ok)
	reply := &packet.Packet{Command: packet.CmdNodeUnmapSessionReply, Payload: w.Payload()}
	if err := from.write(n.bufPool, reply); err != nil {
		n.log.Warn("unmap session reply failed",
			log.String("peer_id", string(from.id)), log.Error(err))
	}
}

func (n *Node) handleUnmapSessionReply(p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	ok := r.Bool()
	if r.Err() != nil {
		n.log.Warn("malformed unmap session reply", log.Error(r.Err()))
		return
	}
	if !ok {
		_ = n.requests.Fail(requestID, ErrSessionNotFound)
		return
	}
	_ = n.requests.Serve(requestID, nil)
}

// FetchConnectionDescription asks a connected peer for its description at
// index, for discovering alternate ways to reach it.
func (n *Node) FetchConnectionDescription(ctx context.Context, peer *Node, index int) (*connection.Description, error) {
	requestID := n.RegisterRequest(peer.id)

	w := packet.NewWriter().Uint32(requestID).Uint32(uint32(index))
	p := &packet.Packet{Command: packet.CmdNodeGetConnDescription, Payload: w.Payload()}
	if err := n.Send(ctx, peer, p); err != nil {
		n.AbortRequest(peer.id, requestID)
		return nil, err
	}

	result, err := n.WaitRequest(ctx, peer.id, requestID)
	if err != nil {
		return nil, err
	}
	desc, _ := result.(*connection.Description)
	if desc == nil {
		return nil, ErrDescriptionMissing
	}
	return desc, nil
}

func (n *Node) handleGetConnDescription(from *Node, p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	index := r.Uint32()
	if r.Err() != nil || from == nil {
		n.log.Warn("malformed description request", log.Error(r.Err()))
		return
	}

	desc := n.ConnectionDescription(int(index))
	w := packet.NewWriter().Uint32(requestID).Bool(desc != nil)
	if desc != nil {
		encodeDescription(w, desc)
	}
	reply := &packet.Packet{Command: packet.CmdNodeGetConnDescriptionReply, Payload: w.Payload()}
	if err := from.write(n.bufPool, reply); err != nil {
		n.log.Warn("description reply failed",
			log.String("peer_id", string(from.id)), log.Error(err))
	}
}

func (n *Node) handleGetConnDescriptionReply(p *packet.Packet) {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	found := r.Bool()
	if r.Err() != nil {
		n.log.Warn("malformed description reply", log.Error(r.Err()))
		return
	}
	if !found {
		_ = n.requests.Fail(requestID, ErrDescriptionMissing)
		return
	}
	desc := decodeDescription(r)
	if r.Err() != nil {
		_ = n.requests.Fail(requestID, r.Err())
		return
	}
	_ = n.requests.Serve(requestID, desc)
}

// Wire codec for connection descriptions.

func encodeDescriptions(w *packet.Writer, descs []*connection.Description) {
	w.Uint32(uint32(len(descs)))
	for _, d := range descs {
		encodeDescription(w, d)
	}
}

func encodeDescription(w *packet.Writer, d *connection.Description) {
	w.String(string(d.Type)).
		String(d.Hostname).
		Uint32(uint32(d.Port)).
		String(d.LaunchCommand).
		Uint64(uint64(d.LaunchTimeout)).
		Uint32(d.Bandwidth)
}

func decodeDescriptions(r *packet.Reader) []*connection.Description {
	count := r.Uint32()
	if r.Err() != nil {
		return nil
	}
	out := make([]*connection.Description, 0, min(count, 16))
	for i := uint32(0); i < count; i++ {
		d := decodeDescription(r)
		if r.Err() != nil {
			return nil
		}
		out = append(out, d)
	}
	return out
}

func decodeDescription(r *packet.Reader) *connection.Description {
	return &connection.Description{
		Type:          connection.Type(r.String()),
		Hostname:      r.String(),
		Port:          int(r.Uint32()),
		LaunchCommand: r.String(),
		LaunchTimeout: time.Duration(r.Uint64()),
		Bandwidth:     r.Uint32(),
	}
}
