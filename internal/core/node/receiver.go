package node

import (
	"errors"
	"io"

	"github.com/gridsync/gridsync/internal/core/connection"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
)

// runReceiver is the node's single dispatch goroutine. It consumes connection
// events and posted commands until the stop channel closes, then drains the
// command queue so no posted closure is silently lost. All state the handlers
// touch without the node mutex is owned by this goroutine.
func (n *Node) runReceiver() {
	defer close(n.receiverDone)

	for {
		select {
		case <-n.stopCh:
			n.commands.Close()
			n.commands.Drain()
			return

		case fn := <-n.commands.Commands():
			fn()

		case ev := <-n.set.Events():
			switch ev.Type {
			case connection.EventConnect:
				n.handleNewConnection(ev.Connection)
			case connection.EventDisconnect:
				n.handleConnectionLoss(ev.Connection, ev.Err)
			case connection.EventPacket:
				n.handleFrame(ev.Connection, ev.Frame)
			}
		}

		n.redispatchPending()
	}
}

// handleNewConnection starts reading from an accepted connection. The peer
// behind it is unknown until its connect packet arrives.
func (n *Node) handleNewConnection(conn connection.Connection) {
	if err := n.set.AddConnection(conn); err != nil {
		n.log.Warn("rejecting accepted connection", log.Error(err))
		_ = conn.Close()
	}
}

func (n *Node) handleConnectionLoss(conn connection.Connection, err error) {
	n.mu.Lock()
	peer := n.byConn[conn]
	n.mu.Unlock()

	if peer == nil {
		_ = conn.Close()
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		n.log.Warn("connection to peer failed",
			log.String("peer_id", string(peer.id)), log.Error(err))
	}
	_ = n.Disconnect(peer)
}

func (n *Node) handleFrame(conn connection.Connection, frame []byte) {
	p, err := packet.Decode(frame)
	if err != nil {
		n.log.Warn("malformed frame, dropping connection", log.Error(err))
		n.dropConnection(conn)
		return
	}

	n.mu.Lock()
	from := n.byConn[conn]
	n.mu.Unlock()

	n.dispatchPacket(conn, from, p)
}

// dispatchPacket routes one decoded packet. Session ID 0 selects the node
// command table; anything else selects a mapped session. Packets for a
// session that is not mapped yet are parked and retried on later dispatch
// rounds, covering mapping replies that race ahead of the data addressed to
// the new session.
func (n *Node) dispatchPacket(conn connection.Connection, from *Node, p *packet.Packet) {
	if p.SessionID == 0 {
		n.dispatchNodeCommand(conn, from, p)
		return
	}

	var fromID ID
	if from != nil {
		fromID = from.id
	}
	if n.dispatchToSession(fromID, p) {
		return
	}
	n.pendingPackets = append(n.pendingPackets, &delayedPacket{from: fromID, pkt: p})
}

func (n *Node) dispatchToSession(from ID, p *packet.Packet) bool {
	n.mu.Lock()
	s := n.sessions[p.SessionID]
	n.mu.Unlock()
	if s == nil {
		return false
	}
	if err := s.DispatchPacket(from, p); err != nil {
		if errors.Is(err, ErrUnroutable) {
			return false
		}
		n.log.Error("session dispatch failed",
			log.Uint32("session_id", p.SessionID),
			log.String("command", p.Command.String()),
			log.Error(err))
	}
	return true
}

// redispatchPending retries parked packets after every dispatch round and
// drops the ones that stay unroutable too long.
func (n *Node) redispatchPending() {
	if len(n.pendingPackets) == 0 {
		return
	}
	queued := n.pendingPackets
	n.pendingPackets = nil

	for _, d := range queued {
		if n.dispatchToSession(d.from, d.pkt) {
			continue
		}
		d.retries++
		if d.retries >= maxRedispatch {
			n.log.Warn("dropping unroutable packet",
				log.Uint32("session_id", d.pkt.SessionID),
				log.String("command", d.pkt.Command.String()),
				log.Int("retries", d.retries))
			continue
		}
		n.pendingPackets = append(n.pendingPackets, d)
	}
}

func (n *Node) dispatchNodeCommand(conn connection.Connection, from *Node, p *packet.Packet) {
	switch p.Command {
	case packet.CmdNodeConnect:
		n.handleConnect(conn, p)
	case packet.CmdNodeConnectReply:
		n.handleConnectReply(conn, p)
	case packet.CmdNodeStop:
		n.handleStop(from)
	case packet.CmdNodeMapSession:
		n.handleMapSession(from, p)
	case packet.CmdNodeMapSessionReply:
		n.handleMapSessionReply(p)
	case packet.CmdNodeUnmapSession:
		n.handleUnmapSession(from, p)
	case packet.CmdNodeUnmapSessionReply:
		n.handleUnmapSessionReply(p)
	case packet.CmdNodeGetConnDescription:
		n.handleGetConnDescription(from, p)
	case packet.CmdNodeGetConnDescriptionReply:
		n.handleGetConnDescriptionReply(p)
	default:
		n.mu.Lock()
		fn := n.handlers[p.Command]
		n.mu.Unlock()
		if fn == nil {
			n.log.Warn("unhandled node command", log.String("command", p.Command.String()))
			return
		}
		var fromID ID
		if from != nil {
			fromID = from.id
		}
		if err := fn(fromID, p); err != nil {
			n.log.Error("node command handler failed",
				log.String("command", p.Command.String()), log.Error(err))
		}
	}
}

// dropConnection removes a misbehaving connection, disconnecting its peer
// when the handshake already bound one.
func (n *Node) dropConnection(conn connection.Connection) {
	n.mu.Lock()
	peer := n.byConn[conn]
	n.mu.Unlock()

	if peer != nil {
		_ = n.Disconnect(peer)
		return
	}
	n.set.RemoveConnection(conn)
	_ = conn.Close()
}
