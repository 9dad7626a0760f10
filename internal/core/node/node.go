// Package node manages one cluster process: its identity, its connections to
// peer nodes, and the receiver goroutine that dispatches incoming packets to
// node command handlers and mapped sessions.
//
// A listening node owns a connection set and a single receiver goroutine;
// all packet decoding, command dispatch and node-state mutation run on that
// goroutine, while application goroutines block on requests until the
// receiver resolves them. Peer nodes are represented by the same Node type
// holding the connection through which they are reachable.
package node

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gridsync/gridsync/internal/core/connection"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
	"github.com/gridsync/gridsync/internal/core/request"
	"github.com/gridsync/gridsync/pkg/generic"
)

// ID identifies a node cluster-wide. Assigned at construction, immutable for
// the node's lifetime; a peer handle adopts the remote's ID during the
// connect handshake.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// State is the connectivity state of a node.
type State int32

const (
	// StateStopped is the initial state.
	StateStopped State = iota
	// StateLaunched marks a remote node that was dialed or launched and has
	// not completed the connect handshake yet.
	StateLaunched
	// StateConnected marks a reachable remote node.
	StateConnected
	// StateListening marks the local node, serving its receiver loop.
	StateListening
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateLaunched:
		return "launched"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	default:
		return "unknown"
	}
}

// CommandFunc handles an application-defined node command.
type CommandFunc func(from ID, p *packet.Packet) error

// SessionHandler is the hook a mapped session registers with its node. The
// node forwards packets addressed to the session's ID and reports peer
// disconnects; both calls run on the receiver goroutine.
type SessionHandler interface {
	SessionID() uint32
	DispatchPacket(from ID, p *packet.Packet) error
	NotifyDisconnect(peer ID)
}

type delayedPacket struct {
	from    ID
	pkt     *packet.Packet
	retries int
}

// maxRedispatch bounds how many dispatch rounds an unroutable packet
// survives before being dropped. Covers object-creation packets racing
// ahead of the data packets addressed to them.
const maxRedispatch = 7

// Node is one cluster process, or the local handle of a remote one.
type Node struct {
	id    ID
	state atomic.Int32

	mu           sync.Mutex
	peers        map[ID]*Node
	byConn       map[connection.Connection]*Node
	launchPeers  map[uint32]*Node
	sessions     map[uint32]SessionHandler
	sessionIDs   map[uint32]string
	sessionNames map[string]uint32
	handlers     map[packet.Command]CommandFunc
	peerRequests map[ID]map[uint32]struct{}
	descriptions []*connection.Description

	// Remote peer handles only: the connection to the peer and the launch
	// deadline of a pending auto-launch.
	conn          connection.Connection
	writeMu       sync.Mutex
	launchTimeout time.Duration

	// Local listening node only.
	listenDesc   *connection.Description
	listener     connection.Listener
	set          *connection.Set
	requests     *request.Handler
	commands     *request.CommandQueue
	stopOnce     *sync.Once
	stopCh       chan struct{}
	receiverDone chan struct{}

	pendingPackets []*delayedPacket

	autoLaunch bool
	bufPool    *generic.Pool[[]byte]
	log        log.Log
}

// New constructs a node with a fresh cluster-unique ID.
func New(logger log.Log) *Node {
	if logger == nil {
		logger = log.Provide()
	}
	id := NewID()
	n := &Node{
		id:           id,
		peers:        make(map[ID]*Node),
		byConn:       make(map[connection.Connection]*Node),
		launchPeers:  make(map[uint32]*Node),
		sessions:     make(map[uint32]SessionHandler),
		sessionIDs:   make(map[uint32]string),
		sessionNames: make(map[string]uint32),
		handlers:     make(map[packet.Command]CommandFunc),
		peerRequests: make(map[ID]map[uint32]struct{}),
		bufPool:      generic.NewBytePool(1024),
		log:          logger.With(log.String("node_id", string(id))),
	}
	n.requests = request.NewHandler(n.log)
	n.commands = request.NewCommandQueue(0)
	return n
}

// NewPeer constructs the local handle of a remote node reachable through the
// given connection descriptions. Its real ID is learned at handshake time.
func NewPeer(descs ...*connection.Description) *Node {
	return &Node{
		id:           NewID(),
		descriptions: descs,
		log:          log.Provide(),
	}
}

func (n *Node) ID() ID { return n.id }

func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) IsConnected() bool { return n.State() == StateConnected }
func (n *Node) IsListening() bool { return n.State() == StateListening }

// Requests exposes the node's request correlation table to the session
// layer, which shares it for its own reply packets.
func (n *Node) Requests() *request.Handler { return n.requests }

// PostCommand schedules fn onto the receiver goroutine, serializing it with
// packet dispatch.
func (n *Node) PostCommand(fn func()) error { return n.commands.Push(fn) }

// SetAutoLaunch enables launching unreachable peers via their descriptions'
// launch commands.
func (n *Node) SetAutoLaunch(v bool) { n.autoLaunch = v }

// AddConnectionDescription appends a way this node can be reached.
func (n *Node) AddConnectionDescription(d *connection.Description) {
	n.mu.Lock()
	n.descriptions = append(n.descriptions, d)
	n.mu.Unlock()
}

// RemoveConnectionDescription removes the description at index.
func (n *Node) RemoveConnectionDescription(index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.descriptions) {
		return ErrDescriptionMissing
	}
	n.descriptions = append(n.descriptions[:index], n.descriptions[index+1:]...)
	return nil
}

// ConnectionDescriptions returns a snapshot of the node's descriptions.
func (n *Node) ConnectionDescriptions() []*connection.Description {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*connection.Description, len(n.descriptions))
	copy(out, n.descriptions)
	return out
}

// ConnectionDescription returns the description at index, or nil.
func (n *Node) ConnectionDescription(index int) *connection.Description {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.descriptions) {
		return nil
	}
	return n.descriptions[index]
}

// ListenAddress returns the bound listener address, empty when not
// listening. Useful with port-0 descriptions.
func (n *Node) ListenAddress() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// GetPeer returns the connected peer with the given ID.
func (n *Node) GetPeer(id ID) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	return p, ok
}

// Peers returns the IDs of all connected peers.
func (n *Node) Peers() []ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// RegisterCommand installs a handler for an application command code. Codes
// below packet.CmdNodeCustom are reserved.
func (n *Node) RegisterCommand(cmd packet.Command, fn CommandFunc) error {
	if cmd < packet.CmdNodeCustom {
		return ErrReservedCommand
	}
	n.mu.Lock()
	n.handlers[cmd] = fn
	n.mu.Unlock()
	return nil
}

// Listen transitions the node from stopped to listening: it binds the
// given connection description (a process-local pipe endpoint when nil),
// registers it with a fresh connection set and starts the receiver
// goroutine. Fails without state change when already listening.
func (n *Node) Listen(desc *connection.Description) error {
	if !n.state.CompareAndSwap(int32(StateStopped), int32(StateListening)) {
		return ErrAlreadyListening
	}

	if desc == nil {
		desc = &connection.Description{
			Type:     connection.TypePipe,
			Hostname: "node-" + string(n.id),
		}
	}

	listener, err := connection.Listen(desc)
	if err != nil {
		n.state.Store(int32(StateStopped))
		return fmt.Errorf("listen %s: %w", desc, err)
	}

	n.mu.Lock()
	n.listenDesc = desc
	n.listener = listener
	n.set = connection.NewSet(n.log)
	n.stopOnce = &sync.Once{}
	n.stopCh = make(chan struct{})
	n.receiverDone = make(chan struct{})
	n.descriptions = append(n.descriptions, desc)
	n.mu.Unlock()

	if err := n.set.AddListener(listener); err != nil {
		_ = listener.Close()
		n.state.Store(int32(StateStopped))
		return err
	}

	go n.runReceiver()

	n.log.Info("node listening",
		log.String("transport", string(desc.Type)),
		log.String("address", listener.Addr().String()))
	return nil
}

// StopListening terminates the receiver goroutine, disconnects all peers and
// returns the node to the stopped state.
func (n *Node) StopListening() error {
	if n.State() != StateListening {
		return ErrNotListening
	}

	n.triggerStop()
	<-n.receiverDone

	n.mu.Lock()
	peers := make([]*Node, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	for _, p := range peers {
		_ = n.Disconnect(p)
	}

	_ = n.set.Close()
	_ = n.listener.Close()
	n.set.Wait()
	n.requests.FailAll(ErrConnectionLost)

	// The listen description is only reachable while listening.
	n.mu.Lock()
	for i, d := range n.descriptions {
		if d == n.listenDesc {
			n.descriptions = append(n.descriptions[:i], n.descriptions[i+1:]...)
			break
		}
	}
	n.listenDesc = nil
	n.mu.Unlock()

	n.state.Store(int32(StateStopped))

	n.log.Info("node stopped listening")
	return nil
}

func (n *Node) triggerStop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

// Connect dials or launches peer using its connection descriptions and
// blocks until the handshake completes. On failure the peer's state is
// unchanged.
func (n *Node) Connect(ctx context.Context, peer *Node) error {
	requestID, err := n.InitConnect(ctx, peer)
	if err != nil {
		return err
	}
	return n.SyncConnect(ctx, requestID, peer)
}

// ConnectAll connects to all peers concurrently, failing on the first error.
func (n *Node) ConnectAll(ctx context.Context, peers []*Node) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			return n.Connect(ctx, peer)
		})
	}
	return g.Wait()
}

// InitConnect starts connecting to peer and returns the pending request ID
// to pass to SyncConnect. Each stored connection description is tried in
// order: direct dial first, then, with auto-launch enabled, the
// description's launch command with an awaited callback connection.
func (n *Node) InitConnect(ctx context.Context, peer *Node) (uint32, error) {
	if n.State() != StateListening {
		return 0, ErrNotListening
	}
	switch peer.State() {
	case StateConnected:
		return 0, ErrAlreadyConnected
	case StateLaunched:
		return 0, fmt.Errorf("%w: connect already in progress", ErrAlreadyConnected)
	}

	descs := peer.ConnectionDescriptions()
	if len(descs) == 0 {
		return 0, ErrNoDescriptions
	}

	for _, desc := range descs {
		conn, err := connection.Dial(ctx, desc)
		if err == nil {
			requestID := n.RegisterRequest(peer.id)
			if werr := n.writeConnectPacket(conn, requestID, 0); werr != nil {
				n.AbortRequest(peer.id, requestID)
				_ = conn.Close()
				n.log.Warn("connect handshake write failed",
					log.String("description", desc.String()), log.Error(werr))
				continue
			}
			n.mu.Lock()
			n.byConn[conn] = peer
			n.mu.Unlock()
			peer.setConnection(conn)
			peer.state.Store(int32(StateLaunched))
			if aerr := n.set.AddConnection(conn); aerr != nil {
				return 0, aerr
			}
			return requestID, nil
		}

		n.log.Debug("direct connect failed",
			log.String("description", desc.String()), log.Error(err))

		if !n.autoLaunch || desc.LaunchCommand == "" {
			continue
		}

		requestID := n.requests.Register()
		command := connection.ExpandLaunchCommand(desc.LaunchCommand, map[byte]string{
			'h': desc.Hostname,
			'a': n.ListenAddress(),
			'r': strconv.FormatUint(uint64(requestID), 10),
			'n': string(peer.id),
		})
		if lerr := connection.LaunchProcess(command, n.log); lerr != nil {
			n.requests.Unregister(requestID)
			n.log.Warn("launch failed",
				log.String("description", desc.String()), log.Error(lerr))
			continue
		}
		n.mu.Lock()
		n.launchPeers[requestID] = peer
		n.mu.Unlock()
		peer.launchTimeout = desc.LaunchTimeout
		if peer.launchTimeout <= 0 {
			peer.launchTimeout = connection.DefaultLaunchTimeout
		}
		peer.state.Store(int32(StateLaunched))
		return requestID, nil
	}

	return 0, fmt.Errorf("%w: all %d descriptions exhausted", ErrConnectFailed, len(descs))
}

// SyncConnect blocks on the request returned by InitConnect. On success the
// peer is connected; on failure its state is reset to stopped.
func (n *Node) SyncConnect(ctx context.Context, requestID uint32, peer *Node) error {
	if peer.launchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, peer.launchTimeout)
		defer cancel()
	}

	_, err := n.requests.Wait(ctx, requestID)
	if err != nil {
		n.untrackRequest(peer.id, requestID)
		conn := peer.connection()
		n.mu.Lock()
		delete(n.launchPeers, requestID)
		if conn != nil {
			delete(n.byConn, conn)
		}
		n.mu.Unlock()
		if conn != nil {
			n.set.RemoveConnection(conn)
			_ = conn.Close()
			peer.setConnection(nil)
		}
		peer.state.Store(int32(StateStopped))
		peer.launchTimeout = 0
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	peer.launchTimeout = 0
	return nil
}

// ConnectBack dials the node that launched this process and completes the
// handshake, resolving the launcher's pending launch request.
func (n *Node) ConnectBack(ctx context.Context, desc *connection.Description, launchID uint32) (*Node, error) {
	if n.State() != StateListening {
		return nil, ErrNotListening
	}

	conn, err := connection.Dial(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	peer := NewPeer(desc)
	requestID := n.RegisterRequest(peer.id)
	if err := n.writeConnectPacket(conn, requestID, launchID); err != nil {
		n.AbortRequest(peer.id, requestID)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	n.mu.Lock()
	n.byConn[conn] = peer
	n.mu.Unlock()
	peer.setConnection(conn)
	peer.state.Store(int32(StateLaunched))
	if err := n.set.AddConnection(conn); err != nil {
		return nil, err
	}

	if err := n.SyncConnect(ctx, requestID, peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// Disconnect removes peer from the connected set and closes its connection.
// Best-effort: it always succeeds locally, even if the remote end is gone.
func (n *Node) Disconnect(peer *Node) error {
	conn := peer.connection()
	n.mu.Lock()
	delete(n.peers, peer.id)
	if conn != nil {
		delete(n.byConn, conn)
	}
	pending := n.peerRequests[peer.id]
	delete(n.peerRequests, peer.id)
	sessions := n.sessionSnapshotLocked()
	n.mu.Unlock()

	if conn != nil {
		if n.set != nil {
			n.set.RemoveConnection(conn)
		}
		_ = conn.Close()
		peer.setConnection(nil)
	}
	peer.state.Store(int32(StateStopped))

	for id := range pending {
		_ = n.requests.Fail(id, ErrConnectionLost)
	}
	for _, s := range sessions {
		s.NotifyDisconnect(peer.id)
	}

	n.log.Info("peer disconnected", log.String("peer_id", string(peer.id)))
	return nil
}

// Send transmits a packet to peer as one atomic frame. A stopped peer is
// connected on demand via its stored descriptions.
func (n *Node) Send(ctx context.Context, peer *Node, p *packet.Packet) error {
	if peer.id == n.id {
		return n.dispatchLocal(p)
	}
	if err := n.checkConnection(ctx, peer); err != nil {
		return err
	}
	return peer.write(n.bufPool, p)
}

// SendTo transmits a packet to the connected peer with the given ID.
func (n *Node) SendTo(ctx context.Context, peerID ID, p *packet.Packet) error {
	if peerID == n.id {
		return n.dispatchLocal(p)
	}
	peer, ok := n.GetPeer(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return n.Send(ctx, peer, p)
}

// checkConnection ensures peer is reachable, connecting a stopped peer on
// the spot.
func (n *Node) checkConnection(ctx context.Context, peer *Node) error {
	switch peer.State() {
	case StateConnected:
		return nil
	case StateStopped:
		return n.Connect(ctx, peer)
	default:
		return ErrNotConnected
	}
}

// dispatchLocal routes a packet addressed to this node through the receiver
// goroutine, preserving single-writer dispatch for loopback sends.
func (n *Node) dispatchLocal(p *packet.Packet) error {
	if n.State() != StateListening {
		return ErrNotListening
	}
	return n.commands.Push(func() {
		n.dispatchPacket(nil, n, p)
	})
}

func (n *Node) setConnection(c connection.Connection) {
	n.writeMu.Lock()
	n.conn = c
	n.writeMu.Unlock()
}

func (n *Node) connection() connection.Connection {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn
}

// write frames and sends one packet over the peer's connection, serializing
// concurrent writers.
func (n *Node) write(pool *generic.Pool[[]byte], p *packet.Packet) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if n.conn == nil {
		return ErrNotConnected
	}

	buf := pool.Get()
	frame := p.Append(buf[:0])
	written, err := n.conn.Write(frame)
	pool.Put(frame)
	if err != nil {
		return fmt.Errorf("send to %s: %w", n.id, err)
	}
	if written != len(frame) {
		return fmt.Errorf("send to %s: short write %d of %d bytes", n.id, written, len(frame))
	}
	return nil
}

// RegisterRequest registers a pending request correlated with the peer it
// will be served by. Losing the connection to that peer fails the request
// with ErrConnectionLost instead of leaving the caller to its deadline.
func (n *Node) RegisterRequest(peerID ID) uint32 {
	requestID := n.requests.Register()
	n.trackRequest(peerID, requestID)
	return requestID
}

// WaitRequest blocks on a request registered with RegisterRequest and drops
// the peer correlation once it resolves.
func (n *Node) WaitRequest(ctx context.Context, peerID ID, requestID uint32) (any, error) {
	result, err := n.requests.Wait(ctx, requestID)
	n.untrackRequest(peerID, requestID)
	return result, err
}

// AbortRequest abandons a request that will never be served, e.g. when the
// packet carrying it could not be sent.
func (n *Node) AbortRequest(peerID ID, requestID uint32) {
	n.untrackRequest(peerID, requestID)
	n.requests.Unregister(requestID)
}

func (n *Node) trackRequest(peerID ID, requestID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.peerRequests[peerID]
	if !ok {
		set = make(map[uint32]struct{})
		n.peerRequests[peerID] = set
	}
	set[requestID] = struct{}{}
}

func (n *Node) untrackRequest(peerID ID, requestID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set, ok := n.peerRequests[peerID]; ok {
		delete(set, requestID)
	}
}

func (n *Node) sessionSnapshotLocked() []SessionHandler {
	out := make([]SessionHandler, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

func (n *Node) String() string {
	return fmt.Sprintf("node %s (%s)", n.id, n.State())
}
