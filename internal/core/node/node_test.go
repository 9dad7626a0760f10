package node

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridsync/gridsync/internal/core/connection"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startNode(t *testing.T) *Node {
	n := New(log.New(log.LevelError))
	desc := &connection.Description{Type: connection.TypeTCP, Hostname: "127.0.0.1"}
	require.NoError(t, n.Listen(desc))
	t.Cleanup(func() { _ = n.StopListening() })
	return n
}

func peerDescription(t *testing.T, target *Node) *connection.Description {
	host, portStr, err := net.SplitHostPort(target.ListenAddress())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &connection.Description{Type: connection.TypeTCP, Hostname: host, Port: port}
}

func TestListenStateTransitions(t *testing.T) {
	n := New(log.New(log.LevelError))
	require.Equal(t, StateStopped, n.State())

	require.NoError(t, n.Listen(nil))
	require.Equal(t, StateListening, n.State())

	require.ErrorIs(t, n.Listen(nil), ErrAlreadyListening)
	require.Equal(t, StateListening, n.State())

	require.NoError(t, n.StopListening())
	require.Equal(t, StateStopped, n.State())
	require.ErrorIs(t, n.StopListening(), ErrNotListening)
}

func TestConnectEndToEnd(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))
	require.True(t, peerA.IsConnected())
	require.Equal(t, a.ID(), peerA.ID())
	require.Contains(t, a.Peers(), b.ID())
	require.Contains(t, b.Peers(), a.ID())

	// connecting an already connected peer fails without state change
	require.ErrorIs(t, b.Connect(ctx, peerA), ErrAlreadyConnected)
	require.True(t, peerA.IsConnected())
}

func TestConnectFailureLeavesStateStopped(t *testing.T) {
	ctx := testContext(t)
	b := startNode(t)

	// nothing listens on port 1
	peer := NewPeer(&connection.Description{Type: connection.TypeTCP, Hostname: "127.0.0.1", Port: 1})
	err := b.Connect(ctx, peer)
	require.ErrorIs(t, err, ErrConnectFailed)
	require.Equal(t, StateStopped, peer.State())

	require.ErrorIs(t, b.Connect(ctx, NewPeer()), ErrNoDescriptions)
}

func TestFetchConnectionDescription(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))

	// index 0 is A's listen description; this one is only known to A
	a.AddConnectionDescription(&connection.Description{
		Type:          connection.TypeWebSocket,
		Hostname:      "render1",
		Port:          8080,
		LaunchCommand: "ssh %h noded --join %a",
		LaunchTimeout: 15 * time.Second,
		Bandwidth:     102400,
	})

	desc, err := b.FetchConnectionDescription(ctx, peerA, 1)
	require.NoError(t, err)
	require.Equal(t, connection.TypeWebSocket, desc.Type)
	require.Equal(t, "render1", desc.Hostname)
	require.Equal(t, 8080, desc.Port)
	require.Equal(t, "ssh %h noded --join %a", desc.LaunchCommand)
	require.Equal(t, 15*time.Second, desc.LaunchTimeout)
	require.EqualValues(t, 102400, desc.Bandwidth)

	_, err = b.FetchConnectionDescription(ctx, peerA, 7)
	require.ErrorIs(t, err, ErrDescriptionMissing)
}

func TestStopListeningRemovesListenDescription(t *testing.T) {
	n := New(log.New(log.LevelError))

	for i := 0; i < 2; i++ {
		require.NoError(t, n.Listen(nil))
		require.Len(t, n.ConnectionDescriptions(), 1)
		require.NoError(t, n.StopListening())
		require.Empty(t, n.ConnectionDescriptions())
	}
}

func TestCustomCommandDispatch(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))

	require.ErrorIs(t, a.RegisterCommand(packet.CmdNodeConnect, nil), ErrReservedCommand)

	got := make(chan *packet.Packet, 1)
	require.NoError(t, a.RegisterCommand(packet.CmdNodeCustom, func(from ID, p *packet.Packet) error {
		if from == b.ID() {
			got <- p
		}
		return nil
	}))

	payload := packet.NewWriter().String("frame 42 ready").Payload()
	require.NoError(t, b.SendTo(ctx, peerA.ID(), &packet.Packet{
		Command: packet.CmdNodeCustom,
		Payload: payload,
	}))

	select {
	case p := <-got:
		r := packet.NewReader(p.Payload)
		require.Equal(t, "frame 42 ready", r.String())
	case <-time.After(5 * time.Second):
		t.Fatal("command never dispatched")
	}
}

func TestDisconnectNotifiesAndResets(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))

	require.NoError(t, b.Disconnect(peerA))
	require.Equal(t, StateStopped, peerA.State())
	require.NotContains(t, b.Peers(), a.ID())

	// the remote side notices the closed connection
	require.Eventually(t, func() bool {
		for _, id := range a.Peers() {
			if id == b.ID() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMapSessionSharedName(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))

	idA, err := a.MapSession(ctx, nil, nil, "scene")
	require.NoError(t, err)
	require.NotZero(t, idA)

	// mapping the same name again yields the same ID
	again, err := a.MapSession(ctx, nil, nil, "scene")
	require.NoError(t, err)
	require.Equal(t, idA, again)

	idB, err := b.MapSession(ctx, peerA, nil, "scene")
	require.NoError(t, err)
	require.Equal(t, idA, idB)

	name, ok := b.SessionName(idB)
	require.True(t, ok)
	require.Equal(t, "scene", name)

	// re-attach by ID
	idC, err := b.MapSessionID(ctx, peerA, nil, idA, "scene")
	require.NoError(t, err)
	require.Equal(t, idA, idC)

	_, err = b.MapSessionID(ctx, peerA, nil, idA+12345, "other")
	require.ErrorIs(t, err, ErrMapSessionRefused)

	require.NoError(t, b.UnmapSession(ctx, peerA, idB))
}

type sessionRecorder struct {
	id      uint32
	packets chan *packet.Packet
}

func (r *sessionRecorder) SessionID() uint32 { return r.id }

func (r *sessionRecorder) DispatchPacket(_ ID, p *packet.Packet) error {
	r.packets <- p
	return nil
}

func (r *sessionRecorder) NotifyDisconnect(ID) {}

func TestRedispatchDeliversLateMappedSession(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))

	// the name is allocated on A but no handler is attached yet
	sessionID, err := a.MapSession(ctx, nil, nil, "late")
	require.NoError(t, err)

	require.NoError(t, b.SendTo(ctx, a.ID(), &packet.Packet{
		Command:   packet.CmdObjectDelta,
		SessionID: sessionID,
		ObjectID:  1,
	}))
	time.Sleep(50 * time.Millisecond)

	rec := &sessionRecorder{id: sessionID, packets: make(chan *packet.Packet, 4)}
	_, err = a.MapSession(ctx, nil, rec, "late")
	require.NoError(t, err)

	// any further dispatch round flushes the parked packet
	require.NoError(t, b.SendTo(ctx, a.ID(), &packet.Packet{
		Command:   packet.CmdObjectDelta,
		SessionID: sessionID,
		ObjectID:  2,
	}))

	seen := make(map[uint32]bool)
	for len(seen) < 2 {
		select {
		case p := <-rec.packets:
			seen[p.ObjectID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("parked packet never delivered, saw %v", seen)
		}
	}
}

func TestStopPeer(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)

	peerA := NewPeer(peerDescription(t, a))
	require.NoError(t, b.Connect(ctx, peerA))

	require.NoError(t, b.StopPeer(ctx, peerA))
	require.Eventually(t, func() bool {
		return a.State() == StateStopped
	}, 5*time.Second, 20*time.Millisecond)
}
