package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridsync/gridsync/internal/core/connection"
	"github.com/gridsync/gridsync/internal/core/node"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startNode(t *testing.T) *node.Node {
	n := node.New(log.New(log.LevelError))
	desc := &connection.Description{Type: connection.TypeTCP, Hostname: "127.0.0.1"}
	require.NoError(t, n.Listen(desc))
	t.Cleanup(func() { _ = n.StopListening() })
	return n
}

// connectTo returns a handle of target connected from n.
func connectTo(t *testing.T, ctx context.Context, n, target *node.Node) *node.Node {
	host, portStr, err := net.SplitHostPort(target.ListenAddress())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	peer := node.NewPeer(&connection.Description{
		Type:     connection.TypeTCP,
		Hostname: host,
		Port:     port,
	})
	require.NoError(t, n.Connect(ctx, peer))
	return peer
}

// counter is a replicated test type: the instance carries the absolute
// value, a delta carries the increment since the last commit.
type counter struct {
	mu        sync.Mutex
	value     uint64
	committed uint64
}

func (c *counter) Add(n uint64) {
	c.mu.Lock()
	c.value += n
	c.mu.Unlock()
}

func (c *counter) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *counter) MarshalInstance() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return packet.NewWriter().Uint64(c.value).Payload()
}

func (c *counter) UnmarshalInstance(b []byte) error {
	r := packet.NewReader(b)
	v := r.Uint64()
	if err := r.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.value = v
	c.committed = v
	c.mu.Unlock()
	return nil
}

func (c *counter) MarshalDelta() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.value - c.committed
	c.committed = c.value
	return packet.NewWriter().Uint64(d).Payload()
}

func (c *counter) UnmarshalDelta(b []byte) error {
	r := packet.NewReader(b)
	d := r.Uint64()
	if err := r.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.value += d
	c.committed = c.value
	c.mu.Unlock()
	return nil
}

func TestSessionMapSharedID(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "render")
	require.NoError(t, err)
	require.NotZero(t, sA.ID())
	require.Equal(t, "render", sA.Name())

	sB, err := Map(ctx, b, peerA, "render")
	require.NoError(t, err)
	require.Equal(t, sA.ID(), sB.ID())

	reattached, err := MapID(ctx, b, peerA, sA.ID(), "render")
	require.NoError(t, err)
	require.Equal(t, sA.ID(), reattached.ID())
}

func TestObjectExactReplication(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "frame-data")
	require.NoError(t, err)
	sB, err := Map(ctx, b, peerA, "frame-data")
	require.NoError(t, err)

	master := &counter{}
	master.Add(5)
	oA := sA.RegisterObject(master, SyncExact)
	require.True(t, oA.IsMaster())
	require.EqualValues(t, 1, oA.Version())

	slave := &counter{}
	oB, err := sB.MapObject(ctx, a.ID(), oA.ID(), slave)
	require.NoError(t, err)
	require.False(t, oB.IsMaster())
	require.EqualValues(t, 1, oB.Version())
	require.EqualValues(t, 5, slave.Value())

	// slaves cannot commit
	_, err = oB.Commit(ctx)
	require.ErrorIs(t, err, ErrNotMaster)

	master.Add(3)
	v, err := oA.Commit(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	synced, err := oB.Sync(ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, synced)
	require.EqualValues(t, 8, slave.Value())

	// a commit with no change still advances the version
	v, err = oA.Commit(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, v)
	synced, err = oB.Sync(ctx, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, synced)
	require.EqualValues(t, 8, slave.Value())
}

func TestLateMapperGetsFullState(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	c := startNode(t)
	peerAB := connectTo(t, ctx, b, a)
	peerAC := connectTo(t, ctx, c, a)

	sA, err := Map(ctx, a, nil, "late-map")
	require.NoError(t, err)
	sB, err := Map(ctx, b, peerAB, "late-map")
	require.NoError(t, err)
	sC, err := Map(ctx, c, peerAC, "late-map")
	require.NoError(t, err)

	master := &counter{}
	master.Add(5)
	oA := sA.RegisterObject(master, SyncExact)

	early := &counter{}
	oB, err := sB.MapObject(ctx, a.ID(), oA.ID(), early)
	require.NoError(t, err)

	master.Add(3)
	_, err = oA.Commit(ctx)
	require.NoError(t, err)

	// mapped after the commit: full state at version 2, no delta replay
	late := &counter{}
	oC, err := sC.MapObject(ctx, a.ID(), oA.ID(), late)
	require.NoError(t, err)
	require.EqualValues(t, 2, oC.Version())
	require.EqualValues(t, 8, late.Value())

	// a departing slave does not disturb the remaining one
	require.NoError(t, sB.UnmapObject(ctx, oB))
	master.Add(1)
	_, err = oA.Commit(ctx)
	require.NoError(t, err)
	synced, err := oC.Sync(ctx, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, synced)
	require.EqualValues(t, 9, late.Value())
}

func TestObjectLatestPolicy(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "latest")
	require.NoError(t, err)
	sB, err := Map(ctx, b, peerA, "latest")
	require.NoError(t, err)

	master := &counter{}
	oA := sA.RegisterObject(master, SyncLatest)

	slave := &counter{}
	oB, err := sB.MapObject(ctx, a.ID(), oA.ID(), slave)
	require.NoError(t, err)
	require.Equal(t, SyncLatest, oB.Policy())

	master.Add(7)
	_, err = oA.Commit(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return oB.Version() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 7, slave.Value())

	// latest-mode sync never blocks, whatever version is asked for
	synced, err := oB.Sync(ctx, 9999)
	require.NoError(t, err)
	require.Equal(t, oB.Version(), synced)
}

func TestMapObjectUnknownMasterRefused(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "missing")
	require.NoError(t, err)
	_ = sA
	sB, err := Map(ctx, b, peerA, "missing")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = sB.MapObject(shortCtx, a.ID(), 424242, &counter{})
	require.Error(t, err)

	_, ok := sB.FindObject(424242)
	require.False(t, ok)
}

func TestMapObjectFailsWhenMasterStops(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "dead-master")
	require.NoError(t, err)
	_ = sA
	sB, err := Map(ctx, b, peerA, "dead-master")
	require.NoError(t, err)

	// the object never gets registered, so the request stays pending on the
	// master until its connection dies
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = a.StopListening()
	}()

	start := time.Now()
	_, err = sB.MapObject(ctx, a.ID(), 999999, &counter{})
	require.ErrorIs(t, err, node.ErrConnectionLost)
	require.Less(t, time.Since(start), 5*time.Second)

	_, ok := sB.FindObject(999999)
	require.False(t, ok)
}

func TestSyncFailsWhenMasterStops(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "orphan")
	require.NoError(t, err)
	sB, err := Map(ctx, b, peerA, "orphan")
	require.NoError(t, err)

	oA := sA.RegisterObject(&counter{}, SyncExact)
	oB, err := sB.MapObject(ctx, a.ID(), oA.ID(), &counter{})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := oB.Sync(ctx, 99)
		waitErr <- err
	}()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, a.StopListening())

	select {
	case err := <-waitErr:
		require.ErrorIs(t, err, node.ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("sync never woke after master loss")
	}

	// versions already applied stay readable
	synced, err := oB.Sync(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, synced)
}

func TestDuplicateLocalObjectID(t *testing.T) {
	ctx := testContext(t)
	a := startNode(t)
	b := startNode(t)
	peerA := connectTo(t, ctx, b, a)

	sA, err := Map(ctx, a, nil, "dup")
	require.NoError(t, err)
	sB, err := Map(ctx, b, peerA, "dup")
	require.NoError(t, err)

	oA := sA.RegisterObject(&counter{}, SyncExact)
	_, err = sB.MapObject(ctx, a.ID(), oA.ID(), &counter{})
	require.NoError(t, err)

	_, err = sB.MapObject(ctx, a.ID(), oA.ID(), &counter{})
	require.ErrorIs(t, err, ErrObjectIDTaken)
}
