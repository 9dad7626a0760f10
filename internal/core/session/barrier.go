package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gridsync/gridsync/internal/core/node"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
)

// barrierData is the replicated payload of a barrier: the expected
// participant count. The release signal itself is the object version
// advancing, so the barrier reuses the commit/sync machinery instead of a
// second ad-hoc protocol.
type barrierData struct {
	expected atomic.Uint32
}

func (d *barrierData) MarshalInstance() []byte {
	return packet.NewWriter().Uint32(d.expected.Load()).Payload()
}

func (d *barrierData) UnmarshalInstance(b []byte) error {
	r := packet.NewReader(b)
	v := r.Uint32()
	if err := r.Err(); err != nil {
		return err
	}
	d.expected.Store(v)
	return nil
}

func (d *barrierData) MarshalDelta() []byte { return d.MarshalInstance() }

func (d *barrierData) UnmarshalDelta(b []byte) error { return d.UnmarshalInstance(b) }

// Barrier is an N-party rendezvous. The master counts arrivals per round and
// releases all waiters at once by committing the underlying object, which
// advances its version past the round; participants wait on that version.
// Round r is released when the version reaches r+1, starting with round 1.
type Barrier struct {
	obj      *Object
	session  *Session
	masterID node.ID
	data     *barrierData

	// Master only: arrivals per pending round. Arrivals for future rounds
	// never count toward the current release.
	mu       sync.Mutex
	arrivals map[uint32]map[node.ID]struct{}

	log log.Log
}

// NewBarrier creates the master barrier expecting the given participant
// count per round.
func NewBarrier(s *Session, expected uint32) *Barrier {
	d := &barrierData{}
	d.expected.Store(expected)

	o := s.RegisterObject(d, SyncExact)
	b := &Barrier{
		obj:      o,
		session:  s,
		masterID: s.localNode.ID(),
		data:     d,
		arrivals: make(map[uint32]map[node.ID]struct{}),
		log:      o.log,
	}
	o.mu.Lock()
	o.commandFn = b.handleEnter
	o.mu.Unlock()
	return b
}

// MapBarrier attaches to the barrier identified by (master, objectID).
func MapBarrier(ctx context.Context, s *Session, master node.ID, objectID uint32) (*Barrier, error) {
	d := &barrierData{}
	o, err := s.MapObject(ctx, master, objectID, d)
	if err != nil {
		return nil, err
	}
	return &Barrier{
		obj:      o,
		session:  s,
		masterID: master,
		data:     d,
		log:      o.log,
	}, nil
}

// ID returns the barrier's object ID, the handle slaves map by.
func (b *Barrier) ID() uint32 { return b.obj.ID() }

// Expected returns the participant count per round.
func (b *Barrier) Expected() uint32 { return b.data.expected.Load() }

// Round returns the round currently being collected.
func (b *Barrier) Round() uint32 { return b.obj.Version() }

// Object exposes the underlying replicated object.
func (b *Barrier) Object() *Object { return b.obj }

// Enter registers this node's arrival for round and blocks until the master
// releases it. Each node may contribute at most one arrival per round; a
// second entry without an intervening release fails. Entering an already
// released round returns immediately.
func (b *Barrier) Enter(ctx context.Context, round uint32) error {
	local := b.session.localNode
	requestID := local.RegisterRequest(b.masterID)

	w := packet.NewWriter().Uint32(requestID).Uint32(round)
	p := &packet.Packet{
		Command:   packet.CmdBarrierEnter,
		SessionID: b.session.ID(),
		ObjectID:  b.obj.ID(),
		Payload:   w.Payload(),
	}
	if err := local.SendTo(ctx, b.masterID, p); err != nil {
		local.AbortRequest(b.masterID, requestID)
		return err
	}

	result, err := local.WaitRequest(ctx, b.masterID, requestID)
	if err != nil {
		return fmt.Errorf("barrier enter round %d: %w", round, err)
	}
	if accepted, _ := result.(bool); !accepted {
		return fmt.Errorf("%w: round %d", ErrDuplicateBarrierEntry, round)
	}

	if _, err := b.obj.Sync(ctx, round+1); err != nil {
		return fmt.Errorf("barrier release round %d: %w", round, err)
	}
	return nil
}

// handleEnter counts one arrival on the master. It runs on the receiver
// goroutine of the master's node.
func (b *Barrier) handleEnter(from node.ID, p *packet.Packet) error {
	r := packet.NewReader(p.Payload)
	requestID := r.Uint32()
	round := r.Uint32()
	if r.Err() != nil {
		return r.Err()
	}

	accepted := true
	b.mu.Lock()
	if b.obj.Version() <= round {
		nodes := b.arrivals[round]
		if nodes == nil {
			nodes = make(map[node.ID]struct{})
			b.arrivals[round] = nodes
		}
		if _, dup := nodes[from]; dup {
			accepted = false
		} else {
			nodes[from] = struct{}{}
		}
	}
	b.mu.Unlock()

	w := packet.NewWriter().Uint32(requestID).Bool(accepted)
	reply := &packet.Packet{
		Command:   packet.CmdBarrierEnterReply,
		SessionID: b.session.ID(),
		ObjectID:  b.obj.ID(),
		Payload:   w.Payload(),
	}
	if err := b.session.localNode.SendTo(context.Background(), from, reply); err != nil {
		b.log.Warn("barrier enter reply failed",
			log.String("peer_id", string(from)), log.Error(err))
	}

	if !accepted {
		b.log.Error("duplicate barrier entry",
			log.String("peer_id", string(from)), log.Uint32("round", round))
		return nil
	}
	b.release()
	return nil
}

// release commits one version per completed round, cascading through rounds
// that early arrivals already filled.
func (b *Barrier) release() {
	for {
		b.mu.Lock()
		current := b.obj.Version()
		nodes := b.arrivals[current]
		if uint32(len(nodes)) < b.data.expected.Load() {
			b.mu.Unlock()
			return
		}
		delete(b.arrivals, current)
		b.mu.Unlock()

		if _, err := b.obj.Commit(context.Background()); err != nil {
			b.log.Error("barrier release failed", log.Error(err))
			return
		}
		b.log.Debug("barrier released", log.Uint32("round", current))
	}
}
