package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridsync/gridsync/internal/core/node"
	"github.com/gridsync/gridsync/internal/core/observability/log"
	"github.com/gridsync/gridsync/internal/core/packet"
	"github.com/gridsync/gridsync/internal/core/request"
)

// Data is the serialization contract a replicated type implements. Instance
// marshaling captures the complete state for newly attached slaves; delta
// marshaling captures only the change since the last commit.
type Data interface {
	MarshalInstance() []byte
	UnmarshalInstance(data []byte) error
	MarshalDelta() []byte
	UnmarshalDelta(data []byte) error
}

// Policy selects how slaves track the master's versions.
type Policy uint32

const (
	// SyncExact applies every delta in commit order; a slave syncing to
	// version k has seen every intermediate state.
	SyncExact Policy = iota
	// SyncLatest pushes full snapshots; slaves jump to the newest state,
	// trading intermediate consistency for reduced lag.
	SyncLatest
)

func (p Policy) String() string {
	switch p {
	case SyncExact:
		return "exact"
	case SyncLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// Object is one replica of a versioned piece of shared state. Exactly one
// instance cluster-wide is the master; it alone commits. Versions start at 1
// and advance by one per commit, whether or not the data changed.
type Object struct {
	id       uint32
	session  *Session
	data     Data
	policy   Policy
	master   bool
	masterID node.ID

	mu          sync.Mutex
	version     *request.Monitor
	subscribers map[node.ID]struct{}

	// commandFn handles object-addressed commands beyond instance and delta
	// traffic, e.g. barrier entries. Set at registration, nil otherwise.
	commandFn func(from node.ID, p *packet.Packet) error

	log log.Log
}

func (o *Object) ID() uint32     { return o.id }
func (o *Object) IsMaster() bool { return o.master }
func (o *Object) Policy() Policy { return o.policy }
func (o *Object) Data() Data     { return o.data }

// Version returns the applied (slave) or committed (master) version.
func (o *Object) Version() uint32 {
	return o.version.Get()
}

// Commit advances the master's version and publishes the change to all
// mapped slaves: a delta under SyncExact, a full snapshot under SyncLatest.
// A commit with no data change still advances the version. Returns the new
// version.
func (o *Object) Commit(ctx context.Context) (uint32, error) {
	if !o.master {
		return 0, ErrNotMaster
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	next := o.version.Get() + 1

	var (
		body []byte
		cmd  packet.Command
	)
	if o.policy == SyncLatest {
		body = o.data.MarshalInstance()
		cmd = packet.CmdObjectInstance
	} else {
		body = o.data.MarshalDelta()
		cmd = packet.CmdObjectDelta
	}

	w := packet.NewWriter().Uint32(next).Bytes(body)
	p := &packet.Packet{
		Command:   cmd,
		SessionID: o.session.ID(),
		ObjectID:  o.id,
		Payload:   w.Payload(),
	}
	for sub := range o.subscribers {
		if err := o.session.localNode.SendTo(ctx, sub, p); err != nil {
			o.log.Warn("commit push failed",
				log.Uint32("version", next),
				log.String("subscriber", string(sub)),
				log.Error(err))
		}
	}

	o.version.Set(next)
	return next, nil
}

// Sync blocks until the slave's applied version reaches version and returns
// the version observed. Under SyncLatest it never blocks; the newest applied
// state is always the answer. The wait ends early with an error when ctx
// ends or the master's connection is lost before the version arrives.
func (o *Object) Sync(ctx context.Context, version uint32) (uint32, error) {
	if o.policy == SyncLatest {
		return o.version.Get(), nil
	}
	return o.version.WaitGE(ctx, version)
}

// applyDelta applies one committed delta on a slave. Deltas at or below the
// applied version are idempotent no-ops; a gap above applied+1 violates the
// in-order delivery contract of the transport.
func (o *Object) applyDelta(version uint32, body []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	applied := o.version.Get()
	if version <= applied {
		return nil
	}
	if version != applied+1 {
		return fmt.Errorf("%w: delta %d on applied %d", ErrVersionGap, version, applied)
	}
	if err := o.data.UnmarshalDelta(body); err != nil {
		return fmt.Errorf("apply delta %d: %w", version, err)
	}
	o.version.Set(version)
	return nil
}

// applyInstance installs a full snapshot on a slave, jumping its version.
// Stale snapshots are dropped.
func (o *Object) applyInstance(version uint32, body []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if version <= o.version.Get() {
		return nil
	}
	if err := o.data.UnmarshalInstance(body); err != nil {
		return fmt.Errorf("apply instance %d: %w", version, err)
	}
	o.version.Set(version)
	return nil
}

// serveMapRequest snapshots the master's state for a new slave and adds it
// as a subscriber. Holding the object mutex across snapshot, subscription
// and reply keeps the snapshot and all later deltas in order: no commit can
// interleave between them.
func (o *Object) serveMapRequest(from node.ID, requestID uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	version := o.version.Get()
	body := o.data.MarshalInstance()
	o.subscribers[from] = struct{}{}

	w := packet.NewWriter().
		Uint32(requestID).
		Uint32(version).
		Uint32(uint32(o.policy)).
		Bytes(body)
	reply := &packet.Packet{
		Command:   packet.CmdSessionMapObjectReply,
		SessionID: o.session.ID(),
		ObjectID:  o.id,
		Payload:   w.Payload(),
	}
	if err := o.session.localNode.SendTo(context.Background(), from, reply); err != nil {
		delete(o.subscribers, from)
		o.log.Warn("map object reply failed",
			log.String("slave", string(from)), log.Error(err))
	}
}

func (o *Object) removeSubscriber(id node.ID) {
	o.mu.Lock()
	delete(o.subscribers, id)
	o.mu.Unlock()
}
