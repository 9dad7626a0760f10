// Package request turns asynchronous packet arrival into synchronous
// call/return semantics. Application goroutines register a request, send the
// packet that carries its ID, and block in Wait; the node's receiver
// goroutine resolves the ID with Serve when the matching reply arrives.
package request

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gridsync/gridsync/internal/core/observability/log"
)

type pending struct {
	done   chan struct{}
	result any
	err    error
	served bool // guarded by Handler.mu
}

// Handler correlates reply packets with blocked callers by request ID.
// Exactly one Serve (or Fail) per registered ID is valid; a second resolve,
// or a Wait on an unknown ID, is a contract violation reported as an error.
type Handler struct {
	mu       sync.Mutex
	requests map[uint32]*pending
	closed   bool

	nextID atomic.Uint32

	log log.Log
}

func NewHandler(logger log.Log) *Handler {
	if logger == nil {
		logger = log.Provide()
	}
	return &Handler{
		requests: make(map[uint32]*pending),
		log:      logger.With(log.String("component", "request_handler")),
	}
}

// Register allocates a request slot and returns its locally-unique ID.
// Request ID 0 is never allocated; it marks "no request" on the wire.
func (h *Handler) Register() uint32 {
	id := h.nextID.Add(1)
	for id == 0 {
		id = h.nextID.Add(1)
	}

	h.mu.Lock()
	h.requests[id] = &pending{done: make(chan struct{})}
	h.mu.Unlock()

	return id
}

// Serve resolves a registered request with a result, waking its waiter.
func (h *Handler) Serve(id uint32, result any) error {
	return h.resolve(id, result, nil)
}

// Fail resolves a registered request with an error.
func (h *Handler) Fail(id uint32, err error) error {
	return h.resolve(id, nil, err)
}

func (h *Handler) resolve(id uint32, result any, failure error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.requests[id]
	if !ok {
		h.log.Error("serve of unknown request", log.Uint32("request_id", id))
		return ErrNotRegistered
	}
	if p.served {
		h.log.Error("request served twice", log.Uint32("request_id", id))
		return ErrAlreadyServed
	}

	p.served = true
	p.result = result
	p.err = failure
	close(p.done)
	return nil
}

// Wait blocks the caller until the request is served or ctx expires. The
// request is unregistered on return either way; a late Serve after expiry is
// reported as ErrNotRegistered to the server side.
func (h *Handler) Wait(ctx context.Context, id uint32) (any, error) {
	h.mu.Lock()
	p, ok := h.requests[id]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNotRegistered
	}

	select {
	case <-p.done:
		h.unregister(id)
		return p.result, p.err
	case <-ctx.Done():
		h.unregister(id)
		return nil, ctx.Err()
	}
}

// Unregister discards a request that will never be waited on, e.g. when the
// send carrying its ID failed.
func (h *Handler) Unregister(id uint32) {
	h.unregister(id)
}

func (h *Handler) unregister(id uint32) {
	h.mu.Lock()
	delete(h.requests, id)
	h.mu.Unlock()
}

// FailAll resolves every pending request with err. Used when a connection or
// the whole node goes down under blocked callers.
func (h *Handler) FailAll(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.requests {
		if p.served {
			continue
		}
		p.served = true
		p.err = err
		close(p.done)
	}
}

// Pending returns the number of outstanding requests.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}
