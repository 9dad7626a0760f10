package generic

import "sync"

// Pool is a typed wrapper around sync.Pool.
type Pool[T any] struct {
	pool sync.Pool
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	p.pool.Put(value)
}

// NewBytePool returns a pool of byte slices with the given initial capacity.
// Callers truncate to zero length before reuse; capacity is retained across
// round-trips.
func NewBytePool(capacity int) *Pool[[]byte] {
	return NewPool(func() []byte {
		return make([]byte, 0, capacity)
	})
}
