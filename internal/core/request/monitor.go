package request

import (
	"context"
	"sync"
)

// Monitor is a condition-variable-backed watch on a monotonically advancing
// uint32, used for object version and barrier waits. A monitor can be failed
// when the source of new values is gone; waits for values it already reached
// still succeed.
type Monitor struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint32
	err   error
}

func NewMonitor(initial uint32) *Monitor {
	m := &Monitor{value: initial}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Monitor) Get() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Set publishes a new value and wakes all waiters.
func (m *Monitor) Set(v uint32) {
	m.mu.Lock()
	m.value = v
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Fail marks the monitor as unable to advance further and wakes all waiters.
// The first failure sticks.
func (m *Monitor) Fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// WaitGE blocks until the value reaches at least target, the monitor fails,
// or ctx ends. It returns the value observed last; the error is nil whenever
// target was reached, regardless of a later failure.
func (m *Monitor) WaitGE(ctx context.Context, target uint32) (uint32, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.value < target && m.err == nil && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.value >= target {
		return m.value, nil
	}
	if m.err != nil {
		return m.value, m.err
	}
	return m.value, ctx.Err()
}
