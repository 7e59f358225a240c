// Package lease serializes scheduler work per execution. All engine
// operations on one execution run under its lease, which is what lets the
// variable state and the history log go lock-free.
package lease

import (
	"context"
	"sync"
)

// Releaser returns the lease. It is safe to call once.
type Releaser func()

// Manager hands out per-execution leases.
type Manager interface {
	// Acquire blocks until the lease for executionID is held or ctx ends.
	Acquire(ctx context.Context, executionID string) (Releaser, error)
}

// MemoryManager serializes executions within a single process.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]chan struct{}),
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, executionID string) (Releaser, error) {
	m.mu.Lock()

	lock, ok := m.locks[executionID]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[executionID] = lock
	}

	m.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
