package store

import (
	"context"
	"sync"

	"burstflare/internal/flare"
)

// MemoryStore keeps the state in process memory. Writers are serialized;
// every transaction works on a deep copy that replaces the current state
// only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *flare.State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: flare.NewState()}
}

func (m *MemoryStore) Transact(ctx context.Context, fn func(*flare.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work, err := cloneState(m.state)
	if err != nil {
		return err
	}
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(*flare.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	work, err := cloneState(m.state)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return fn(work)
}

func (m *MemoryStore) Close() error { return nil }

var _ flare.Store = (*MemoryStore)(nil)
