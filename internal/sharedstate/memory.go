package sharedstate

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps entries in process. Machines sharing one MemoryStore
// behave like machines sharing a remote store, which is what tests need.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	closed  bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, fmt.Errorf("memory store closed")
	}
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: append([]byte(nil), e.Value...), Version: e.Version}, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("memory store closed")
	}
	current := m.entries[key].Version
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: key %q at version %d, expected %d", ErrConflict, key, current, expectedVersion)
	}
	next := current + 1
	m.entries[key] = Entry{Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
