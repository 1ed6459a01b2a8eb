package observer

import (
	"context"
	"sync"
)

// MemoryCursorStore keeps low-water-marks in memory, for demo mode and
// tests. Marks do not survive a restart.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

// NewMemoryCursorStore creates an empty cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int64)}
}

func (m *MemoryCursorStore) Get(ctx context.Context, address string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[address], nil
}

func (m *MemoryCursorStore) Set(ctx context.Context, address string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sequence > m.cursors[address] {
		m.cursors[address] = sequence
	}
	return nil
}

// Compile-time assertion that MemoryCursorStore implements CursorStore.
var _ CursorStore = (*MemoryCursorStore)(nil)
