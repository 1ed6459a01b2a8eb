package profiles

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory profile store for demo mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[int64]*Profile
	byAddress map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[int64]*Profile),
		byAddress: make(map[string]int64),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, p Profile) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.byID[p.TelegramID]
	if !ok {
		p.CreatedAt = now
		p.UpdatedAt = now
		stored := p
		m.byID[p.TelegramID] = &stored
		if p.Address != "" {
			m.byAddress[p.Address] = p.TelegramID
		}
		out := stored
		return &out, nil
	}

	merged := merge(existing, p, now)
	m.byID[p.TelegramID] = merged
	if merged.Address != "" {
		m.byAddress[merged.Address] = p.TelegramID
	}
	out := *merged
	return &out, nil
}

func (m *MemoryStore) GetByTelegramID(ctx context.Context, telegramID int64) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byID[telegramID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryStore) GetByAddress(ctx context.Context, address string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddress[address]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := *m.byID[id]
	return &out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
