package session

import (
	"context"
	"maps"
	"sync"
	"time"
)

type memoryEntry struct {
	data    map[string]string
	expires time.Time
}

// Memory keeps sessions in process. Expired entries are dropped on read
// and by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *Memory) Load(_ context.Context, id string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(entry.expires) {
		delete(m.entries, id)
		return nil, nil
	}
	return maps.Clone(entry.data), nil
}

func (m *Memory) Save(_ context.Context, id string, data map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryEntry{data: maps.Clone(data), expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Sweep removes expired sessions and returns how many were dropped
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, entry := range m.entries {
		if !now.Before(entry.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
