package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// Memory is an in process limiter
type Memory struct {
	mu       sync.Mutex
	requests int
	window   time.Duration
	hits     map[string]*window
	now      func() time.Time
}

var _ Limiter = (*Memory)(nil)

func NewMemory(requests int, every time.Duration) *Memory {
	requests, every = normalize(requests, every)
	return &Memory{
		requests: requests,
		window:   every,
		hits:     map[string]*window{},
		now:      time.Now,
	}
}

// WithClock swaps the time source, used by tests
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.hits[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(m.window)}
		m.hits[key] = w
		m.sweep(now)
	}
	w.count++

	remaining := m.requests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= m.requests,
		Remaining: remaining,
		ResetIn:   w.reset.Sub(now),
	}, nil
}

// sweep drops closed windows, called whenever a new window opens
func (m *Memory) sweep(now time.Time) {
	for k, w := range m.hits {
		if !now.Before(w.reset) {
			delete(m.hits, k)
		}
	}
}
