package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store for embedding and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	clock func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: time.Now,
	}
}

// NewMemoryWithClock is used by tests that need to advance time.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	m := NewMemory()
	m.clock = clock
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expiresAt.IsZero() && !m.clock().Before(item.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.clock().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// FlushPrefix drops every entry whose key starts with prefix and returns
// how many were removed. An empty prefix clears the whole store.
func (m *Memory) FlushPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			removed++
		}
	}
	return removed, nil
}
