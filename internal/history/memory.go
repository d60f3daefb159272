package history

import (
	"context"
	"sync"
)

const defaultCapacity = 1000

// Memory is a fixed size ring of the most recent entries.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Memory{entries: make([]Entry, capacity)}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	size := m.next
	if m.full {
		size = len(m.entries)
	}
	if limit > size {
		limit = size
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }
