package guard

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local guard. Expired entries are evicted lazily when
// their key is presented again, so there is no background sweeper; the map
// only grows with the distinct-key working set.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time

	// Now is swappable in tests.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: map[string]time.Time{},
		Now:     time.Now,
	}
}

func (m *Memory) CheckAndRecord(_ context.Context, key string, ttl time.Duration) (Outcome, error) {
	now := m.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if expiresAt, ok := m.entries[key]; ok {
		// Zero expiry means the key never expires.
		if expiresAt.IsZero() || expiresAt.After(now) {
			return Duplicate, nil
		}
		delete(m.entries, key)
	}

	if ttl > 0 {
		m.entries[key] = now.Add(ttl)
	} else {
		m.entries[key] = time.Time{}
	}
	return Fresh, nil
}

// Len reports the live entry count, counting expired entries that have not
// been presented again yet.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
