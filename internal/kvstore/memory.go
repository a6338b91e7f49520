package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/discard/internal/clock"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-instance demos.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memEntry
}

// NewMemoryStore creates a MemoryStore reading time from c.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{clock: c, entries: make(map[string]memEntry)}
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.entries[key] = memEntry{value: cp, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

// live returns the entry if present and unexpired, evicting stale ones.
// Caller must hold mu.
func (m *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return m.IncrBy(ctx, key, 1, ttl)
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _, err := m.counter(key)
	if err != nil {
		return 0, err
	}
	n += delta
	m.entries[key] = memEntry{
		value:     []byte(strconv.FormatInt(n, 10)),
		expiresAt: m.clock.Now().Add(ttl),
	}
	return n, nil
}

func (m *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, e, err := m.counter(key)
	if err != nil {
		return 0, err
	}
	expiresAt := e.expiresAt
	if n == 0 {
		expiresAt = m.clock.Now().Add(window)
	}
	n++
	m.entries[key] = memEntry{value: []byte(strconv.FormatInt(n, 10)), expiresAt: expiresAt}
	return n, nil
}

// counter reads a live counter, zero when absent. Caller must hold mu.
func (m *MemoryStore) counter(key string) (int64, memEntry, error) {
	e, ok := m.live(key)
	if !ok {
		return 0, memEntry{}, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	return n, e, err
}

func (m *MemoryStore) Counter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _, err := m.counter(key)
	return n, err
}

var _ Store = (*MemoryStore)(nil)
