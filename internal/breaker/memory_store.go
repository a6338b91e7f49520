package breaker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	mu       sync.RWMutex
	breakers map[string]map[string]*Breaker // userID -> breakerID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{breakers: make(map[string]map[string]*Breaker)}
}

func (m *MemoryStore) Create(_ context.Context, b *Breaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.breakers[b.UserID]
	if !ok {
		user = make(map[string]*Breaker)
		m.breakers[b.UserID] = user
	}
	if _, ok := user[b.BreakerID]; ok {
		return ErrBreakerExists
	}
	user[b.BreakerID] = clone(b)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID, breakerID string) (*Breaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[userID][breakerID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]*Breaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Breaker, 0, len(m.breakers[userID]))
	for _, b := range m.breakers[userID] {
		out = append(out, clone(b))
	}
	sortBreakers(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, userID, breakerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[userID][breakerID]; !ok {
		return ErrNotFound
	}
	delete(m.breakers[userID], breakerID)
	return nil
}

func (m *MemoryStore) Trip(_ context.Context, userID, breakerID, by, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[userID][breakerID]
	if !ok {
		return false, ErrNotFound
	}
	if b.IsTripped {
		return false, nil
	}
	t := at
	b.IsTripped = true
	b.TrippedAt = &t
	b.TrippedBy = by
	b.TripReason = reason
	b.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Reset(_ context.Context, userID, breakerID string, trippedAt *time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[userID][breakerID]
	if !ok {
		return false, ErrNotFound
	}
	if !b.IsTripped {
		return false, nil
	}
	if trippedAt != nil && (b.TrippedAt == nil || !b.TrippedAt.Equal(*trippedAt)) {
		return false, nil
	}
	b.IsTripped = false
	b.TrippedAt = nil
	b.TrippedBy = ""
	b.TripReason = ""
	b.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ListDueForReset(_ context.Context, now time.Time, limit int) ([]*Breaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Breaker
	for _, user := range m.breakers {
		for _, b := range user {
			if b.DueForReset(now) {
				out = append(out, clone(b))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrippedAt.Before(*out[j].TrippedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(b *Breaker) *Breaker {
	cp := *b
	if b.TrippedAt != nil {
		t := *b.TrippedAt
		cp.TrippedAt = &t
	}
	return &cp
}

// sortBreakers orders defaults first, then by creation time and id.
func sortBreakers(bs []*Breaker) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].IsDefault != bs[j].IsDefault {
			return bs[i].IsDefault
		}
		if !bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].CreatedAt.Before(bs[j].CreatedAt)
		}
		return bs[i].BreakerID < bs[j].BreakerID
	})
}

var _ Store = (*MemoryStore)(nil)
