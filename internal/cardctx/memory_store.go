package cardctx

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	mu     sync.RWMutex
	cards  map[string]*CardContext
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:  make(map[string]*CardContext),
		byHash: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *CardContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[c.CardID]; ok {
		return ErrCardExists
	}
	if _, ok := m.byHash[c.CardContextHash]; ok {
		return ErrHashCollision
	}
	cp := *c
	m.cards[c.CardID] = &cp
	m.byHash[c.CardContextHash] = c.CardID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, cardID string) (*CardContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*CardContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.cards[id]
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*CardContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CardContext
	for _, c := range m.cards {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateBoundary(_ context.Context, cardID, boundary string, expiresAt, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return ErrNotFound
	}
	c.SessionBoundary = boundary
	c.BoundaryExpiresAt = expiresAt
	c.UpdatedAt = updatedAt
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, cardID string, from, to Status, reason FreezeReason, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrInvalidTransition
	}
	c.Status = to
	c.FreezeReason = reason
	c.UpdatedAt = updatedAt
	return nil
}

var _ Store = (*MemoryStore)(nil)
