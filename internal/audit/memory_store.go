package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps events in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []*Event
	anchors []*Anchor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func copyEvent(e *Event) *Event {
	cp := *e
	if e.EventData != nil {
		cp.EventData = make(map[string]any, len(e.EventData))
		for k, v := range e.EventData {
			cp.EventData[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, copyEvent(e))
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Event
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.events[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if q.BeforeID != "" && e.ID >= q.BeforeID {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		result = append(result, copyEvent(e))
	}
	return result, nil
}

func (m *MemoryStore) After(_ context.Context, afterID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := make([]*Event, len(m.events))
	copy(sorted, m.events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var result []*Event
	for _, e := range sorted {
		if e.ID <= afterID {
			continue
		}
		result = append(result, copyEvent(e))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) SaveAnchor(_ context.Context, a *Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.anchors = append(m.anchors, &cp)
	return nil
}

func (m *MemoryStore) LatestAnchor(_ context.Context) (*Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.anchors) == 0 {
		return nil, ErrNoAnchor
	}
	cp := *m.anchors[len(m.anchors)-1]
	return &cp, nil
}

// Events returns every stored event in insertion order (for testing).
func (m *MemoryStore) Events() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, len(m.events))
	for i, e := range m.events {
		out[i] = copyEvent(e)
	}
	return out
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ AnchorStore = (*MemoryStore)(nil)
)
