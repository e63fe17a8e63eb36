package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
)

// MemoryStore is a Repository held in process memory. The server uses it when
// DB_PATH is ":memory:"; handler tests use it as their fake.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]domain.Visitor
	themes   map[string]domain.ThemePreference
	// PingErr, when set, is returned by Ping.
	PingErr error
}

var _ Repository = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		visitors: make(map[string]domain.Visitor),
		themes:   make(map[string]domain.ThemePreference),
	}
}

// GetVisitor implements Repository.
func (m *MemoryStore) GetVisitor(_ context.Context, visitorID string) (*domain.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visitors[visitorID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// UpsertVisitor implements Repository.
func (m *MemoryStore) UpsertVisitor(_ context.Context, v *domain.Visitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.visitors[v.VisitorID]; ok {
		existing.Handle = v.Handle
		existing.LastSeenAt = v.LastSeenAt
		existing.UpdatedAt = v.UpdatedAt
		m.visitors[v.VisitorID] = existing
		return nil
	}
	m.visitors[v.VisitorID] = *v
	return nil
}

// UpdateLastSeen implements Repository.
func (m *MemoryStore) UpdateLastSeen(_ context.Context, visitorID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.visitors[visitorID]; ok {
		v.LastSeenAt = lastSeen
		v.UpdatedAt = time.Now()
		m.visitors[visitorID] = v
	}
	return nil
}

// DeleteInactiveVisitors implements Repository.
func (m *MemoryStore) DeleteInactiveVisitors(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var n int64
	for id, v := range m.visitors {
		if v.LastSeenAt.Before(cutoff) {
			delete(m.visitors, id)
			delete(m.themes, id)
			n++
		}
	}
	return n, nil
}

// GetThemePreference implements Repository.
func (m *MemoryStore) GetThemePreference(_ context.Context, visitorID string) (*domain.ThemePreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.themes[visitorID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SetThemePreference implements Repository.
func (m *MemoryStore) SetThemePreference(_ context.Context, pref *domain.ThemePreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.themes[pref.VisitorID] = *pref
	return nil
}

// DeleteThemePreference implements Repository.
func (m *MemoryStore) DeleteThemePreference(_ context.Context, visitorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.themes, visitorID)
	return nil
}

// Ping implements Repository.
func (m *MemoryStore) Ping(context.Context) error {
	return m.PingErr
}

// Close implements Repository.
func (m *MemoryStore) Close() error {
	return nil
}
