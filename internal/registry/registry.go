// Package registry tracks per-visitor, per-tab instances and tears down the
// ones that have gone idle.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Closer is an instance that releases its timers and callbacks on Close.
type Closer interface {
	Close() error
}

type entry[T Closer] struct {
	value    T
	lastSeen time.Time
}

// Registry maps visitorID/sessionID to one live instance.
type Registry[T Closer] struct {
	mu     sync.Mutex
	name   string
	active map[string]map[string]*entry[T]
	now    func() time.Time
}

// New creates an empty registry. name only appears in logs.
func New[T Closer](name string) *Registry[T] {
	return &Registry[T]{
		name:   name,
		active: make(map[string]map[string]*entry[T]),
		now:    time.Now,
	}
}

// Get returns the instance for a visitor tab and marks it as recently used.
func (r *Registry[T]) Get(visitorID, sessionID string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions, ok := r.active[visitorID]; ok {
		if e, ok := sessions[sessionID]; ok {
			e.lastSeen = r.now()
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

// GetOrCreate returns the existing instance or stores the one built by create.
func (r *Registry[T]) GetOrCreate(visitorID, sessionID string, create func() T) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.active[visitorID]
	if !ok {
		sessions = make(map[string]*entry[T])
		r.active[visitorID] = sessions
	}
	if e, ok := sessions[sessionID]; ok {
		e.lastSeen = r.now()
		return e.value
	}

	v := create()
	sessions[sessionID] = &entry[T]{value: v, lastSeen: r.now()}
	slog.Debug("Instance registered", "registry", r.name, "visitor_id", visitorID, "session_id", sessionID)
	return v
}

// Replace stores v, closing any instance it displaces.
func (r *Registry[T]) Replace(visitorID, sessionID string, v T) {
	r.mu.Lock()
	sessions, ok := r.active[visitorID]
	if !ok {
		sessions = make(map[string]*entry[T])
		r.active[visitorID] = sessions
	}
	old, existed := sessions[sessionID]
	sessions[sessionID] = &entry[T]{value: v, lastSeen: r.now()}
	r.mu.Unlock()

	if existed {
		r.closeValue(visitorID, sessionID, old.value)
	}
}

// Remove closes and forgets the instance for a visitor tab.
func (r *Registry[T]) Remove(visitorID, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.deleteLocked(visitorID, sessionID)
	r.mu.Unlock()

	if ok {
		r.closeValue(visitorID, sessionID, e.value)
	}
	return ok
}

// RemoveIf is Remove guarded against a stale caller: nothing happens unless
// the registered instance is v.
func (r *Registry[T]) RemoveIf(visitorID, sessionID string, v T) bool {
	r.mu.Lock()
	sessions, ok := r.active[visitorID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	current, ok := sessions[sessionID]
	if !ok || any(current.value) != any(v) {
		r.mu.Unlock()
		return false
	}
	r.deleteLocked(visitorID, sessionID)
	r.mu.Unlock()

	r.closeValue(visitorID, sessionID, v)
	return true
}

// Sweep closes every instance unused for longer than ttl and returns how
// many were removed.
func (r *Registry[T]) Sweep(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	type victim struct {
		visitorID, sessionID string
		value                T
	}
	var victims []victim

	r.mu.Lock()
	for visitorID, sessions := range r.active {
		for sessionID, e := range sessions {
			if e.lastSeen.Before(cutoff) {
				victims = append(victims, victim{visitorID, sessionID, e.value})
				delete(sessions, sessionID)
			}
		}
		if len(sessions) == 0 {
			delete(r.active, visitorID)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.closeValue(v.visitorID, v.sessionID, v.value)
	}
	return len(victims)
}

// Len returns the number of live instances.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every instance.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]map[string]*entry[T])
	r.mu.Unlock()

	for visitorID, sessions := range all {
		for sessionID, e := range sessions {
			r.closeValue(visitorID, sessionID, e.value)
		}
	}
}

func (r *Registry[T]) deleteLocked(visitorID, sessionID string) (*entry[T], bool) {
	sessions, ok := r.active[visitorID]
	if !ok {
		return nil, false
	}
	e, ok := sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.active, visitorID)
	}
	return e, true
}

func (r *Registry[T]) closeValue(visitorID, sessionID string, v T) {
	if err := v.Close(); err != nil {
		slog.Warn("Failed to close instance", "registry", r.name, "visitor_id", visitorID, "session_id", sessionID, "error", err)
	}
}

// Sweeper is anything with an idle sweep.
type Sweeper interface {
	Sweep(ttl time.Duration) int
}

// RunSweeper periodically sweeps every registry until ctx is done.
func RunSweeper(ctx context.Context, interval, ttl time.Duration, sweepers ...Sweeper) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Idle sweeper started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			removed := 0
			for _, s := range sweepers {
				removed += s.Sweep(ttl)
			}
			if removed > 0 {
				slog.Info("Idle sweeper closed instances", "count", removed)
			}
		case <-ctx.Done():
			slog.Info("Idle sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
