// Package settings holds process-wide visitor preferences. Today that is the
// page theme: an explicit per-visitor choice persisted in the store, falling
// back to a system default that can follow an external file.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("theme store closed")

// PreferenceStore persists explicit theme choices.
type PreferenceStore interface {
	GetThemePreference(ctx context.Context, visitorID string) (*domain.ThemePreference, error)
	SetThemePreference(ctx context.Context, pref *domain.ThemePreference) error
	DeleteThemePreference(ctx context.Context, visitorID string) error
}

// Resolved is the theme a visitor sees.
type Resolved struct {
	Theme    domain.Theme `json:"theme"`
	Explicit bool         `json:"explicit"`
	System   domain.Theme `json:"system"`
}

// Change is delivered to subscribers. VisitorID is empty when the system
// default changed; such a change only affects visitors without an explicit
// choice.
type Change struct {
	VisitorID string       `json:"visitor_id,omitempty"`
	Theme     domain.Theme `json:"theme"`
	Explicit  bool         `json:"explicit"`
}

// ThemeStore resolves and updates visitor themes and fans out changes.
type ThemeStore struct {
	prefs  PreferenceStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	system    domain.Theme
	listeners map[int]func(Change)
	nextID    int
	closed    bool
}

// NewThemeStore creates a store with the given system default.
func NewThemeStore(prefs PreferenceStore, system domain.Theme, logger *slog.Logger) *ThemeStore {
	if logger == nil {
		logger = slog.Default()
	}
	if system == "" {
		system = domain.ThemeDark
	}
	return &ThemeStore{
		prefs:     prefs,
		logger:    logger,
		now:       time.Now,
		system:    system,
		listeners: make(map[int]func(Change)),
	}
}

// Get returns the visitor's explicit theme, or the system default.
func (s *ThemeStore) Get(ctx context.Context, visitorID string) (Resolved, error) {
	system := s.SystemDefault()
	pref, err := s.prefs.GetThemePreference(ctx, visitorID)
	if err != nil {
		return Resolved{}, fmt.Errorf("load theme preference: %w", err)
	}
	if pref == nil {
		return Resolved{Theme: system, System: system}, nil
	}
	return Resolved{Theme: pref.Theme, Explicit: true, System: system}, nil
}

// Set records an explicit theme for the visitor.
func (s *ThemeStore) Set(ctx context.Context, visitorID string, theme domain.Theme) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.prefs.SetThemePreference(ctx, &domain.ThemePreference{
		VisitorID: visitorID,
		Theme:     theme,
		UpdatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("save theme preference: %w", err)
	}
	s.logger.Info("Theme preference set", "visitor_id", visitorID, "theme", theme)
	s.notify(Change{VisitorID: visitorID, Theme: theme, Explicit: true})
	return nil
}

// Toggle flips the visitor's current theme and stores it as explicit.
func (s *ThemeStore) Toggle(ctx context.Context, visitorID string) (domain.Theme, error) {
	current, err := s.Get(ctx, visitorID)
	if err != nil {
		return "", err
	}
	next := current.Theme.Opposite()
	if err := s.Set(ctx, visitorID, next); err != nil {
		return "", err
	}
	return next, nil
}

// Reset drops the explicit choice so the visitor follows the system default.
func (s *ThemeStore) Reset(ctx context.Context, visitorID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.prefs.DeleteThemePreference(ctx, visitorID); err != nil {
		return fmt.Errorf("delete theme preference: %w", err)
	}
	s.notify(Change{VisitorID: visitorID, Theme: s.SystemDefault()})
	return nil
}

// SystemDefault returns the theme used by visitors without a choice.
func (s *ThemeStore) SystemDefault() domain.Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.system
}

// SetSystemDefault updates the fallback theme and notifies subscribers when
// it actually changed.
func (s *ThemeStore) SetSystemDefault(theme domain.Theme) {
	s.mu.Lock()
	if s.closed || s.system == theme {
		s.mu.Unlock()
		return
	}
	s.system = theme
	s.mu.Unlock()

	s.logger.Info("System theme changed", "theme", theme)
	s.notify(Change{Theme: theme})
}

// Subscribe registers fn for every change and returns a function that
// removes it. fn runs on the goroutine that made the change and must not
// block.
func (s *ThemeStore) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close detaches every listener. Later mutations fail with ErrClosed.
func (s *ThemeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[int]func(Change))
	return nil
}

func (s *ThemeStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *ThemeStore) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
