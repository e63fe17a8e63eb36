// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
)

// Repository defines the interface for persisting visitors and their
// theme preferences. Assessment answers and chat transcripts are never stored.
type Repository interface {
	// GetVisitor retrieves a visitor by id. Returns nil, nil when unknown.
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)

	// UpsertVisitor creates or updates a visitor record.
	UpsertVisitor(ctx context.Context, visitor *domain.Visitor) error

	// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
	UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error

	// DeleteInactiveVisitors removes visitors not seen within ttl, together
	// with their preferences.
	DeleteInactiveVisitors(ctx context.Context, ttl time.Duration) (int64, error)

	// GetThemePreference returns the explicit theme of a visitor, or nil, nil.
	GetThemePreference(ctx context.Context, visitorID string) (*domain.ThemePreference, error)

	// SetThemePreference stores an explicit theme.
	SetThemePreference(ctx context.Context, pref *domain.ThemePreference) error

	// DeleteThemePreference forgets an explicit theme so the visitor follows
	// the system default again.
	DeleteThemePreference(ctx context.Context, visitorID string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
