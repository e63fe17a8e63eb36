// Package domain contains core domain types for the Aether Labs site.
package domain

import (
	"time"
)

// Visitor is an anonymous site visitor identified by a device cookie.
type Visitor struct {
	VisitorID  string    `json:"visitor_id"`
	Handle     string    `json:"handle"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the visitor has been inactive at now.
// Returns 0 if the visitor was seen after now.
func (v *Visitor) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(v.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
