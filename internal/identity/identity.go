// Package identity provides anonymous per-device visitor identity.
//
// Every request carries a visitor id (long-lived cookie) and a tab session id
// (header or query parameter). Per-tab state such as the assessment flow and
// the chat transcript is keyed by both.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/store"
)

const (
	AnonCookieName        = "aether_anon_id"
	SessionHeaderName     = "X-Aether-Session-ID"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
	// lastSeenResolution bounds how often a returning visitor is written back.
	lastSeenResolution = 5 * time.Minute
)

type contextKey int

const (
	visitorIDKey contextKey = iota
	handleKey
	sessionIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// VisitorIDFromContext extracts the visitor ID from the request context.
func VisitorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(visitorIDKey).(string); ok {
		return v
	}
	return ""
}

// HandleFromContext extracts the display handle from the request context.
func HandleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(handleKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithVisitor returns ctx carrying the given identity. Used by tests and by
// callers that establish identity without the middleware.
func WithVisitor(ctx context.Context, visitorID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, visitorIDKey, visitorID)
	ctx = context.WithValue(ctx, handleKey, deriveHandle(visitorID))
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func deriveHandle(visitorID string) string {
	if len(visitorID) > 13 {
		return "visitor-" + visitorID[len(visitorID)-8:]
	}
	return "visitor"
}

func ensureVisitor(ctx context.Context, repo store.Repository, visitorID string) error {
	visitor, err := repo.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}

	now := time.Now()
	if visitor != nil {
		if visitor.IdleFor(now) < lastSeenResolution {
			return nil
		}
		return repo.UpdateLastSeen(ctx, visitorID, now)
	}

	return repo.UpsertVisitor(ctx, &domain.Visitor{
		VisitorID:  visitorID,
		Handle:     deriveHandle(visitorID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects anonymous per-device identity and per-request session ID.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitorID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureVisitor(r.Context(), repo, visitorID); err != nil {
				slog.Error("Failed to record visitor", "visitor_id", visitorID, "error", err)
				http.Error(w, `{"error":"failed to initialize anonymous visitor"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithVisitor(r.Context(), visitorID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
