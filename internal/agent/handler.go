package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/aether-labs/internal/api"
	"github.com/ashureev/aether-labs/internal/chat"
	"github.com/ashureev/aether-labs/internal/config"
	"github.com/ashureev/aether-labs/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handler serves the chat endpoints.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	maxBodySize int64
}

// RateLimiter implements a per-visitor rate limiter.
// The key is visitorID only, not visitorID:sessionID, so clients cannot
// bypass throttling by rotating tab session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.freshLocked(key, now.Add(-r.window))
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Refund returns the most recent slot taken by key, for requests that were
// rejected after Allow charged them.
func (r *RateLimiter) Refund(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.requests[key]); n > 0 {
		r.requests[key] = r.requests[key][:n-1]
	}
}

func (r *RateLimiter) freshLocked(key string, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				cutoff := r.now().Add(-r.window)
				for key := range r.requests {
					if fresh := r.freshLocked(key, cutoff); len(fresh) == 0 {
						delete(r.requests, key)
					} else {
						r.requests[key] = fresh
					}
				}
				r.mu.Unlock()
			}
		}
	}()
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// NewHandler creates a chat handler. cfg may be nil for defaults.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	limit, window := 10, time.Minute
	var maxBody int64
	if cfg != nil {
		limit = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
		maxBody = cfg.SSE.MaxRequestBodySize
	}
	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(limit, window),
		maxBodySize: maxBody,
	}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.HandleState)
		r.Delete("/", h.HandleReset)
		r.Put("/input", h.HandleInput)
		r.Post("/toggle", h.HandleToggle)
		r.Post("/messages", h.HandleMessage)
	})
}

// HandleState handles GET /api/chat.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	session := h.session(r)
	api.JSON(w, http.StatusOK, stateOf(session))
}

// HandleToggle handles POST /api/chat/toggle.
func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	session := h.session(r)
	session.Toggle()
	api.JSON(w, http.StatusOK, stateOf(session))
}

// HandleInput handles PUT /api/chat/input.
func (h *Handler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if !api.Decode(w, r, h.maxBodySize, &req) {
		return
	}
	session := h.session(r)
	session.SetInput(req.Text)
	api.JSON(w, http.StatusOK, stateOf(session))
}

// HandleReset handles DELETE /api/chat.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.svc.Forget(visitorID, sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessage handles POST /api/chat/messages. It blocks until the
// assistant reply (or the fallback) has been appended.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if visitorID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req MessageRequest
	if !api.Decode(w, r, h.maxBodySize, &req) {
		return
	}

	// Dropped sends never reach the completer and are not charged.
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if h.svc.Session(visitorID, sessionID).InFlight() {
		api.Error(w, http.StatusConflict, "a reply is already in progress")
		return
	}

	// Rate-limit by visitorID only so clients cannot bypass throttling by
	// rotating session IDs.
	if !h.rateLimiter.Allow(visitorID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Chat message received",
		"visitor_id", visitorID,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"request_id", reqID,
	)

	// The reply lands in the transcript even if the client goes away; the
	// completer's own timeout bounds the call.
	reply, err := h.svc.Ask(context.WithoutCancel(r.Context()), visitorID, sessionID, req.Message, reqID)
	switch {
	case errors.Is(err, chat.ErrBlankMessage):
		h.rateLimiter.Refund(visitorID)
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, chat.ErrRequestInFlight):
		h.rateLimiter.Refund(visitorID)
		api.Error(w, http.StatusConflict, "a reply is already in progress")
		return
	case errors.Is(err, chat.ErrSessionClosed):
		api.Error(w, http.StatusGone, "chat session closed")
		return
	case err != nil:
		slog.Error("Chat message failed", "visitor_id", visitorID, "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "chat failed")
		return
	}

	api.JSON(w, http.StatusOK, MessageResponse{
		Reply:    reply,
		Fallback: reply.Text == chat.FallbackReply,
		Messages: h.svc.Session(visitorID, sessionID).Messages(),
	})
}

// Close stops background work and closes every chat session.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	h.svc.Close()
}

func (h *Handler) session(r *http.Request) *chat.Session {
	return h.svc.Session(identity.VisitorIDFromContext(r.Context()), identity.SessionIDFromContext(r.Context()))
}

func stateOf(s *chat.Session) StateResponse {
	return StateResponse{
		Open:     s.Open(),
		InFlight: s.InFlight(),
		Input:    s.Input(),
		Messages: s.Messages(),
	}
}
