package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/identity"
	"github.com/ashureev/aether-labs/internal/settings"
	"github.com/go-chi/chi/v5"
)

const themeEventBuffer = 4

// ThemeRequest sets an explicit theme.
type ThemeRequest struct {
	Theme string `json:"theme"`
}

// ThemeConfig configures a ThemeHandler.
type ThemeConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	MaxBodySize       int64
}

// ThemeHandler serves the theme settings and their change stream.
type ThemeHandler struct {
	store *settings.ThemeStore
	cfg   ThemeConfig

	done     chan struct{}
	stopOnce sync.Once
}

// NewThemeHandler creates a theme handler.
func NewThemeHandler(store *settings.ThemeStore, cfg ThemeConfig) *ThemeHandler {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &ThemeHandler{store: store, cfg: cfg, done: make(chan struct{})}
}

// RegisterRoutes registers the theme routes.
func (h *ThemeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/theme", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Set)
		r.Delete("/", h.Reset)
		r.Post("/toggle", h.Toggle)
		r.Get("/stream", h.Stream)
	})
}

// Get handles GET /api/theme.
func (h *ThemeHandler) Get(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.store.Get(r.Context(), identity.VisitorIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to load theme", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load theme")
		return
	}
	JSON(w, http.StatusOK, resolved)
}

// Set handles PUT /api/theme.
func (h *ThemeHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req ThemeRequest
	if !Decode(w, r, h.cfg.MaxBodySize, &req) {
		return
	}
	theme, err := domain.ParseTheme(req.Theme)
	if err != nil {
		Error(w, http.StatusBadRequest, "theme must be dark or light")
		return
	}
	visitorID := identity.VisitorIDFromContext(r.Context())
	if err := h.store.Set(r.Context(), visitorID, theme); err != nil {
		h.mutationFailed(w, err)
		return
	}
	h.Get(w, r)
}

// Toggle handles POST /api/theme/toggle.
func (h *ThemeHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if _, err := h.store.Toggle(r.Context(), visitorID); err != nil {
		h.mutationFailed(w, err)
		return
	}
	h.Get(w, r)
}

// Reset handles DELETE /api/theme.
func (h *ThemeHandler) Reset(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if err := h.store.Reset(r.Context(), visitorID); err != nil {
		h.mutationFailed(w, err)
		return
	}
	h.Get(w, r)
}

func (h *ThemeHandler) mutationFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, settings.ErrClosed) {
		Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	slog.Error("Theme update failed", "error", err)
	Error(w, http.StatusInternalServerError, "failed to update theme")
}

// Stream handles GET /api/theme/stream. It sends the resolved theme on
// connect and again whenever it changes for this visitor.
func (h *ThemeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitorID := identity.VisitorIDFromContext(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	changes := make(chan settings.Change, themeEventBuffer)
	unsubscribe := h.store.Subscribe(func(c settings.Change) {
		if c.VisitorID != "" && c.VisitorID != visitorID {
			return
		}
		select {
		case changes <- c:
		default:
			slog.Debug("Theme stream lagging, dropping change", "visitor_id", visitorID)
		}
	})
	defer unsubscribe()

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "visitor_id", visitorID)
		return
	}
	current, err := h.store.Get(ctx, visitorID)
	if err != nil {
		slog.Error("Failed to load theme for stream", "error", err, "visitor_id", visitorID)
		return
	}
	if err := writeThemeEvent(w, current); err != nil {
		slog.Warn("failed to write SSE theme event", "error", err, "visitor_id", visitorID)
		return
	}
	flusher.Flush()
	slog.Info("Theme stream connected", "visitor_id", visitorID)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Theme stream disconnected", "visitor_id", visitorID)
			return
		case <-h.done:
			return
		case c := <-changes:
			next, ok := h.resolveChange(r, visitorID, c)
			if !ok || next == current {
				continue
			}
			current = next
			if err := writeThemeEvent(w, current); err != nil {
				slog.Warn("failed to write SSE theme event", "error", err, "visitor_id", visitorID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "visitor_id", visitorID)
				return
			}
			flusher.Flush()
		}
	}
}

// resolveChange maps a change onto what this visitor now sees. A system
// change only matters to visitors without an explicit choice.
func (h *ThemeHandler) resolveChange(r *http.Request, visitorID string, c settings.Change) (settings.Resolved, bool) {
	if c.VisitorID == visitorID {
		return settings.Resolved{Theme: c.Theme, Explicit: c.Explicit, System: h.store.SystemDefault()}, true
	}
	resolved, err := h.store.Get(r.Context(), visitorID)
	if err != nil {
		slog.Warn("Failed to resolve theme change", "error", err, "visitor_id", visitorID)
		return settings.Resolved{}, false
	}
	if resolved.Explicit {
		return settings.Resolved{}, false
	}
	return resolved, true
}

// Close ends every open theme stream.
func (h *ThemeHandler) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

func writeThemeEvent(w io.Writer, resolved settings.Resolved) error {
	data, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("marshal theme: %w", err)
	}
	return writeSSE(w, "theme", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
