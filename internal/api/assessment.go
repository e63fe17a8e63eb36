package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/aether-labs/internal/assessment"
	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/identity"
	"github.com/ashureev/aether-labs/internal/registry"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const wsWriteTimeout = 5 * time.Second

// AnswerRequest selects an option for a question.
type AnswerRequest struct {
	QuestionID int    `json:"question_id"`
	Value      string `json:"value"`
}

// ActionResponse reports the outcome of a wizard action.
type ActionResponse struct {
	Accepted bool                 `json:"accepted"`
	Exited   bool                 `json:"exited,omitempty"`
	Snapshot *assessment.Snapshot `json:"snapshot,omitempty"`
}

// AssessmentConfig configures an AssessmentHandler.
type AssessmentConfig struct {
	Scheduler     assessment.Scheduler
	Submitter     assessment.Submitter
	Logger        *slog.Logger
	MaxBodySize   int64
	AllowedOrigin string
	IsDev         bool
}

// AssessmentHandler serves the assessment wizard. Each visitor tab owns at
// most one flow.
type AssessmentHandler struct {
	flows *registry.Registry[*assessment.Flow]
	cat   *catalog.Catalog
	cfg   AssessmentConfig
}

// NewAssessmentHandler creates an assessment handler.
func NewAssessmentHandler(cat *catalog.Catalog, cfg AssessmentConfig) *AssessmentHandler {
	if cfg.Scheduler == nil {
		cfg.Scheduler = assessment.WallClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	return &AssessmentHandler{
		flows: registry.New[*assessment.Flow]("assessment"),
		cat:   cat,
		cfg:   cfg,
	}
}

// RegisterRoutes registers the assessment routes.
func (h *AssessmentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assessment", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/", h.Get)
		r.Delete("/", h.Teardown)
		r.Put("/answers", h.SelectAnswer)
		r.Post("/advance", h.Advance)
		r.Post("/retreat", h.Retreat)
		r.Put("/details", h.SetDetails)
		r.Post("/submit", h.Submit)
		r.Post("/exit", h.Exit)
	})
	r.Get("/ws/assessment", h.Stream)
}

// Start handles POST /api/assessment. Any earlier flow for the tab is torn
// down.
func (h *AssessmentHandler) Start(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	var flow *assessment.Flow
	flow = assessment.NewFlow(h.cat,
		assessment.WithScheduler(h.cfg.Scheduler),
		assessment.WithSubmitter(h.cfg.Submitter),
		assessment.WithLogger(h.cfg.Logger),
		assessment.WithVisitor(visitorID),
		assessment.WithExit(func() {
			h.flows.RemoveIf(visitorID, sessionID, flow)
		}),
	)
	h.flows.Replace(visitorID, sessionID, flow)
	h.cfg.Logger.Info("Assessment started",
		"visitor_id", visitorID,
		"session_id", sessionID,
		"handle", identity.HandleFromContext(r.Context()),
		"remote_ip", identity.IPFromRequest(r),
	)

	JSON(w, http.StatusCreated, flow.Snapshot())
}

// Get handles GET /api/assessment.
func (h *AssessmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, flow.Snapshot())
}

// Teardown handles DELETE /api/assessment. Pending timers and submissions
// are cancelled.
func (h *AssessmentHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if h.flows.Remove(visitorID, sessionID) {
		h.cfg.Logger.Info("Assessment torn down", "visitor_id", visitorID, "session_id", sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectAnswer handles PUT /api/assessment/answers.
func (h *AssessmentHandler) SelectAnswer(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req AnswerRequest
	if !Decode(w, r, h.cfg.MaxBodySize, &req) {
		return
	}
	if err := h.cat.CheckAnswer(req.QuestionID, req.Value); err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnknownQuestion):
			Error(w, http.StatusBadRequest, "unknown question")
		case errors.Is(err, catalog.ErrUnknownOption):
			Error(w, http.StatusBadRequest, "unknown option")
		default:
			Error(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	flow.SelectAnswer(req.QuestionID, req.Value)
	JSON(w, http.StatusOK, flow.Snapshot())
}

// Advance handles POST /api/assessment/advance.
func (h *AssessmentHandler) Advance(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	accepted := flow.Advance()
	h.respond(w, http.StatusOK, flow, ActionResponse{Accepted: accepted})
}

// Retreat handles POST /api/assessment/retreat. Retreating from the first
// question ends the wizard and reports exited.
func (h *AssessmentHandler) Retreat(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	before := flow.Snapshot()
	exited := flow.Retreat()
	if exited {
		JSON(w, http.StatusOK, ActionResponse{Accepted: true, Exited: true})
		return
	}
	after := flow.Snapshot()
	accepted := after.Phase != before.Phase || after.QuestionIndex != before.QuestionIndex
	JSON(w, http.StatusOK, ActionResponse{Accepted: accepted, Snapshot: &after})
}

// SetDetails handles PUT /api/assessment/details.
func (h *AssessmentHandler) SetDetails(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req domain.ContactDetails
	if !Decode(w, r, h.cfg.MaxBodySize, &req) {
		return
	}
	accepted := flow.SetDetails(req)
	status := http.StatusOK
	if !accepted {
		status = http.StatusConflict
	}
	h.respond(w, status, flow, ActionResponse{Accepted: accepted})
}

// Submit handles POST /api/assessment/submit. It answers 202 once the
// submission is scheduled and 409 when the flow ignored it.
func (h *AssessmentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	if !flow.SubmitDetails() {
		h.respond(w, http.StatusConflict, flow, ActionResponse{})
		return
	}
	h.cfg.Logger.Info("Assessment submitted",
		"visitor_id", identity.VisitorIDFromContext(r.Context()),
		"session_id", identity.SessionIDFromContext(r.Context()),
	)
	h.respond(w, http.StatusAccepted, flow, ActionResponse{Accepted: true})
}

// Exit handles POST /api/assessment/exit from the completion screen.
func (h *AssessmentHandler) Exit(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}
	if !flow.Exit() {
		h.respond(w, http.StatusConflict, flow, ActionResponse{})
		return
	}
	JSON(w, http.StatusOK, ActionResponse{Accepted: true, Exited: true})
}

// Stream handles GET /ws/assessment. It pushes a snapshot after every change
// and closes when the flow ends or the client goes away.
func (h *AssessmentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	flow, ok := h.flow(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.cfg.Logger.Error("Failed to accept WebSocket", "error", err, "visitor_id", visitorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "assessment closed"); closeErr != nil {
			h.cfg.Logger.Debug("Failed to close websocket", "error", closeErr, "visitor_id", visitorID)
		}
	}()

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := ws.CloseRead(r.Context())

	snapshots, cancel := flow.Subscribe()
	defer cancel()

	h.cfg.Logger.Debug("Assessment stream opened", "visitor_id", visitorID, "session_id", sessionID)
	for {
		select {
		case <-ctx.Done():
			h.cfg.Logger.Debug("Assessment stream client gone", "visitor_id", visitorID)
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, snap); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					h.cfg.Logger.Warn("Assessment stream write failed", "error", err, "visitor_id", visitorID)
				}
				return
			}
		}
	}
}

func (h *AssessmentHandler) write(ctx context.Context, ws *websocket.Conn, snap assessment.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, snap)
}

func (h *AssessmentHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.cfg.Logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

// Sweep closes flows idle for longer than ttl.
func (h *AssessmentHandler) Sweep(ttl time.Duration) int {
	return h.flows.Sweep(ttl)
}

// Len returns the number of live flows.
func (h *AssessmentHandler) Len() int {
	return h.flows.Len()
}

// Close tears down every flow.
func (h *AssessmentHandler) Close() {
	h.flows.CloseAll()
}

func (h *AssessmentHandler) flow(w http.ResponseWriter, r *http.Request) (*assessment.Flow, bool) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	flow, ok := h.flows.Get(visitorID, sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "no assessment in progress")
		return nil, false
	}
	return flow, true
}

func (h *AssessmentHandler) respond(w http.ResponseWriter, status int, flow *assessment.Flow, resp ActionResponse) {
	snap := flow.Snapshot()
	resp.Snapshot = &snap
	JSON(w, status, resp)
}
