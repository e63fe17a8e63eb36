package api

import (
	"net/http"

	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/go-chi/chi/v5"
)

// CatalogResponse is the public part of the workshop catalog.
type CatalogResponse struct {
	Assistant CatalogAssistant   `json:"assistant"`
	Questions []catalog.Question `json:"questions"`
	Stages    []CatalogStage     `json:"stages"`
	Timings   CatalogTimings     `json:"timings"`
}

// CatalogAssistant is what the page needs to present the assistant.
type CatalogAssistant struct {
	Name     string `json:"name"`
	Greeting string `json:"greeting"`
}

// CatalogStage is a processing stage with its duration in milliseconds.
type CatalogStage struct {
	catalog.Stage
	DurationMs int64 `json:"duration_ms"`
}

// CatalogTimings are the wizard delays in milliseconds.
type CatalogTimings struct {
	InitialDelayMs    int64 `json:"initial_delay_ms"`
	SettleDelayMs     int64 `json:"settle_delay_ms"`
	FinalDelayMs      int64 `json:"final_delay_ms"`
	SubmitDelayMs     int64 `json:"submit_delay_ms"`
	ProcessingTotalMs int64 `json:"processing_total_ms"`
}

// NewCatalogResponse builds the public view of cat.
func NewCatalogResponse(cat *catalog.Catalog) CatalogResponse {
	stages := make([]CatalogStage, len(cat.Stages))
	for i, st := range cat.Stages {
		stages[i] = CatalogStage{Stage: st, DurationMs: st.Duration.Milliseconds()}
	}
	return CatalogResponse{
		Assistant: CatalogAssistant{Name: cat.Assistant.Name, Greeting: cat.Assistant.Greeting},
		Questions: cat.Questions,
		Stages:    stages,
		Timings: CatalogTimings{
			InitialDelayMs:    cat.Timings.InitialDelay.Milliseconds(),
			SettleDelayMs:     cat.Timings.SettleDelay.Milliseconds(),
			FinalDelayMs:      cat.Timings.FinalDelay.Milliseconds(),
			SubmitDelayMs:     cat.Timings.SubmitDelay.Milliseconds(),
			ProcessingTotalMs: cat.ProcessingDuration().Milliseconds(),
		},
	}
}

// CatalogHandler serves GET /api/catalog.
type CatalogHandler struct {
	body CatalogResponse
}

// NewCatalogHandler creates a catalog handler.
func NewCatalogHandler(cat *catalog.Catalog) *CatalogHandler {
	return &CatalogHandler{body: NewCatalogResponse(cat)}
}

// Get handles GET /api/catalog.
func (h *CatalogHandler) Get(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	JSON(w, http.StatusOK, h.body)
}

// RegisterRoutes registers the catalog route.
func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/catalog", h.Get)
}
