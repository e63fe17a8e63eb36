package assessment

import (
	"context"
	"log/slog"

	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/google/uuid"
)

// Submitter delivers a completed lead. It returns a receipt id on success.
type Submitter interface {
	Submit(ctx context.Context, lead domain.Lead) (string, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, lead domain.Lead) (string, error)

// Submit implements Submitter.
func (f SubmitterFunc) Submit(ctx context.Context, lead domain.Lead) (string, error) {
	return f(ctx, lead)
}

// SimulatedSubmitter accepts every lead without contacting any backend. The
// network latency is simulated by the flow's submit delay.
type SimulatedSubmitter struct {
	Logger *slog.Logger
}

// Submit logs the lead and returns a fresh receipt id.
func (s SimulatedSubmitter) Submit(ctx context.Context, lead domain.Lead) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	receipt := uuid.NewString()
	logger.Info("Assessment lead received",
		"receipt_id", receipt,
		"visitor_id", lead.VisitorID,
		"answers", len(lead.Answers),
		"has_phone", lead.Contact.Phone != "",
		"has_company", lead.Contact.Company != "",
	)
	return receipt, nil
}
