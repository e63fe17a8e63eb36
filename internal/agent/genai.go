package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/aether-labs/internal/chat"
	"github.com/ashureev/aether-labs/internal/domain"
	"google.golang.org/genai"
)

var (
	errMissingAPIKey = errors.New("completion API key is required")
	errNoCandidates  = errors.New("completion returned no text")
	// ErrCompletionDisabled is returned by the Unavailable completer.
	ErrCompletionDisabled = errors.New("completion service not configured")
)

// GenAICompleter answers chat messages through the Gemini API.
type GenAICompleter struct {
	client            *genai.Client
	model             string
	systemInstruction string
	timeout           time.Duration
	logger            *slog.Logger
}

var _ chat.Completer = (*GenAICompleter)(nil)

// NewGenAICompleter creates a completer for the configured model.
func NewGenAICompleter(ctx context.Context, cfg Config, logger *slog.Logger) (*GenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GenAICompleter{
		client:            client,
		model:             cfg.Model,
		systemInstruction: cfg.SystemInstruction,
		timeout:           cfg.Timeout,
		logger:            logger,
	}, nil
}

// Complete sends the prior transcript and message to the model and returns
// the reply text.
func (c *GenAICompleter) Complete(ctx context.Context, history []domain.ChatMessage, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var genCfg *genai.GenerateContentConfig
	if c.systemInstruction != "" {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(c.systemInstruction, genai.RoleUser),
		}
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, buildContents(history, message), genCfg)
	if err != nil {
		return "", fmt.Errorf("generate content with %s: %w", c.model, err)
	}

	text := strings.TrimSpace(resp.Text())
	c.logger.Debug("Completion received",
		"model", c.model,
		"history_len", len(history),
		"reply_length", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if text == "" {
		return "", errNoCandidates
	}
	return text, nil
}

// buildContents maps the transcript onto model turns. Leading assistant
// messages (the local greeting) are skipped so the conversation opens with a
// user turn.
func buildContents(history []domain.ChatMessage, message string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		if len(contents) == 0 && m.Role == domain.RoleAssistant {
			continue
		}
		role := genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, genai.Role(role)))
	}
	return append(contents, genai.NewContentFromText(message, genai.RoleUser))
}

// Unavailable returns a completer that always fails, so every reply becomes
// the fallback text. Used when no API key is configured.
func Unavailable() chat.Completer {
	return chat.CompleterFunc(func(context.Context, []domain.ChatMessage, string) (string, error) {
		return "", ErrCompletionDisabled
	})
}
