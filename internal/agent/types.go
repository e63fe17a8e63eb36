// Package agent connects visitors to the workshop assistant: the Gemini
// completer, the per-tab chat sessions and their HTTP endpoints.
package agent

import (
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
)

// MessageRequest is the body of POST /api/chat/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// InputRequest is the body of PUT /api/chat/input.
type InputRequest struct {
	Text string `json:"text"`
}

// MessageResponse is returned once the assistant reply has been appended.
type MessageResponse struct {
	Reply    domain.ChatMessage   `json:"reply"`
	Fallback bool                 `json:"fallback"`
	Messages []domain.ChatMessage `json:"messages"`
}

// StateResponse describes a chat session.
type StateResponse struct {
	Open     bool                 `json:"open"`
	InFlight bool                 `json:"in_flight"`
	Input    string               `json:"input"`
	Messages []domain.ChatMessage `json:"messages"`
}

// Config holds completer configuration.
type Config struct {
	APIKey            string
	Model             string
	Timeout           time.Duration
	SystemInstruction string
}

// DefaultConfig returns default completer configuration.
func DefaultConfig() Config {
	return Config{
		Model:   "gemini-2.5-flash",
		Timeout: 30 * time.Second,
	}
}
