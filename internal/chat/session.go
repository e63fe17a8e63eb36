// Package chat manages a visitor's conversation with the workshop assistant.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/aether-labs/internal/domain"
)

// FallbackReply replaces the assistant's answer whenever the completion
// service fails or returns nothing.
const FallbackReply = "I'm currently experiencing high traffic. Please check the sessions section for more details."

var (
	// ErrBlankMessage is returned when the submitted text is empty after trimming.
	ErrBlankMessage = errors.New("message is blank")
	// ErrRequestInFlight is returned when a reply is still outstanding.
	ErrRequestInFlight = errors.New("a reply is already in progress")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("chat session closed")
)

// Completer is the external completion service. history is the transcript
// before message, oldest first.
type Completer interface {
	Complete(ctx context.Context, history []domain.ChatMessage, message string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, history []domain.ChatMessage, message string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, history []domain.ChatMessage, message string) (string, error) {
	return f(ctx, history, message)
}

// Session is an append-only transcript with at most one outstanding
// completion request.
type Session struct {
	mu        sync.Mutex
	completer Completer
	logger    *slog.Logger

	messages []domain.ChatMessage
	input    string
	inFlight bool
	open     bool
	closed   bool
}

// NewSession creates a session seeded with the assistant greeting.
func NewSession(completer Completer, greeting string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		completer: completer,
		logger:    logger,
		messages:  []domain.ChatMessage{{Role: domain.RoleAssistant, Text: greeting}},
	}
}

// Toggle flips the chat surface between open and closed and returns the new
// state. The transcript is untouched.
func (s *Session) Toggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = !s.open
	return s.open
}

// Open reports whether the chat surface is visible.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// SetInput stores the current draft.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = text
}

// Input returns the current draft.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// InFlight reports whether a reply is outstanding.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Submit sends text to the assistant and blocks until the reply has been
// appended. Blank text and submissions made while another reply is
// outstanding are dropped without touching the transcript. Completion errors
// never surface; they become FallbackReply.
func (s *Session) Submit(ctx context.Context, text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, ErrBlankMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ChatMessage{}, ErrSessionClosed
	}
	if s.inFlight {
		s.mu.Unlock()
		return domain.ChatMessage{}, ErrRequestInFlight
	}
	history := make([]domain.ChatMessage, len(s.messages))
	copy(history, s.messages)
	s.messages = append(s.messages, domain.ChatMessage{Role: domain.RoleUser, Text: text})
	s.input = ""
	s.inFlight = true
	s.mu.Unlock()

	reply, err := s.complete(ctx, history, text)
	if err != nil {
		s.logger.Warn("Completion failed, using fallback reply", "error", err)
		reply = ""
	}
	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}
	msg := domain.ChatMessage{Role: domain.RoleAssistant, Text: reply}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if s.closed {
		// Torn down while waiting; the reply has nowhere to go.
		return msg, ErrSessionClosed
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// complete calls the completer, turning a panic into an error so the
// in-flight flag is always cleared.
func (s *Session) complete(ctx context.Context, history []domain.ChatMessage, text string) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("completer panicked: %v", p)
		}
	}()
	return s.completer.Complete(ctx, history, text)
}

// Close marks the session as torn down. A reply arriving afterwards is
// discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
