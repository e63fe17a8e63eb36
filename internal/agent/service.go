package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/aether-labs/internal/chat"
	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/registry"
)

// Service owns one chat session per visitor tab.
type Service struct {
	completer chat.Completer
	greeting  string
	sessions  *registry.Registry[*chat.Session]
	log       ConversationLogger
	logger    *slog.Logger
}

// NewService creates a chat service. A nil conversation logger discards.
func NewService(completer chat.Completer, greeting string, conversationLogger ConversationLogger, logger *slog.Logger) *Service {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		completer: completer,
		greeting:  greeting,
		sessions:  registry.New[*chat.Session]("chat"),
		log:       conversationLogger,
		logger:    logger,
	}
}

// Session returns the chat session of a visitor tab, creating it on first use.
func (s *Service) Session(visitorID, sessionID string) *chat.Session {
	return s.sessions.GetOrCreate(visitorID, sessionID, func() *chat.Session {
		return chat.NewSession(s.completer, s.greeting, s.logger.With("visitor_id", visitorID, "session_id", sessionID))
	})
}

// Ask submits a message to the visitor's session and logs the exchange.
func (s *Service) Ask(ctx context.Context, visitorID, sessionID, text, requestID string) (domain.ChatMessage, error) {
	session := s.Session(visitorID, sessionID)

	start := time.Now()
	reply, err := session.Submit(ctx, text)
	if err != nil && !errors.Is(err, chat.ErrSessionClosed) {
		return reply, err
	}

	s.logExchange(visitorID, sessionID, text, reply, requestID, time.Since(start))
	return reply, err
}

func (s *Service) logExchange(visitorID, sessionID, question string, reply domain.ChatMessage, requestID string, took time.Duration) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.log.Log(ConversationLogEvent{
		Timestamp:  now,
		VisitorID:  visitorID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: question,
		Meta:       map[string]any{"request_id": requestID},
	})
	s.log.Log(ConversationLogEvent{
		Timestamp:  now,
		VisitorID:  visitorID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: reply.Text,
		Meta: map[string]any{
			"request_id":  requestID,
			"fallback":    reply.Text == chat.FallbackReply,
			"duration_ms": took.Milliseconds(),
		},
	})
}

// Forget closes and drops the chat session of a visitor tab.
func (s *Service) Forget(visitorID, sessionID string) bool {
	return s.sessions.Remove(visitorID, sessionID)
}

// Sweep closes chat sessions idle for longer than ttl.
func (s *Service) Sweep(ttl time.Duration) int {
	return s.sessions.Sweep(ttl)
}

// Len returns the number of live chat sessions.
func (s *Service) Len() int {
	return s.sessions.Len()
}

// Close closes every session and flushes the conversation log.
func (s *Service) Close() {
	s.sessions.CloseAll()
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}
