package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

const greeting = "Hello. I'm Aether."

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingCompleter struct {
	mu      sync.Mutex
	calls   int
	history [][]domain.ChatMessage
	reply   string
	err     error
}

func (r *recordingCompleter) Complete(_ context.Context, history []domain.ChatMessage, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.history = append(r.history, history)
	if r.err != nil {
		return "", r.err
	}
	return r.reply + message, nil
}

func (r *recordingCompleter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newSession(c Completer) *Session {
	return NewSession(c, greeting, slog.New(slog.DiscardHandler))
}

func TestNewSessionSeedsGreeting(t *testing.T) {
	s := newSession(&recordingCompleter{})
	want := []domain.ChatMessage{{Role: domain.RoleAssistant, Text: greeting}}
	if diff := cmp.Diff(want, s.Messages()); diff != "" {
		t.Fatalf("unexpected transcript (-want +got):\n%s", diff)
	}
}

func TestSubmitBlankIsDropped(t *testing.T) {
	c := &recordingCompleter{}
	s := newSession(c)

	for _, text := range []string{"", " ", "\t\n  "} {
		if _, err := s.Submit(context.Background(), text); !errors.Is(err, ErrBlankMessage) {
			t.Fatalf("expected ErrBlankMessage for %q, got %v", text, err)
		}
	}
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected only the greeting, got %d messages", got)
	}
	if c.callCount() != 0 {
		t.Fatalf("completer should not be called, got %d calls", c.callCount())
	}
}

func TestSubmitAppendsUserAndAssistant(t *testing.T) {
	c := &recordingCompleter{reply: "re: "}
	s := newSession(c)
	s.SetInput("  What topics are covered?  ")

	reply, err := s.Submit(context.Background(), s.Input())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if reply.Text != "re: What topics are covered?" {
		t.Fatalf("unexpected reply %q", reply.Text)
	}

	want := []domain.ChatMessage{
		{Role: domain.RoleAssistant, Text: greeting},
		{Role: domain.RoleUser, Text: "What topics are covered?"},
		{Role: domain.RoleAssistant, Text: "re: What topics are covered?"},
	}
	if diff := cmp.Diff(want, s.Messages()); diff != "" {
		t.Fatalf("unexpected transcript (-want +got):\n%s", diff)
	}
	if s.Input() != "" {
		t.Fatal("expected input to be cleared")
	}
	if s.InFlight() {
		t.Fatal("expected in-flight flag to be cleared")
	}

	// The completer sees the transcript before the new message.
	if diff := cmp.Diff(want[:1], c.history[0]); diff != "" {
		t.Fatalf("unexpected history passed to completer (-want +got):\n%s", diff)
	}
	if _, err := s.Submit(context.Background(), "And day two?"); err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if diff := cmp.Diff(want, c.history[1]); diff != "" {
		t.Fatalf("unexpected second history (-want +got):\n%s", diff)
	}
}

func TestSubmitWhileInFlightIsDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int
	var mu sync.Mutex
	c := CompleterFunc(func(ctx context.Context, _ []domain.ChatMessage, _ string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return "Ten sessions over two days.", nil
	})
	s := newSession(c)

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "What topics are covered?")
		done <- err
	}()
	<-entered

	if !s.InFlight() {
		t.Fatal("expected a request in flight")
	}
	before := len(s.Messages())
	if _, err := s.Submit(context.Background(), "What topics are covered?"); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}
	if got := len(s.Messages()); got != before {
		t.Fatalf("dropped submission changed the transcript: %d -> %d", before, got)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first Submit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Submit did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one completion call, got %d", calls)
	}
	if got := len(s.Messages()); got != 3 {
		t.Fatalf("expected greeting, question and reply, got %d", got)
	}
}

func TestSubmitCompleterErrorUsesFallback(t *testing.T) {
	c := &recordingCompleter{err: errors.New("quota exceeded")}
	s := newSession(c)

	reply, err := s.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("completion errors must not surface, got %v", err)
	}
	if reply.Text != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply.Text)
	}

	want := []domain.ChatMessage{
		{Role: domain.RoleAssistant, Text: greeting},
		{Role: domain.RoleUser, Text: "hello"},
		{Role: domain.RoleAssistant, Text: FallbackReply},
	}
	if diff := cmp.Diff(want, s.Messages()); diff != "" {
		t.Fatalf("unexpected transcript (-want +got):\n%s", diff)
	}
	if s.InFlight() {
		t.Fatal("expected in-flight flag to be cleared")
	}

	// The session stays usable.
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	if _, err := s.Submit(context.Background(), "still there?"); err != nil {
		t.Fatalf("expected session to recover, got %v", err)
	}
}

func TestSubmitEmptyReplyUsesFallback(t *testing.T) {
	c := CompleterFunc(func(context.Context, []domain.ChatMessage, string) (string, error) {
		return "  ", nil
	})
	s := newSession(c)

	reply, err := s.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if reply.Text != FallbackReply {
		t.Fatalf("expected fallback, got %q", reply.Text)
	}
}

func TestToggleLeavesTranscriptAlone(t *testing.T) {
	s := newSession(&recordingCompleter{})
	if s.Open() {
		t.Fatal("expected chat to start closed")
	}
	if !s.Toggle() || !s.Open() {
		t.Fatal("expected chat to open")
	}
	if s.Toggle() {
		t.Fatal("expected chat to close")
	}
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("toggle changed the transcript: %d messages", got)
	}
}

func TestReplyAfterCloseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	c := CompleterFunc(func(context.Context, []domain.ChatMessage, string) (string, error) {
		close(entered)
		<-release
		return "late", nil
	})
	s := newSession(c)

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "hello")
		done <- err
	}()
	<-entered
	_ = s.Close()
	close(release)

	if err := <-done; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	for _, m := range s.Messages() {
		if m.Text == "late" {
			t.Fatal("late reply was appended after teardown")
		}
	}
	if _, err := s.Submit(context.Background(), "again"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSubmitRecoversFromCompleterPanic(t *testing.T) {
	calls := 0
	s := newSession(CompleterFunc(func(_ context.Context, _ []domain.ChatMessage, msg string) (string, error) {
		calls++
		if calls == 1 {
			panic("client bug")
		}
		return "ok: " + msg, nil
	}))

	reply, err := s.Submit(context.Background(), "first")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Text != FallbackReply {
		t.Fatalf("expected fallback after panic, got %q", reply.Text)
	}
	if s.InFlight() {
		t.Fatal("expected in-flight to be cleared")
	}

	reply, err = s.Submit(context.Background(), "second")
	if err != nil || reply.Text != "ok: second" {
		t.Fatalf("expected session to stay usable, got %q, %v", reply.Text, err)
	}
	if got := len(s.Messages()); got != 5 {
		t.Fatalf("expected 5 messages, got %d", got)
	}
}
