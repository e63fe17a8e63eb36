package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/aether-labs/internal/chat"
	"github.com/ashureev/aether-labs/internal/config"
	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/identity"
	"github.com/go-chi/chi/v5"
)

const testVisitor = "anon_0123456789abcdef0123456789abcdef"

func newTestRouter(t *testing.T, completer chat.Completer, limit int) (http.Handler, *Handler) {
	t.Helper()
	svc := NewService(completer, "Hello. I'm Aether.", nil, slog.New(slog.DiscardHandler))
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: limit, WindowDuration: time.Minute},
		SSE:       config.SSEConfig{MaxRequestBodySize: 1024},
	}
	h := NewHandler(svc, cfg)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sid := req.Header.Get(identity.SessionHeaderName)
			next.ServeHTTP(w, req.WithContext(identity.WithVisitor(req.Context(), testVisitor, sid)))
		})
	})
	h.RegisterRoutes(r)
	return r, h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func echoCompleter() chat.Completer {
	return chat.CompleterFunc(func(_ context.Context, _ []domain.ChatMessage, msg string) (string, error) {
		return "You asked: " + msg, nil
	})
}

func TestHandleStateStartsWithGreeting(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 10)

	w := do(t, r, http.MethodGet, "/api/chat", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got StateResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Open || got.InFlight {
		t.Fatalf("unexpected initial state %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != domain.RoleAssistant {
		t.Fatalf("expected greeting only, got %+v", got.Messages)
	}
}

func TestHandleToggleAndInput(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 10)

	w := do(t, r, http.MethodPost, "/api/chat/toggle", "")
	var got StateResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if !got.Open {
		t.Fatal("expected chat to be open after toggle")
	}

	w = do(t, r, http.MethodPut, "/api/chat/input", `{"text":"draft"}`)
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Input != "draft" {
		t.Fatalf("expected draft input, got %q", got.Input)
	}
}

func TestHandleMessageAppendsReply(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 10)

	w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"  Who is it for?  "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got MessageResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Reply.Text != "You asked: Who is it for?" || got.Fallback {
		t.Fatalf("unexpected reply %+v", got)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
}

func TestHandleMessageFallback(t *testing.T) {
	failing := chat.CompleterFunc(func(context.Context, []domain.ChatMessage, string) (string, error) {
		return "", errors.New("upstream 503")
	})
	r, _ := newTestRouter(t, failing, 10)

	w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got MessageResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if !got.Fallback || got.Reply.Text != chat.FallbackReply {
		t.Fatalf("expected fallback reply, got %+v", got)
	}
}

func TestHandleMessageRejectsBlankAndBadBodies(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 10)

	if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/chat/messages", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", w.Code)
	}
	big := `{"message":"` + strings.Repeat("a", 2048) + `"}`
	if w := do(t, r, http.MethodPost, "/api/chat/messages", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", w.Code)
	}
}

func TestHandleMessageInFlightConflict(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := chat.CompleterFunc(func(context.Context, []domain.ChatMessage, string) (string, error) {
		close(entered)
		<-release
		return "done", nil
	})
	r, _ := newTestRouter(t, blocking, 2)

	first := make(chan int, 1)
	go func() {
		first <- do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"one"}`).Code
	}()
	<-entered

	if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"two"}`); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", w.Code)
	}
	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", code)
	}
	// The rejected send did not use the second slot.
	if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"three"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after the conflict, got %d", w.Code)
	}
}

func TestHandleMessageBlankSendsAreNotCharged(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 2)

	for i := 0; i < 3; i++ {
		if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"   "}`); w.Code != http.StatusBadRequest {
			t.Fatalf("blank %d: expected 400, got %d", i, w.Code)
		}
	}
	for i := 0; i < 2; i++ {
		if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"What topics are covered?"}`); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"one more"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestHandleMessageSurvivesClientDisconnect(t *testing.T) {
	ctxAware := chat.CompleterFunc(func(ctx context.Context, _ []domain.ChatMessage, msg string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "Answer to " + msg, nil
	})
	r, h := newTestRouter(t, ctxAware, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/messages", strings.NewReader(`{"message":"agenda?"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	msgs := h.svc.Session(testVisitor, "tab-1").Messages()
	if len(msgs) != 3 || msgs[2].Text != "Answer to agenda?" {
		t.Fatalf("expected the real reply in the transcript, got %+v", msgs)
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 2)

	for i := 0; i < 2; i++ {
		if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"hi"}`); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"hi"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestHandleResetStartsFresh(t *testing.T) {
	r, _ := newTestRouter(t, echoCompleter(), 10)

	do(t, r, http.MethodPost, "/api/chat/messages", `{"message":"hi"}`)
	if w := do(t, r, http.MethodDelete, "/api/chat", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	var got StateResponse
	_ = json.NewDecoder(do(t, r, http.MethodGet, "/api/chat", "").Body).Decode(&got)
	if len(got.Messages) != 1 {
		t.Fatalf("expected a fresh transcript, got %d messages", len(got.Messages))
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("anon_a") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("anon_a") {
		t.Fatal("second request inside the window should be limited")
	}
	if !rl.Allow("anon_b") {
		t.Fatal("other visitors are not affected")
	}
	rl.Refund("anon_a")
	if !rl.Allow("anon_a") {
		t.Fatal("refunded slot should be reusable")
	}
	rl.Refund("anon_c") // nothing to refund
	now = now.Add(61 * time.Second)
	if !rl.Allow("anon_a") {
		t.Fatal("request after the window should pass")
	}
}
