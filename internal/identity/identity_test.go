package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/store"
)

func serveWithIdentity(t *testing.T, repo store.Repository, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	var visitorID, sessionID string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		visitorID = VisitorIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, visitorID, sessionID
}

func TestMiddlewareIssuesCookieAndRecordsVisitor(t *testing.T) {
	repo := store.NewMemory()
	req := httptest.NewRequest(http.MethodGet, "/api/catalog", nil)

	w, visitorID, sessionID := serveWithIdentity(t, repo, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if !isValidAnonID(visitorID) {
		t.Fatalf("unexpected visitor id %q", visitorID)
	}
	if sessionID != DefaultSessionIDValue {
		t.Fatalf("expected default session, got %q", sessionID)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != visitorID {
		t.Fatalf("expected anon cookie for %s, got %+v", visitorID, cookies)
	}

	v, err := repo.GetVisitor(context.Background(), visitorID)
	if err != nil || v == nil {
		t.Fatalf("expected visitor to be recorded, got %v, %v", v, err)
	}
	if !strings.HasPrefix(v.Handle, "visitor-") {
		t.Fatalf("unexpected handle %q", v.Handle)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	repo := store.NewMemory()
	id := "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-42")

	_, visitorID, sessionID := serveWithIdentity(t, repo, req)
	if visitorID != id {
		t.Fatalf("expected cookie id to be reused, got %q", visitorID)
	}
	if sessionID != "tab-42" {
		t.Fatalf("expected tab-42, got %q", sessionID)
	}
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	repo := store.NewMemory()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})

	_, visitorID, _ := serveWithIdentity(t, repo, req)
	if visitorID == "admin" || !isValidAnonID(visitorID) {
		t.Fatalf("forged cookie was accepted: %q", visitorID)
	}
}

func TestSessionIDFromQueryAndSanitized(t *testing.T) {
	repo := store.NewMemory()

	req := httptest.NewRequest(http.MethodGet, "/ws/assessment?session_id=tab-7", nil)
	if _, _, sid := serveWithIdentity(t, repo, req); sid != "tab-7" {
		t.Fatalf("expected tab-7 from query, got %q", sid)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "../../etc/passwd with spaces")
	if _, _, sid := serveWithIdentity(t, repo, req); sid != DefaultSessionIDValue {
		t.Fatalf("expected invalid session id to be replaced, got %q", sid)
	}
}

func TestEnsureVisitorRefreshesStaleLastSeen(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	id := "anon_0123456789abcdef0123456789abcdef"
	old := time.Now().Add(-time.Hour)
	if err := repo.UpsertVisitor(ctx, &domain.Visitor{
		VisitorID: id, Handle: deriveHandle(id), LastSeenAt: old, CreatedAt: old, UpdatedAt: old,
	}); err != nil {
		t.Fatalf("UpsertVisitor failed: %v", err)
	}

	if err := ensureVisitor(ctx, repo, id); err != nil {
		t.Fatalf("ensureVisitor failed: %v", err)
	}
	v, _ := repo.GetVisitor(ctx, id)
	if !v.LastSeenAt.After(old) {
		t.Fatalf("expected last seen to move forward, still %v", v.LastSeenAt)
	}
}

func TestFromContextDefaults(t *testing.T) {
	ctx := context.Background()
	if VisitorIDFromContext(ctx) != "" {
		t.Fatal("expected empty visitor id")
	}
	if SessionIDFromContext(ctx) != DefaultSessionIDValue {
		t.Fatal("expected default session id")
	}

	ctx = WithVisitor(ctx, "anon_0123456789abcdef0123456789abcdef", "tab-1")
	if HandleFromContext(ctx) != "visitor-89abcdef" {
		t.Fatalf("unexpected handle %q", HandleFromContext(ctx))
	}
}
