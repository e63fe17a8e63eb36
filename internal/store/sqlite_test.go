package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "aether.db"), WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVisitorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetVisitor(ctx, "anon_missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for unknown visitor, got %v, %v", got, err)
	}

	now := time.Now().Truncate(time.Second)
	v := &domain.Visitor{
		VisitorID:  "anon_abc",
		Handle:     "visitor-abc",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.UpsertVisitor(ctx, v); err != nil {
		t.Fatalf("UpsertVisitor failed: %v", err)
	}

	got, err = s.GetVisitor(ctx, "anon_abc")
	if err != nil {
		t.Fatalf("GetVisitor failed: %v", err)
	}
	if got == nil || got.Handle != "visitor-abc" || !got.LastSeenAt.Equal(now) {
		t.Fatalf("unexpected visitor %+v", got)
	}

	later := now.Add(time.Hour)
	if err := s.UpdateLastSeen(ctx, "anon_abc", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}
	got, _ = s.GetVisitor(ctx, "anon_abc")
	if !got.LastSeenAt.Equal(later) {
		t.Fatalf("expected last seen %v, got %v", later, got.LastSeenAt)
	}
}

func TestThemePreferenceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pref, err := s.GetThemePreference(ctx, "anon_abc")
	if err != nil || pref != nil {
		t.Fatalf("expected no preference, got %v, %v", pref, err)
	}

	if err := s.SetThemePreference(ctx, &domain.ThemePreference{
		VisitorID: "anon_abc",
		Theme:     domain.ThemeLight,
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SetThemePreference failed: %v", err)
	}
	if err := s.SetThemePreference(ctx, &domain.ThemePreference{
		VisitorID: "anon_abc",
		Theme:     domain.ThemeDark,
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("second SetThemePreference failed: %v", err)
	}

	pref, err = s.GetThemePreference(ctx, "anon_abc")
	if err != nil {
		t.Fatalf("GetThemePreference failed: %v", err)
	}
	if pref == nil || pref.Theme != domain.ThemeDark {
		t.Fatalf("expected dark preference, got %+v", pref)
	}

	if err := s.DeleteThemePreference(ctx, "anon_abc"); err != nil {
		t.Fatalf("DeleteThemePreference failed: %v", err)
	}
	pref, _ = s.GetThemePreference(ctx, "anon_abc")
	if pref != nil {
		t.Fatalf("expected preference to be gone, got %+v", pref)
	}
}

func TestDeleteInactiveVisitors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for id, seen := range map[string]time.Time{
		"anon_old":   now.Add(-48 * time.Hour),
		"anon_fresh": now,
	} {
		if err := s.UpsertVisitor(ctx, &domain.Visitor{
			VisitorID: id, Handle: id, LastSeenAt: seen, CreatedAt: seen, UpdatedAt: seen,
		}); err != nil {
			t.Fatalf("UpsertVisitor(%s) failed: %v", id, err)
		}
		if err := s.SetThemePreference(ctx, &domain.ThemePreference{
			VisitorID: id, Theme: domain.ThemeLight, UpdatedAt: seen,
		}); err != nil {
			t.Fatalf("SetThemePreference(%s) failed: %v", id, err)
		}
	}

	deleted, err := s.DeleteInactiveVisitors(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteInactiveVisitors failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted visitor, got %d", deleted)
	}
	if v, _ := s.GetVisitor(ctx, "anon_old"); v != nil {
		t.Fatal("stale visitor survived")
	}
	if p, _ := s.GetThemePreference(ctx, "anon_old"); p != nil {
		t.Fatal("stale preference survived")
	}
	if v, _ := s.GetVisitor(ctx, "anon_fresh"); v == nil {
		t.Fatal("fresh visitor was deleted")
	}
}

func TestWithRetryRetriesConflicts(t *testing.T) {
	s := &SQLiteStore{maxRetries: 2, baseDelay: time.Millisecond}
	calls := 0
	err := s.withRetry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	s := &SQLiteStore{maxRetries: 5, baseDelay: time.Millisecond}
	calls := 0
	boom := errors.New("constraint failed")
	err := s.withRetry(context.Background(), "op", func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	s := &SQLiteStore{maxRetries: 1, baseDelay: time.Millisecond}
	calls := 0
	err := s.withRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}
