package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeInstance struct {
	mu     sync.Mutex
	closed int
	err    error
}

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.err
}

func (f *fakeInstance) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestGetOrCreateReusesInstance(t *testing.T) {
	r := New[*fakeInstance]("test")
	created := 0
	create := func() *fakeInstance {
		created++
		return &fakeInstance{}
	}

	a := r.GetOrCreate("anon_1", "tab-1", create)
	b := r.GetOrCreate("anon_1", "tab-1", create)
	if a != b || created != 1 {
		t.Fatalf("expected a single instance, created %d", created)
	}

	c := r.GetOrCreate("anon_1", "tab-2", create)
	if c == a {
		t.Fatal("different tabs must not share an instance")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 instances, got %d", r.Len())
	}
}

func TestReplaceClosesDisplaced(t *testing.T) {
	r := New[*fakeInstance]("test")
	old := &fakeInstance{}
	r.Replace("anon_1", "tab-1", old)

	next := &fakeInstance{}
	r.Replace("anon_1", "tab-1", next)

	if old.closeCount() != 1 {
		t.Fatalf("expected displaced instance closed once, got %d", old.closeCount())
	}
	got, ok := r.Get("anon_1", "tab-1")
	if !ok || got != next {
		t.Fatal("expected replacement to be registered")
	}
}

func TestRemoveIfIgnoresStaleInstance(t *testing.T) {
	r := New[*fakeInstance]("test")
	stale := &fakeInstance{}
	current := &fakeInstance{}
	r.Replace("anon_1", "tab-1", stale)
	r.Replace("anon_1", "tab-1", current)

	if r.RemoveIf("anon_1", "tab-1", stale) {
		t.Fatal("stale instance must not remove the current one")
	}
	if _, ok := r.Get("anon_1", "tab-1"); !ok {
		t.Fatal("current instance was removed")
	}
	if !r.RemoveIf("anon_1", "tab-1", current) {
		t.Fatal("expected current instance to be removed")
	}
	if current.closeCount() != 1 {
		t.Fatalf("expected current closed once, got %d", current.closeCount())
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRemoveUnknown(t *testing.T) {
	r := New[*fakeInstance]("test")
	if r.Remove("nobody", "nothing") {
		t.Fatal("expected Remove to report false for unknown entry")
	}
}

func TestSweepClosesIdleOnly(t *testing.T) {
	r := New[*fakeInstance]("test")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	idle := &fakeInstance{err: errors.New("already gone")}
	r.Replace("anon_1", "tab-1", idle)

	now = now.Add(20 * time.Minute)
	fresh := &fakeInstance{}
	r.Replace("anon_2", "tab-1", fresh)

	now = now.Add(15 * time.Minute)
	if got := r.Sweep(30 * time.Minute); got != 1 {
		t.Fatalf("expected 1 swept instance, got %d", got)
	}
	if idle.closeCount() != 1 {
		t.Fatal("expected idle instance to be closed")
	}
	if fresh.closeCount() != 0 {
		t.Fatal("fresh instance must survive the sweep")
	}
	if _, ok := r.Get("anon_1", "tab-1"); ok {
		t.Fatal("idle instance still registered")
	}
}

func TestGetRefreshesLastSeen(t *testing.T) {
	r := New[*fakeInstance]("test")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	inst := &fakeInstance{}
	r.Replace("anon_1", "tab-1", inst)

	now = now.Add(25 * time.Minute)
	r.Get("anon_1", "tab-1")

	now = now.Add(25 * time.Minute)
	if got := r.Sweep(30 * time.Minute); got != 0 {
		t.Fatalf("recently used instance was swept")
	}
}

func TestCloseAll(t *testing.T) {
	r := New[*fakeInstance]("test")
	a, b := &fakeInstance{}, &fakeInstance{}
	r.Replace("anon_1", "tab-1", a)
	r.Replace("anon_2", "tab-1", b)

	r.CloseAll()
	if a.closeCount() != 1 || b.closeCount() != 1 {
		t.Fatal("expected every instance to be closed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunSweeper(ctx, time.Millisecond, time.Hour, New[*fakeInstance]("test"))
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
