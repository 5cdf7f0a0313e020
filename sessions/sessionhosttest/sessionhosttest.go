// Package sessionhosttest is a conformance suite shared by sessions.Host
// implementations.
package sessionhosttest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
	"github.com/google/uuid"
)

// HostFactory creates a new Host instance for testing.
type HostFactory func(t *testing.T) sessions.Host

// RunSessionHostTests runs the complete Host test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateDuplicateFails", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("GetUnknownIsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("TouchAdvancesActivity", func(t *testing.T) { testTouch(t, factory) })
	t.Run("TouchUnknownIsNotFound", func(t *testing.T) { testTouchUnknown(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("StaleListsOnlyIdleSessions", func(t *testing.T) { testStale(t, factory) })
	t.Run("CountTracksLiveSessions", func(t *testing.T) { testCount(t, factory) })
}

// base is truncated to milliseconds so backends storing unix millis compare equal.
var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(at time.Time) sessions.Session {
	return sessions.Session{
		ID:           uuid.NewString(),
		UserID:       "user-" + uuid.NewString(),
		CreatedAt:    at,
		LastActivity: at,
	}
}

func testCreateAndGet(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	s := newSession(base)
	if err := h.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := h.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != s.ID || got.UserID != s.UserID {
		t.Fatalf("expected %+v, got %+v", s, got)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) || !got.LastActivity.Equal(s.LastActivity) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}
}

func testCreateDuplicate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	s := newSession(base)
	if err := h.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Create(ctx, s); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func testGetUnknown(t *testing.T, factory HostFactory) {
	h := factory(t)
	if _, err := h.Get(context.Background(), uuid.NewString()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testTouch(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	s := newSession(base)
	if err := h.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	later := base.Add(time.Minute)
	if err := h.Touch(ctx, s.ID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := h.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("expected last activity %v, got %v", later, got.LastActivity)
	}
}

func testTouchUnknown(t *testing.T, factory HostFactory) {
	h := factory(t)
	if err := h.Touch(context.Background(), uuid.NewString(), base); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	s := newSession(base)
	if err := h.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := range 2 {
		if err := h.Delete(ctx, s.ID); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if _, err := h.Get(ctx, s.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func testStale(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	idle := newSession(base)
	active := newSession(base)
	for _, s := range []sessions.Session{idle, active} {
		if err := h.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := h.Touch(ctx, active.ID, base.Add(10*time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	ids, err := h.Stale(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if !slices.Contains(ids, idle.ID) {
		t.Fatalf("expected idle session %s in %v", idle.ID, ids)
	}
	if slices.Contains(ids, active.ID) {
		t.Fatalf("active session %s reported stale", active.ID)
	}
}

func testCount(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	a, b := newSession(base), newSession(base)
	for _, s := range []sessions.Session{a, b} {
		if err := h.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if n, err := h.Count(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 sessions, got %d (%v)", n, err)
	}
	if err := h.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, err := h.Count(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 session, got %d (%v)", n, err)
	}
}
