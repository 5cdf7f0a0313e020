package memoryhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]sessions.Session
}

func New() *Host {
	return &Host{sessions: make(map[string]sessions.Session)}
}

func (h *Host) Create(_ context.Context, s sessions.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[s.ID]; exists {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	h.sessions[s.ID] = s
	return nil
}

func (h *Host) Get(_ context.Context, id string) (sessions.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return s, nil
}

func (h *Host) Touch(_ context.Context, id string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	if at.After(s.LastActivity) {
		s.LastActivity = at
		h.sessions[id] = s
	}
	return nil
}

func (h *Host) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
	return nil
}

func (h *Host) Stale(_ context.Context, before time.Time) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for id, s := range h.sessions {
		if s.LastActivity.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (h *Host) Count(_ context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), nil
}

var _ sessions.Host = (*Host)(nil)
