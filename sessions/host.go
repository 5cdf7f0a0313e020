package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session does not exist, has been
// reaped, or belongs to another principal.
var ErrSessionNotFound = errors.New("session not found")

// Session is the persisted record of one client stream.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Host persists session records.
type Host interface {
	// Create stores a new session. The ID must be unused.
	Create(ctx context.Context, s Session) error
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (Session, error)
	// Touch records activity on the session or returns ErrSessionNotFound.
	Touch(ctx context.Context, id string, at time.Time) error
	// Delete removes the session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error
	// Stale lists the sessions whose last activity is before the cutoff.
	Stale(ctx context.Context, before time.Time) ([]string, error)
	// Count reports the number of stored sessions.
	Count(ctx context.Context) (int, error)
}
