package sessions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout sets the inactivity threshold after which sessions are reaped.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithSweepInterval sets how often Run looks for stale sessions.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweep = d
		}
	}
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager owns the lifecycle of client sessions.
type Manager struct {
	host  Host
	idle  time.Duration
	sweep time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	onReap []func(ctx context.Context, id string)
}

// NewManager returns a Manager persisting to host.
func NewManager(host Host, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:  host,
		idle:  DefaultIdleTimeout,
		sweep: DefaultSweepInterval,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnReap registers fn to run for every session removed by the idle sweep.
func (m *Manager) OnReap(fn func(ctx context.Context, id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReap = append(m.onReap, fn)
}

// Open creates a session owned by userID.
func (m *Manager) Open(ctx context.Context, userID string) (Session, error) {
	now := m.now()
	s := Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.host.Create(ctx, s); err != nil {
		return Session{}, err
	}
	m.log.InfoContext(ctx, "session.open", slog.String("session_id", s.ID))
	return s, nil
}

// Load returns the session if it exists and belongs to userID. A session owned
// by someone else is reported as ErrSessionNotFound.
func (m *Manager) Load(ctx context.Context, id, userID string) (Session, error) {
	s, err := m.host.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on the session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.host.Touch(ctx, id, m.now())
}

// Close removes the session.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := m.host.Delete(ctx, id); err != nil {
		return err
	}
	m.log.InfoContext(ctx, "session.close", slog.String("session_id", id))
	return nil
}

// Count reports the number of live sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.host.Count(ctx)
}

// Reap removes every session idle for longer than the idle timeout and
// returns how many were removed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	ids, err := m.host.Stale(ctx, m.now().Add(-m.idle))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	hooks := append([]func(context.Context, string){}, m.onReap...)
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := m.host.Delete(ctx, id); err != nil {
			m.log.WarnContext(ctx, "session.reap.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			continue
		}
		n++
		for _, fn := range hooks {
			fn(ctx, id)
		}
	}
	if n > 0 {
		m.log.InfoContext(ctx, "session.reap", slog.Int("count", n))
	}
	return n, nil
}

// Run sweeps stale sessions every sweep interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := m.Reap(ctx); err != nil && ctx.Err() == nil {
				m.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
			}
		}
	}
}
