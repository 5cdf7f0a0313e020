package process

import (
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultReadyTimeout bounds how long Start waits for the readiness line.
	DefaultReadyTimeout = 3 * time.Second
	// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 5 * time.Second
	// DefaultDrainWindow bounds how long trailing output is read after exit.
	DefaultDrainWindow = 250 * time.Millisecond
)

// Config describes the child to spawn.
type Config struct {
	// Command is the executable, resolved through PATH.
	Command string
	Args    []string
	// Env entries are appended to the bridge's own environment.
	Env []string
	Dir string

	// ReadyTimeout bounds the wait for a readiness line. When it elapses the
	// child is assumed ready unless StrictReadiness is set.
	ReadyTimeout    time.Duration
	StrictReadiness bool
	// ReadyPhrase is accepted as a readiness line in addition to
	// DefaultReadyPhrase.
	ReadyPhrase string

	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used for lifecycle events and child diagnostics.
// If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDrainWindow overrides how long trailing output is read after the child
// exits before the pipes are closed.
func WithDrainWindow(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.drain = d
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
