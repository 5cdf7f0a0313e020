package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrCoordinatorClosed is returned by GetOrCreate after Close.
var ErrCoordinatorClosed = errors.New("process coordinator closed")

// Factory builds a fresh, unstarted Supervisor.
type Factory func() *Supervisor

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStartHook registers fn to run on every new Supervisor after it is built
// and before it is started, so its listeners see the child's first line.
func WithStartHook(fn func(*Supervisor)) CoordinatorOption {
	return func(c *Coordinator) { c.hooks = append(c.hooks, fn) }
}

// WithCoordinatorLogger sets the logger for coordinator events.
func WithCoordinatorLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// Coordinator ensures at most one live child exists at a time.
type Coordinator struct {
	factory Factory
	hooks   []func(*Supervisor)
	log     *slog.Logger

	group    singleflight.Group
	starting atomic.Bool
	spawned  atomic.Int64

	mu      sync.Mutex
	current *Supervisor
	closed  bool
}

// NewCoordinator returns a Coordinator that builds children with factory.
func NewCoordinator(factory Factory, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{factory: factory, log: discardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const createKey = "process"

// GetOrCreate returns the live Supervisor, starting one if necessary.
//
// Concurrent callers share one in-flight creation. The creation itself is not
// cancelled when ctx ends: this caller stops waiting, and the eventual outcome
// goes to whoever is still waiting or asks next. A failed creation is not
// cached, so the next call retries.
func (c *Coordinator) GetOrCreate(ctx context.Context) (*Supervisor, error) {
	if s, err := c.live(); s != nil || err != nil {
		return s, err
	}

	ch := c.group.DoChan(createKey, func() (any, error) {
		return c.create(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Supervisor), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) live() (*Supervisor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	if c.current != nil && c.current.IsRunning() {
		return c.current, nil
	}
	return nil, nil
}

func (c *Coordinator) create(ctx context.Context) (*Supervisor, error) {
	if s, err := c.live(); s != nil || err != nil {
		return s, err
	}

	c.starting.Store(true)
	defer c.starting.Store(false)

	s := c.factory()
	for _, hook := range c.hooks {
		hook(s)
	}
	s.Subscribe(func(ev Event) {
		switch ev.Kind {
		case EventExit:
			c.forget(s)
		case EventError:
			var fatal *FatalError
			if errors.As(ev.Err, &fatal) && s.State() == StateReady {
				// Not restarted here: the next GetOrCreate replaces it once it
				// has exited.
				go func() { _ = s.Stop(context.Background()) }()
			}
		}
	})

	c.spawned.Add(1)
	if err := s.Start(ctx); err != nil {
		c.log.ErrorContext(ctx, "process.create.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("failed to start tool server: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.current = s
	}
	c.mu.Unlock()
	if closed {
		_ = s.Stop(ctx)
		return nil, ErrCoordinatorClosed
	}

	c.log.InfoContext(ctx, "process.create", slog.Int("pid", s.PID()))
	return s, nil
}

func (c *Coordinator) forget(s *Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
}

// Current returns the live Supervisor without creating one.
func (c *Coordinator) Current() (*Supervisor, bool) {
	s, _ := c.live()
	return s, s != nil
}

// Status summarises the coordinator's child for health reporting.
func (c *Coordinator) Status() State {
	if s, ok := c.Current(); ok {
		return s.State()
	}
	if c.starting.Load() {
		return StateStarting
	}
	return StateAbsent
}

// Spawned reports how many children this Coordinator has started.
func (c *Coordinator) Spawned() int64 {
	return c.spawned.Load()
}

// Close stops the live child, if any, and refuses further creation.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}
