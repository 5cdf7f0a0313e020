package process

import (
	"fmt"
	"sync"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
)

// EventKind identifies what a Supervisor is reporting.
type EventKind int

const (
	// EventMessage carries one decoded message read from the child's stdout.
	EventMessage EventKind = iota + 1
	// EventError reports a process-level failure: a spawn error or a fatal
	// diagnostic on stderr.
	EventError
	// EventExit is emitted exactly once, after the child has terminated and its
	// pipes have been drained.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to every registered Listener.
type Event struct {
	Kind    EventKind
	Message *jsonrpc.AnyMessage
	Err     error
	Exit    ExitStatus
}

// Listener receives Supervisor events. Listeners run on the Supervisor's reader
// goroutines and must not block; hand work off to a goroutine or a buffered
// channel instead.
type Listener func(Event)

// registry is an ordered publish/subscribe set. There is no cap on the number
// of listeners: each in-flight request may hold one.
type registry struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []registered
}

type registered struct {
	id uint64
	fn Listener
}

func (r *registry) subscribe(fn Listener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, registered{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// emit delivers ev to a snapshot of the listeners in subscription order, so a
// listener may unsubscribe itself without deadlocking.
func (r *registry) emit(ev Event) {
	r.mu.RLock()
	snapshot := make([]registered, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(ev)
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
