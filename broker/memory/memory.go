// Package memory provides an in-memory implementation of the broker.Broker interface
// using Go channels for message delivery. This implementation is suitable for
// single-node deployments and testing scenarios.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
)

const (
	// DefaultHistory is the number of messages retained per namespace for
	// resumption.
	DefaultHistory = 1024

	subscriberBuffer = 256
)

// Broker implements broker.Broker using in-memory channels and storage.
// It provides namespace isolation and ordered message delivery within each namespace.
// This implementation is not suitable for multi-node deployments as state is local.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
	history      int
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory bounds the messages retained per namespace.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.history = n
		}
	}
}

type namespace struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
}

type subscription struct {
	ch       chan broker.MessageEnvelope
	overflow atomic.Bool
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		namespaces: make(map[string]*namespace),
		history:    DefaultHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, namespaceName string, message jsonrpc.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	envelope := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), message...),
	}

	ns.messages = append(ns.messages, envelope)
	if over := len(ns.messages) - b.history; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
	}

	for sub := range ns.subscribers {
		select {
		case sub.ch <- envelope:
		default:
			// Disconnect rather than silently skip: the client can resume
			// from its last event id.
			sub.overflow.Store(true)
			delete(ns.subscribers, sub)
			close(sub.ch)
		}
	}

	return envelope.ID, nil
}

// Subscribe implements broker.Broker.Subscribe
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := b.namespace(namespaceName)
	sub := &subscription{ch: make(chan broker.MessageEnvelope, subscriberBuffer)}

	ns.mu.Lock()
	var backlog []broker.MessageEnvelope
	switch lastEventID {
	case "":
	case broker.FromStart:
		backlog = append(backlog, ns.messages...)
	default:
		idx := -1
		for i, msg := range ns.messages {
			if msg.ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			ns.mu.Unlock()
			return broker.ErrUnknownEventID
		}
		backlog = append(backlog, ns.messages[idx+1:]...)
	}
	ns.subscribers[sub] = struct{}{}
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		if _, ok := ns.subscribers[sub]; ok {
			delete(ns.subscribers, sub)
			close(sub.ch)
		}
		ns.mu.Unlock()
	}()

	for _, env := range backlog {
		if err := handler(ctx, env); err != nil {
			return err
		}
	}

	for {
		select {
		case env, ok := <-sub.ch:
			if !ok {
				if sub.overflow.Load() {
					return broker.ErrSlowConsumer
				}
				return nil
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cleanup implements broker.Broker.Cleanup
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, exists := b.namespaces[namespaceName]
	if !exists {
		b.mu.Unlock()
		return nil
	}
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	for sub := range ns.subscribers {
		delete(ns.subscribers, sub)
		close(sub.ch)
	}
	ns.messages = nil

	return nil
}

var _ broker.Broker = (*Broker)(nil)
