// Package brokertest is a conformance suite shared by broker implementations.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/google/uuid"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeLive", func(t *testing.T) {
		testPublishAndSubscribeLive(t, factory)
	})
	t.Run("SubscribeFromStartReplaysHistory", func(t *testing.T) {
		testSubscribeFromStart(t, factory)
	})
	t.Run("PublishAndSubscribeFromLastEventID", func(t *testing.T) {
		testPublishAndSubscribeFromLastEventID(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("ResumeFromNonExistentEventID", func(t *testing.T) {
		testResumeFromNonExistentEventID(t, factory)
	})
}

// namespaceFor keeps runs against shared backends from observing each other.
func namespaceFor(t *testing.T, suffix string) string {
	t.Helper()
	return fmt.Sprintf("test-%s-%s", suffix, uuid.NewString())
}

func message(t *testing.T, method string) jsonrpc.Message {
	t.Helper()
	n, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return jsonrpc.Message(b)
}

func methodOf(t *testing.T, env broker.MessageEnvelope) string {
	t.Helper()
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	return m.Method
}

type collector struct {
	mu   sync.Mutex
	envs []broker.MessageEnvelope
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	if len(c.envs) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []broker.MessageEnvelope {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		n := len(c.envs)
		c.mu.Unlock()
		t.Fatalf("expected %d messages, got %d", c.want, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.envs...)
}

func subscribe(ctx context.Context, b broker.Broker, ns, last string, h broker.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, ns, last, h) }()
	return done
}

func cleanup(t *testing.T, b broker.Broker, namespaces ...string) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, ns := range namespaces {
			if err := b.Cleanup(ctx, ns); err != nil {
				t.Logf("Warning: failed to cleanup namespace %s: %v", ns, err)
			}
		}
		if closer, ok := b.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	})
}

func testPublishAndSubscribeLive(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "live")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.Publish(ctx, ns, message(t, "test/before")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := newCollector(1)
	subDone := subscribe(ctx, b, ns, "", c.handle)
	// Give subscription time to start
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, ns, message(t, "test/after"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	envs := c.wait(t)
	if envs[0].ID != eventID {
		t.Fatalf("expected event %s, got %s", eventID, envs[0].ID)
	}
	if got := methodOf(t, envs[0]); got != "test/after" {
		t.Fatalf("live subscription replayed history: got %s", got)
	}

	cancel()
	if err := <-subDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testSubscribeFromStart(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "start")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, m := range []string{"test/one", "test/two"} {
		if _, err := b.Publish(ctx, ns, message(t, m)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	c := newCollector(3)
	subscribe(ctx, b, ns, broker.FromStart, c.handle)
	time.Sleep(100 * time.Millisecond)
	if _, err := b.Publish(ctx, ns, message(t, "test/three")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	envs := c.wait(t)
	for i, want := range []string{"test/one", "test/two", "test/three"} {
		if got := methodOf(t, envs[i]); got != want {
			t.Fatalf("message %d: expected %s, got %s", i, want, got)
		}
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "resume")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := b.Publish(ctx, ns, message(t, "test/method1"))
	if err != nil {
		t.Fatalf("Failed to publish first message: %v", err)
	}
	second, err := b.Publish(ctx, ns, message(t, "test/method2"))
	if err != nil {
		t.Fatalf("Failed to publish second message: %v", err)
	}

	c := newCollector(1)
	subscribe(ctx, b, ns, first, c.handle)

	envs := c.wait(t)
	if envs[0].ID != second {
		t.Fatalf("Expected event ID %s, got %s", second, envs[0].ID)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "fanout")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := newCollector(2), newCollector(2)
	subscribe(ctx, b, ns, "", c1.handle)
	subscribe(ctx, b, ns, "", c2.handle)
	time.Sleep(100 * time.Millisecond)

	for _, m := range []string{"test/a", "test/b"} {
		if _, err := b.Publish(ctx, ns, message(t, m)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for _, c := range []*collector{c1, c2} {
		envs := c.wait(t)
		if methodOf(t, envs[0]) != "test/a" || methodOf(t, envs[1]) != "test/b" {
			t.Fatal("subscriber received messages out of order")
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	nsA, nsB := namespaceFor(t, "iso-a"), namespaceFor(t, "iso-b")
	cleanup(t, b, nsA, nsB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cA, cB := newCollector(1), newCollector(1)
	subscribe(ctx, b, nsA, "", cA.handle)
	subscribe(ctx, b, nsB, "", cB.handle)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, nsA, message(t, "test/for-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, nsB, message(t, "test/for-b")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := methodOf(t, cA.wait(t)[0]); got != "test/for-a" {
		t.Fatalf("namespace A received %s", got)
	}
	if got := methodOf(t, cB.wait(t)[0]); got != "test/for-b" {
		t.Fatalf("namespace B received %s", got)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "cancel")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	subDone := subscribe(ctx, b, ns, "", func(context.Context, broker.MessageEnvelope) error { return nil })
	select {
	case err := <-subDone:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscription did not complete within timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "handler-err")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expectedErr := errors.New("handler error")
	subDone := subscribe(ctx, b, ns, "", func(context.Context, broker.MessageEnvelope) error { return expectedErr })
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, ns, message(t, "test/method")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-subDone:
		if !errors.Is(err, expectedErr) {
			t.Fatalf("Expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscription did not complete within timeout")
	}
}

func testResumeFromNonExistentEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := namespaceFor(t, "unknown")
	cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := b.Publish(ctx, ns, message(t, "test/method")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	err := b.Subscribe(ctx, ns, "999999-0", func(context.Context, broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("Expected ErrUnknownEventID, got %v", err)
	}
}
