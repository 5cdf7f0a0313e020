package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/broker/brokertest"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestHistoryIsBounded(t *testing.T) {
	b := New(WithHistory(2))
	ctx := t.Context()

	first, _ := b.Publish(ctx, "ns", jsonrpc.Message(`{}`))
	for range 3 {
		if _, err := b.Publish(ctx, "ns", jsonrpc.Message(`{}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	err := b.Subscribe(ctx, "ns", first, func(context.Context, broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("expected evicted event id to be unknown, got %v", err)
	}
}

func TestCleanupEndsSubscription(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "ns", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	if err := b.Cleanup(ctx, "ns"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean end of subscription, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived cleanup")
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "ns", "", func(context.Context, broker.MessageEnvelope) error {
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	for range subscriberBuffer + 2 {
		if _, err := b.Publish(ctx, "ns", jsonrpc.Message(`{}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrSlowConsumer) {
			t.Fatalf("expected ErrSlowConsumer, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
}
