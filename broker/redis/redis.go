// Package redis implements broker.Broker on Redis Streams so that several
// bridge replicas can share client sessions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxLen approximately bounds the length of each namespace stream.
const DefaultMaxLen = 1024

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
// It provides namespace-based message isolation and ordered delivery guarantees
// using Redis Streams for horizontal scalability.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "gitlab-mcp:broker:" if empty.
	KeyPrefix string
	// MaxLen approximately bounds each stream. Defaults to DefaultMaxLen.
	MaxLen int64
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gitlab-mcp:broker:"
	}

	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    maxLen,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish creates envelope with generated event ID and publishes to namespace.
// Returns the generated event ID for the published message.
func (b *Broker) Publish(ctx context.Context, namespace string, message jsonrpc.Message) (string, error) {
	streamKey := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"data": []byte(message),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe to namespace messages, calling handler for each message.
// If lastEventID is empty, subscription starts from the next published message.
// If lastEventID is provided, subscription resumes from the message after that ID.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID := lastEventID
	if startID == "" {
		// Resolve "$" once so messages published between reads are not skipped.
		startID = "0-0"
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read stream tail %s: %w", streamKey, err)
		}
		if len(last) > 0 {
			startID = last[0].ID
		}
	} else if startID != broker.FromStart {
		n, err := b.client.XRange(ctx, streamKey, startID, startID).Result()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", broker.ErrUnknownEventID, startID, err)
		}
		if len(n) == 0 {
			return fmt.Errorf("%w: %s", broker.ErrUnknownEventID, startID)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Read from stream without consumer group (to get all messages for all subscribers)
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   64,
			Block:   time.Second, // Block for 1 second, then check context
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID

				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}

				envelope := broker.MessageEnvelope{
					ID:   message.ID,
					Data: []byte(data),
				}
				if err := handler(ctx, envelope); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup removes all resources associated with a namespace.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
