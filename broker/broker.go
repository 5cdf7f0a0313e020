// Package broker fans messages out to the event streams of connected clients.
//
// Each client session owns a namespace that carries the messages destined for
// that client alone; a shared namespace carries server-initiated messages that
// every open stream receives. Namespaces are ordered, and subscribers can
// resume after a known event id.
package broker

import (
	"context"
	"errors"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
)

// FromStart passed as lastEventID replays every retained message of the
// namespace before live delivery begins.
const FromStart = "0"

var (
	// ErrUnknownEventID is returned by Subscribe when lastEventID is not
	// retained by the namespace.
	ErrUnknownEventID = errors.New("unknown event id")
	// ErrSlowConsumer is returned by Subscribe when the subscriber fell too far
	// behind and was disconnected.
	ErrSlowConsumer = errors.New("subscriber fell behind")
)

// Broker handles ordered, namespace-isolated message delivery.
type Broker interface {
	// Publish appends message to namespace and returns its event id.
	Publish(ctx context.Context, namespace string, message jsonrpc.Message) (eventID string, err error)

	// Subscribe calls handler for every message published to namespace until
	// ctx ends, handler returns an error, or the namespace is cleaned up.
	// If lastEventID is empty, delivery starts with the next published message.
	// Otherwise it resumes with the message after lastEventID; FromStart replays
	// everything retained.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler processes one delivered message. Returning an error ends the
// subscription with that error.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message within the namespace
	ID string `json:"id"`
	// Data is the JSON-serialized message content
	Data []byte `json:"data"`
}
