package ssehttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/bridge"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/ggoodman/gitlab-mcp-bridge/process"
)

// BroadcastNamespace is the broker namespace every open stream follows for
// messages initiated by the tool server.
const BroadcastNamespace = "broadcast"

const broadcastBuffer = 256

func sessionNamespace(id string) string { return "session:" + id }

// Broadcaster publishes every method-bearing message the tool server emits to
// BroadcastNamespace. Replies are left to the bridge.
type Broadcaster struct {
	broker broker.Broker
	log    *slog.Logger
}

// NewBroadcaster returns a Broadcaster publishing to b.
func NewBroadcaster(b broker.Broker, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{broker: b, log: log}
}

// Attach starts forwarding p's server-initiated messages. Forwarding stops when
// p exits or the returned function is called.
func (bc *Broadcaster) Attach(p bridge.Process) func() {
	queue := make(chan jsonrpc.Message, broadcastBuffer)
	stop := make(chan struct{})
	var once sync.Once
	halt := func() { once.Do(func() { close(stop) }) }

	unsub := p.Subscribe(func(ev process.Event) {
		switch ev.Kind {
		case process.EventMessage:
			if ev.Message.Method == "" {
				return
			}
			b, err := json.Marshal(ev.Message)
			if err != nil {
				return
			}
			select {
			case queue <- b:
			default:
				bc.log.Warn("sse.broadcast.drop", slog.String("method", ev.Message.Method))
			}
		case process.EventExit:
			halt()
		}
	})

	go func() {
		defer unsub()
		for {
			select {
			case msg := <-queue:
				bc.publish(msg)
			case <-stop:
				// Exit is reported after stdout is drained, so whatever is
				// queued now is the remainder.
				for {
					select {
					case msg := <-queue:
						bc.publish(msg)
					default:
						return
					}
				}
			}
		}
	}()

	return halt
}

func (bc *Broadcaster) publish(msg jsonrpc.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := bc.broker.Publish(ctx, BroadcastNamespace, msg); err != nil {
		bc.log.Error("sse.broadcast.fail", slog.String("err", err.Error()))
	}
}
