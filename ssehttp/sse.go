package ssehttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeFrame writes one complete frame and flushes it. Holding the lock for the
// whole frame keeps concurrent writers from interleaving fields.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := l.Writer.Write(frame); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

// writeSSEEvent writes a Server-Sent Event with the given event type and
// single-line payload and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	frame := make([]byte, 0, len(event)+len(payload)+16)
	if event != "" {
		frame = append(frame, "event: "...)
		frame = append(frame, event...)
		frame = append(frame, '\n')
	}
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if err := wf.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to write SSE %s event: %w", event, err)
	}
	return nil
}

// writeSSEComment writes a comment frame, which clients ignore; used as a keepalive.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if err := wf.writeFrame([]byte(": " + text + "\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	return nil
}
