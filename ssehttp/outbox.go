package ssehttp

import (
	"context"
	"time"
)

const (
	// maxOutbox bounds the messages queued for one session while the tool
	// server is unavailable.
	maxOutbox = 256
	// outboxTimeout bounds one queued forward, cold start included.
	outboxTimeout = 2 * time.Minute
)

// outbox holds a session's acknowledged notifications and responses that are
// still waiting to be written to the tool server. It exists only while work
// is queued; its drain goroutine removes it once empty.
type outbox struct {
	queue []queued
}

type queued struct {
	ctx context.Context
	fn  func(context.Context)
}

// enqueue appends fn to the session's outbox, starting a drain goroutine if
// none is running. Work for one session runs in submission order. It reports
// false when the outbox is full and bounded is set.
func (h *Handler) enqueue(ctx context.Context, sessID string, fn func(context.Context), bounded bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ob, ok := h.outboxes[sessID]
	if !ok {
		ob = &outbox{}
		h.outboxes[sessID] = ob
		go h.drain(sessID, ob)
	}
	if bounded && len(ob.queue) >= maxOutbox {
		return false
	}
	ob.queue = append(ob.queue, queued{ctx: context.WithoutCancel(ctx), fn: fn})
	return true
}

func (h *Handler) drain(sessID string, ob *outbox) {
	for {
		h.mu.Lock()
		if len(ob.queue) == 0 {
			if h.outboxes[sessID] == ob {
				delete(h.outboxes, sessID)
			}
			h.mu.Unlock()
			return
		}
		next := ob.queue[0]
		ob.queue[0] = queued{}
		ob.queue = ob.queue[1:]
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(next.ctx, outboxTimeout)
		next.fn(ctx)
		cancel()
	}
}

// flushOutbox waits until everything queued for the session before the call
// has been forwarded, so a request never overtakes an earlier notification.
func (h *Handler) flushOutbox(ctx context.Context, sessID string) error {
	h.mu.Lock()
	_, busy := h.outboxes[sessID]
	h.mu.Unlock()
	if !busy {
		return nil
	}

	done := make(chan struct{})
	h.enqueue(ctx, sessID, func(context.Context) { close(done) }, false)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outboxes reports the number of sessions with forwards still queued.
func (h *Handler) Outboxes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outboxes)
}
