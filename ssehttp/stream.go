package ssehttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// errStreamClosed ends a stream whose subscription was closed by the broker.
var errStreamClosed = errors.New("stream closed by broker")

// handleGetSSE opens an event stream for a new client session. The stream
// lives until the client disconnects, the session is reaped, or delivery fails.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sess, err := h.sessions.Open(ctx, userInfo.UserID())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: sess.UserID})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.registerStream(sess.ID, cancel)

	defer func() {
		h.unregisterStream(sess.ID)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := h.sessions.Close(cleanupCtx, sess.ID); err != nil {
			h.log.WarnContext(cleanupCtx, "session.close.fail", slog.String("err", err.Error()))
		}
		if err := h.broker.Cleanup(cleanupCtx, sessionNamespace(sess.ID)); err != nil {
			h.log.WarnContext(cleanupCtx, "session.cleanup.fail", slog.String("err", err.Error()))
		}
	}()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	endpoint := h.basePath + "/message?" + url.Values{sessionIDParam: {sess.ID}}.Encode()
	if err := writeSSEEvent(wf, "endpoint", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	deliver := func(cbCtx context.Context, env broker.MessageEnvelope) error {
		if err := writeSSEEvent(wf, "message", env.Data); err != nil {
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", env.ID))
		return nil
	}
	follow := func(gctx context.Context, ns, from string) error {
		if err := h.broker.Subscribe(gctx, ns, from, deliver); err != nil {
			return err
		}
		return errStreamClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	// The namespace is new, so reading it from the start cannot miss a reply
	// published before this subscription was established.
	g.Go(func() error { return follow(gctx, sessionNamespace(sess.ID), broker.FromStart) })
	g.Go(func() error { return follow(gctx, BroadcastNamespace, "") })
	g.Go(func() error { return h.keepAliveLoop(gctx, wf, sess.ID) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, errStreamClosed):
		h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, broker.ErrSlowConsumer):
		h.log.WarnContext(ctx, "sse.stream.slow", slog.Duration("dur", time.Since(start)))
	default:
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	}
}

// keepAliveLoop writes a comment frame every keepalive interval. A connected
// stream counts as session activity.
func (h *Handler) keepAliveLoop(ctx context.Context, wf *lockedWriteFlusher, sessionID string) error {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := writeSSEComment(wf, "ping"); err != nil {
				return err
			}
			if err := h.sessions.Touch(ctx, sessionID); err != nil {
				return err
			}
		}
	}
}
