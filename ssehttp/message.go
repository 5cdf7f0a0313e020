package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/gitlab-mcp-bridge/bridge"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/logctx"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
)

// handlePostMessage accepts one JSON-RPC message for an open session.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, err := h.sessions.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: sess.UserID})

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			h.log.WarnContext(ctx, "http.body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if err := h.sessions.Touch(ctx, sess.ID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	switch msg.Type() {
	case jsonrpc.TypeNotification:
		n := msg.AsRequest()
		if !h.enqueue(ctx, sess.ID, func(ctx context.Context) { h.forwardNotification(ctx, sess.ID, n) }, true) {
			writeJSONError(w, http.StatusServiceUnavailable, "too many messages queued for session")
			h.log.WarnContext(ctx, "session.outbox.full")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))

	case jsonrpc.TypeResponse:
		resp := msg.AsResponse()
		if !h.enqueue(ctx, sess.ID, func(ctx context.Context) { h.forwardResponse(ctx, resp) }, true) {
			writeJSONError(w, http.StatusServiceUnavailable, "too many messages queued for session")
			h.log.WarnContext(ctx, "session.outbox.full")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))

	case jsonrpc.TypeRequest:
		req, renamed, err := reconcileArguments(msg.AsRequest())
		if err != nil {
			writeRPCError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error())
			h.log.WarnContext(ctx, "rpc.params.invalid", slog.String("err", err.Error()))
			return
		}
		if len(renamed) > 0 {
			h.log.DebugContext(ctx, "rpc.params.reconciled", slog.Any("renamed", renamed))
		}

		if h.replyMode == ReplyStream {
			w.WriteHeader(http.StatusAccepted)
			go h.callToStream(context.WithoutCancel(ctx), sess.ID, req)
			return
		}
		h.callDirect(ctx, w, sess.ID, req, start)
	}
}

// forwardNotification sends n to the tool server without waiting for anything
// in return. It runs from the session's outbox after the client has been
// acknowledged, so failures can only be logged.
func (h *Handler) forwardNotification(ctx context.Context, scope string, n *jsonrpc.Request) {
	p, err := h.processes.GetOrCreate(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "notification.forward.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.bridge.Notify(ctx, p, scope, n); err != nil {
		h.log.WarnContext(ctx, "notification.forward.fail", slog.String("err", err.Error()))
	}
}

// forwardResponse relays a client's reply to a request the tool server sent.
// Only a running tool server can be waiting for one.
func (h *Handler) forwardResponse(ctx context.Context, resp *jsonrpc.Response) {
	p, err := h.processes.GetOrCreate(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.bridge.Reply(ctx, p, resp); err != nil {
		if errors.Is(err, bridge.ErrDuplicateReply) {
			h.log.DebugContext(ctx, "response.forward.duplicate")
			return
		}
		h.log.WarnContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
	}
}

// call runs req through the bridge and maps every failure onto a JSON-RPC
// error response plus the HTTP status used in direct mode. A nil response
// means there is nothing to deliver.
func (h *Handler) call(ctx context.Context, scope string, req *jsonrpc.Request) (*jsonrpc.Response, int) {
	if err := h.flushOutbox(ctx, scope); err != nil {
		return nil, 0
	}
	p, err := h.processes.GetOrCreate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0
		}
		h.log.ErrorContext(ctx, "process.unavailable", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerUnavailable, "tool server unavailable", nil), http.StatusBadGateway
	}

	resp, err := h.bridge.Call(ctx, p, scope, req)
	switch {
	case err == nil:
		return resp, http.StatusOK
	case errors.Is(err, bridge.ErrTimeout):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestTimeout, "tool server did not reply in time", nil), http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrProcessExited):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerUnavailable, "tool server exited before replying", nil), http.StatusBadGateway
	case errors.Is(err, bridge.ErrDuplicateID):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "request id already in use", nil), http.StatusConflict
	case errors.Is(err, bridge.ErrCancelled), errors.Is(err, context.Canceled):
		return nil, 0
	default:
		h.log.ErrorContext(ctx, "rpc.forward.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerUnavailable, "failed to reach tool server", nil), http.StatusBadGateway
	}
}

func (h *Handler) callDirect(ctx context.Context, w http.ResponseWriter, scope string, req *jsonrpc.Request, start time.Time) {
	resp, status := h.call(ctx, scope, req)
	if resp == nil {
		if ctx.Err() == nil {
			// Cancelled by the client; there is no reply to send.
			w.WriteHeader(http.StatusAccepted)
		}
		h.log.InfoContext(ctx, "rpc.inbound.cancelled", slog.Duration("dur", time.Since(start)))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	if status != http.StatusOK {
		h.log.WarnContext(ctx, "rpc.inbound.fail", slog.Int("status", status), slog.Duration("dur", time.Since(start)))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// callToStream delivers the outcome of req on the session's stream.
func (h *Handler) callToStream(ctx context.Context, scope string, req *jsonrpc.Request) {
	start := time.Now()
	resp, _ := h.call(ctx, scope, req)
	if resp == nil {
		h.log.InfoContext(ctx, "rpc.inbound.cancelled", slog.Duration("dur", time.Since(start)))
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.broker.Publish(pubCtx, sessionNamespace(scope), b); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.publish.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}
