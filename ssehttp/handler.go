package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/gitlab-mcp-bridge/auth"
	"github.com/ggoodman/gitlab-mcp-bridge/bridge"
	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/logctx"
	"github.com/ggoodman/gitlab-mcp-bridge/process"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	sessionIDParam        = "sessionId"
)

const (
	DefaultKeepAlive    = 15 * time.Second
	DefaultMaxBodyBytes = 4 << 20
)

// ReplyMode selects how the reply to a client request is delivered.
type ReplyMode int

const (
	// ReplyDirect returns the reply as the body of the POST that carried the request.
	ReplyDirect ReplyMode = iota
	// ReplyStream acknowledges the POST and delivers the reply on the session's stream.
	ReplyStream
)

func (m ReplyMode) String() string {
	switch m {
	case ReplyDirect:
		return "direct"
	case ReplyStream:
		return "stream"
	default:
		return fmt.Sprintf("ReplyMode(%d)", int(m))
	}
}

// ParseReplyMode parses "direct" or "stream".
func ParseReplyMode(s string) (ReplyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return ReplyDirect, nil
	case "stream":
		return ReplyStream, nil
	default:
		return 0, fmt.Errorf("unknown reply mode %q", s)
	}
}

// Processes hands out the live tool server, creating it on demand.
type Processes interface {
	GetOrCreate(ctx context.Context) (*process.Supervisor, error)
	Status() process.State
}

var _ Processes = (*process.Coordinator)(nil)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	realm     string
	replyMode ReplyMode
	keepAlive time.Duration
	maxBody   int64
}

// WithLogger sets the logger used by the handler. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithReplyMode selects how replies to client requests are delivered.
func WithReplyMode(m ReplyMode) Option {
	return func(c *newConfig) { c.replyMode = m }
}

// WithKeepAlive sets the interval between keepalive comments on open streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// WithMaxBodyBytes bounds the size of a posted message.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler implements the HTTP+SSE transport in front of the tool server.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	basePath  string
	realm     string
	replyMode ReplyMode
	keepAlive time.Duration
	maxBody   int64

	processes Processes
	bridge    *bridge.Bridge
	sessions  *sessions.Manager
	broker    broker.Broker
	auth      auth.Authenticator

	mu       sync.Mutex
	streams  map[string]context.CancelFunc
	outboxes map[string]*outbox
}

// New constructs a Handler.
//
// Required:
//   - publicEndpoint: externally visible base URL; its path prefixes every route
//   - processes: source of the live tool server
//   - br: correlation bridge already attached to every tool server processes creates
//   - mgr: client session lifecycle
//   - b: broker carrying stream traffic
//   - authenticator: validates bearer tokens on /sse and /message
func New(publicEndpoint string, processes Processes, br *bridge.Bridge, mgr *sessions.Manager, b broker.Broker, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	switch {
	case processes == nil:
		return nil, errors.New("processes is required")
	case br == nil:
		return nil, errors.New("bridge is required")
	case mgr == nil:
		return nil, errors.New("session manager is required")
	case b == nil:
		return nil, errors.New("broker is required")
	case authenticator == nil:
		return nil, errors.New("authenticator is required")
	}

	u, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), keepAlive: DefaultKeepAlive, maxBody: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		basePath:  strings.TrimSuffix(u.Path, "/"),
		realm:     cfg.realm,
		replyMode: cfg.replyMode,
		keepAlive: cfg.keepAlive,
		maxBody:   cfg.maxBody,
		processes: processes,
		bridge:    br,
		sessions:  mgr,
		broker:    b,
		auth:      authenticator,
		streams:   make(map[string]context.CancelFunc),
		outboxes:  make(map[string]*outbox),
	}
	mgr.OnReap(h.onReap)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.basePath+"/health", h.handleHealth)
	mux.HandleFunc("GET "+h.basePath+"/sse", h.handleGetSSE)
	mux.HandleFunc("POST "+h.basePath+"/message", h.handlePostMessage)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

type healthReport struct {
	Status   string `json:"status"`
	Process  string `json:"process"`
	Sessions int    `json:"sessions"`
	Pending  int    `json:"pending"`
}

// handleHealth reports liveness plus the tool server's state. It never starts
// the tool server.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.sessions.Count(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "health.sessions.fail", slog.String("err", err.Error()))
		n = -1
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(healthReport{
		Status:   "ok",
		Process:  h.processes.Status().String(),
		Sessions: n,
		Pending:  h.bridge.Pending(),
	})
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, "malformed authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		writeJSONError(w, http.StatusBadRequest, "malformed authorization header")
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": "insufficient scope"}))
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return nil
		}
		// Details stay in the log; the challenge must not echo token contents.
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": "invalid token"}))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}

	return userInfo
}

func (h *Handler) registerStream(id string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[id] = cancel
}

func (h *Handler) unregisterStream(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, id)
}

// onReap ends the local stream of a session removed by the idle sweep and
// drops its reply namespace.
func (h *Handler) onReap(ctx context.Context, id string) {
	h.mu.Lock()
	cancel, ok := h.streams[id]
	h.mu.Unlock()
	if ok {
		cancel()
	}
	if err := h.broker.Cleanup(ctx, sessionNamespace(id)); err != nil {
		h.log.WarnContext(ctx, "session.reap.cleanup.fail", slog.String("session_id", id), slog.String("err", err.Error()))
	}
}

// Streams reports the number of event streams open on this handler.
func (h *Handler) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
