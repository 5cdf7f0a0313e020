package ssehttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/fakeserver"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/ggoodman/gitlab-mcp-bridge/ssehttp"
	"github.com/golang-jwt/jwt/v5"
)

func TestHealth_ReportsStateWithoutAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Process  string `json:"process"`
		Sessions int    `json:"sessions"`
		Pending  int    `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Process != "absent" || body.Sessions != 0 || body.Pending != 0 {
		t.Fatalf("unexpected health report: %+v", body)
	}
	if env.coord.Spawned() != 0 {
		t.Fatal("health check started the tool server")
	}
}

func TestSSE_Authentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusBadRequest},
		{name: "empty bearer", header: "Bearer    ", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/sse", nil)
			req.Header.Set("Accept", "text/event-stream")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if ch := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(ch, "Bearer") {
				t.Fatalf("expected Bearer challenge, got %q", ch)
			}
		})
	}

	if n, _ := env.sessions.Count(context.Background()); n != 0 {
		t.Fatalf("rejected streams created %d sessions", n)
	}
}

func TestSSE_RejectsNonEventStreamAccept(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/sse", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", resp.StatusCode)
	}
}

func TestSSE_AnnouncesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)

	u, err := url.Parse(s.endpoint)
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	if u.Path != "/message" || u.Query().Get("sessionId") == "" {
		t.Fatalf("unexpected endpoint %q", s.endpoint)
	}
	if n, _ := env.sessions.Count(context.Background()); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}
}

func TestSSE_DisconnectReleasesSession(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)
	s.cancel()

	waitFor(t, "session release", func() bool {
		n, _ := env.sessions.Count(context.Background())
		return n == 0 && env.handler.Streams() == 0
	})
}

func TestPost_InitializeRepliesOnceInBody(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)

	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	m := decodeResponse(t, resp)
	if m.Type() != jsonrpc.TypeResponse || m.ID.String() != "1" || m.Error != nil {
		t.Fatalf("unexpected reply: %+v", m)
	}
	if m.ID.Value() != int64(1) {
		t.Fatalf("reply id lost its numeric type: %#v", m.ID.Value())
	}

	// The reply went out in the body and must not also arrive on the stream.
	s.expectQuiet(t, 300*time.Millisecond)
	if env.bridge.Pending() != 0 {
		t.Fatalf("expected no pending correlations, got %d", env.bridge.Pending())
	}
}

func TestPost_NotificationIsAcknowledgedWithoutCorrelation(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)

	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if env.bridge.Pending() != 0 {
		t.Fatalf("notification registered %d pending correlations", env.bridge.Pending())
	}
}

func TestPost_NotificationAcknowledgedDuringColdStart(t *testing.T) {
	// A silent child only counts as ready once the readiness window lapses.
	env := newTestEnv(t, withChildMode(fakeserver.ModeSilent))
	s := env.openStream(t)

	start := time.Now()
	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("acknowledgement waited %s for the tool server", elapsed)
	}
	if got := env.handler.Outboxes(); got != 1 {
		t.Fatalf("expected the notification to be queued, %d outboxes", got)
	}

	// A request from the same session is forwarded after the notification.
	resp = env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if m := decodeResponse(t, resp); m.ID.String() != "1" || m.Error != nil {
		t.Fatalf("unexpected reply: %+v", m)
	}
	waitFor(t, "outbox to drain", func() bool { return env.handler.Outboxes() == 0 })
}

func TestPost_Rejections(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)

	tests := []struct {
		name        string
		path        string
		token       string
		contentType string
		body        string
		wantStatus  int
	}{
		{name: "no auth", path: s.endpoint, body: `{"jsonrpc":"2.0","method":"x"}`, wantStatus: http.StatusUnauthorized},
		{name: "wrong content type", path: s.endpoint, token: testToken, contentType: "text/plain", body: `{}`, wantStatus: http.StatusUnsupportedMediaType},
		{name: "missing session", path: "/message", token: testToken, body: `{"jsonrpc":"2.0","method":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown session", path: "/message?sessionId=nope", token: testToken, body: `{"jsonrpc":"2.0","method":"x"}`, wantStatus: http.StatusNotFound},
		{name: "batch", path: s.endpoint, token: testToken, body: `[{"jsonrpc":"2.0","method":"x"}]`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", path: s.endpoint, token: testToken, body: `{"jsonrpc":`, wantStatus: http.StatusBadRequest},
		{name: "wrong version", path: s.endpoint, token: testToken, body: `{"jsonrpc":"1.0","id":1,"method":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "result and error", path: s.endpoint, token: testToken, body: `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+tt.path, strings.NewReader(tt.body))
			ct := tt.contentType
			if ct == "" {
				ct = "application/json"
			}
			req.Header.Set("Content-Type", ct)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}

	if env.coord.Spawned() != 0 {
		t.Fatal("rejected messages reached the tool server")
	}
}

func TestPost_BodyLimit(t *testing.T) {
	env := newTestEnv(t, withHandlerOptions(ssehttp.WithMaxBodyBytes(64)))
	s := env.openStream(t)

	body := `{"jsonrpc":"2.0","method":"x","params":{"pad":"` + strings.Repeat("a", 128) + `"}}`
	resp := env.post(t, s.endpoint, testToken, body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestPost_SessionOfAnotherUserIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testToken))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := env.post(t, s.endpoint, tok, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPost_ToolCallArgumentsAreReconciled(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStream(t)

	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"get_project","arguments":{"project":"group/repo"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	m := decodeResponse(t, resp)

	var res struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(m.Result, &res); err != nil || len(res.Content) != 1 {
		t.Fatalf("unexpected result %s: %v", m.Result, err)
	}
	var forwarded map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &forwarded); err != nil {
		t.Fatalf("tool server did not echo arguments: %v", err)
	}
	if forwarded["project_id"] != "group/repo" {
		t.Fatalf("expected project_id to be forwarded, got %v", forwarded)
	}
	if _, ok := forwarded["project"]; ok {
		t.Fatalf("project key survived reconciliation: %v", forwarded)
	}
}

func TestPost_ServerNotificationsAreBroadcast(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.openStream(t)
	s2 := env.openStream(t)
	// Give the broadcast subscriptions time to start.
	time.Sleep(200 * time.Millisecond)

	resp := env.post(t, s1.endpoint, testToken, `{"jsonrpc":"2.0","id":7,"method":"`+fakeserver.MethodEmit+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	for i, s := range []*stream{s1, s2} {
		m := s.nextMessage(t, func(m *jsonrpc.AnyMessage) bool { return m.Method == "notifications/message" })
		if m.Type() != jsonrpc.TypeNotification {
			t.Fatalf("stream %d: expected notification, got %s", i, m.Type())
		}
	}
	s1.expectQuiet(t, 200*time.Millisecond)
}

func TestPost_TimeoutIsGatewayTimeout(t *testing.T) {
	env := newTestEnv(t, withBridgeTimeout(200*time.Millisecond))
	s := env.openStream(t)

	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":1,"method":"`+fakeserver.MethodNever+`"}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	m := decodeResponse(t, resp)
	if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeRequestTimeout || m.ID.String() != "1" {
		t.Fatalf("unexpected error reply: %+v", m)
	}
	if env.bridge.Pending() != 0 {
		t.Fatalf("timed out call left %d pending correlations", env.bridge.Pending())
	}
}

func TestPost_UnavailableToolServerIsBadGateway(t *testing.T) {
	env := newTestEnv(t, withChildMode(fakeserver.ModeCrash))
	s := env.openStream(t)

	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	m := decodeResponse(t, resp)
	if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeServerUnavailable {
		t.Fatalf("unexpected error reply: %+v", m)
	}
}

func TestStreamMode_ReplyArrivesOnStream(t *testing.T) {
	env := newTestEnv(t, withHandlerOptions(ssehttp.WithReplyMode(ssehttp.ReplyStream)))
	s := env.openStream(t)

	resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	m := s.nextMessage(t, func(m *jsonrpc.AnyMessage) bool { return m.Type() == jsonrpc.TypeResponse })
	if m.ID.String() != "1" || m.Error != nil {
		t.Fatalf("unexpected reply: %+v", m)
	}
	s.expectQuiet(t, 300*time.Millisecond)
}

func TestStreamMode_RepliesStayWithTheirSession(t *testing.T) {
	env := newTestEnv(t, withHandlerOptions(ssehttp.WithReplyMode(ssehttp.ReplyStream)))
	s1 := env.openStream(t)
	s2 := env.openStream(t)

	// Both clients use id 1, as every MCP client does.
	for _, s := range []*stream{s1, s2} {
		resp := env.post(t, s.endpoint, testToken, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}
	}
	for i, s := range []*stream{s1, s2} {
		m := s.nextMessage(t, func(m *jsonrpc.AnyMessage) bool { return m.Type() == jsonrpc.TypeResponse })
		if m.ID.String() != "1" {
			t.Fatalf("stream %d: unexpected reply %+v", i, m)
		}
		s.expectQuiet(t, 200*time.Millisecond)
	}
}

func TestParseReplyMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ssehttp.ReplyMode
		wantErr bool
	}{
		{in: "", want: ssehttp.ReplyDirect},
		{in: "direct", want: ssehttp.ReplyDirect},
		{in: "Stream", want: ssehttp.ReplyStream},
		{in: "both", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ssehttp.ParseReplyMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: unexpected error %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
