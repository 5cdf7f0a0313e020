package ssehttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/auth"
	"github.com/ggoodman/gitlab-mcp-bridge/bridge"
	"github.com/ggoodman/gitlab-mcp-bridge/broker/memory"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/fakeserver"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/ggoodman/gitlab-mcp-bridge/process"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions/memoryhost"
	"github.com/ggoodman/gitlab-mcp-bridge/ssehttp"
)

func TestMain(m *testing.M) {
	if fakeserver.Requested() {
		fakeserver.Main()
	}
	os.Exit(m.Run())
}

const testToken = "test-shared-secret"

type testEnv struct {
	srv      *httptest.Server
	handler  *ssehttp.Handler
	coord    *process.Coordinator
	bridge   *bridge.Bridge
	sessions *sessions.Manager
}

type envConfig struct {
	bridgeTimeout time.Duration
	mode          string
	handlerOpts   []ssehttp.Option
}

type envOption func(*envConfig)

func withBridgeTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.bridgeTimeout = d }
}

func withChildMode(mode string) envOption {
	return func(c *envConfig) { c.mode = mode }
}

func withHandlerOptions(opts ...ssehttp.Option) envOption {
	return func(c *envConfig) { c.handlerOpts = append(c.handlerOpts, opts...) }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	cfg := &envConfig{bridgeTimeout: 5 * time.Second, mode: fakeserver.ModeEcho}
	for _, opt := range options {
		opt(cfg)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}

	b := memory.New()
	br := bridge.New(bridge.WithTimeout(cfg.bridgeTimeout))
	bc := ssehttp.NewBroadcaster(b, discardLogger())
	coord := process.NewCoordinator(func() *process.Supervisor {
		return process.New(process.Config{
			Command:      exe,
			Env:          fakeserver.Env(cfg.mode),
			ReadyTimeout: 5 * time.Second,
			StopGrace:    2 * time.Second,
		})
	}, process.WithStartHook(func(s *process.Supervisor) {
		br.Attach(s)
		bc.Attach(s)
	}))
	mgr := sessions.NewManager(memoryhost.New())

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handler.ServeHTTP(w, r) }))
	t.Cleanup(func() {
		srv.Close()
		_ = coord.Close(context.Background())
	})

	opts := append([]ssehttp.Option{ssehttp.WithLogger(discardLogger())}, cfg.handlerOpts...)
	h, err := ssehttp.New(srv.URL, coord, br, mgr, b, auth.NewSharedSecret(auth.StaticSecret(testToken)), opts...)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	handler = h

	return &testEnv{srv: srv, handler: h, coord: coord, bridge: br, sessions: mgr}
}

type sseEvent struct {
	event string
	data  string
}

type stream struct {
	events   <-chan sseEvent
	endpoint string
	cancel   context.CancelFunc
}

// openStream connects to /sse and waits for the endpoint event. The stream is
// closed when the test ends, before the server shuts down.
func (e *testEnv) openStream(t *testing.T) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	ch := make(chan sseEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readSSE(resp.Body, ch)
	}()

	s := &stream{events: ch, cancel: cancel}
	ev := s.next(t)
	if ev.event != "endpoint" {
		t.Fatalf("expected endpoint event first, got %+v", ev)
	}
	s.endpoint = ev.data
	return s
}

func readSSE(r io.Reader, out chan<- sseEvent) {
	sc := bufio.NewScanner(r)
	var cur sseEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 || cur.event != "" {
				cur.data = strings.Join(data, "\n")
				out <- cur
			}
			cur, data = sseEvent{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *stream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return sseEvent{}
	}
}

// nextMessage returns the next message event whose JSON-RPC method satisfies
// match, skipping others.
func (s *stream) nextMessage(t *testing.T, match func(*jsonrpc.AnyMessage) bool) *jsonrpc.AnyMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				t.Fatal("stream closed")
			}
			if ev.event != "message" {
				continue
			}
			var m jsonrpc.AnyMessage
			if err := json.Unmarshal([]byte(ev.data), &m); err != nil {
				t.Fatalf("invalid message on stream: %v: %s", err, ev.data)
			}
			if match(&m) {
				return &m
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching message")
			return nil
		}
	}
}

// expectQuiet fails if a message event arrives within d.
func (s *stream) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if ok && ev.event == "message" {
			t.Fatalf("unexpected message on stream: %s", ev.data)
		}
	case <-time.After(d):
	}
}

func (e *testEnv) post(t *testing.T, path string, token string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, e.srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *jsonrpc.AnyMessage {
	t.Helper()
	var m jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
