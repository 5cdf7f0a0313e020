package ssehttp_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/ssehttp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type authRT struct{ base http.RoundTripper }

func (rt authRT) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+testToken)
	return rt.base.RoundTrip(r2)
}

func TestSDKClient_E2E(t *testing.T) {
	env := newTestEnv(t, withHandlerOptions(
		ssehttp.WithReplyMode(ssehttp.ReplyStream),
		ssehttp.WithKeepAlive(time.Hour),
	))
	ctx := t.Context()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.SSEClientTransport{
		Endpoint:   env.srv.URL + "/sse",
		HTTPClient: &http.Client{Transport: authRT{base: http.DefaultTransport}},
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "get_project" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "get_project",
		Arguments: map[string]any{"project": "group/repo"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	var forwarded map[string]any
	if err := json.Unmarshal([]byte(text.Text), &forwarded); err != nil {
		t.Fatalf("decode echoed arguments: %v", err)
	}
	if forwarded["project_id"] != "group/repo" {
		t.Fatalf("expected reconciled project_id, got %v", forwarded)
	}
	if env.coord.Spawned() != 1 {
		t.Fatalf("expected a single tool server, got %d", env.coord.Spawned())
	}
}
