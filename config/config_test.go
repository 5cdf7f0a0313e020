package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GITLAB_API_URL", "https://gitlab.example.com/api/v4")
	t.Setenv("GITLAB_PERSONAL_ACCESS_TOKEN", "glpat-test")
	t.Setenv("MCP_AUTH_TOKEN", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":3000" || cfg.ServerCommand != "npx" || cfg.ReplyMode != "direct" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.Args(); !reflect.DeepEqual(got, []string{"-y", "@modelcontextprotocol/server-gitlab"}) {
		t.Fatalf("unexpected args %v", got)
	}
	if cfg.RequestTimeout != 30*time.Second || cfg.SessionIdleTimeout != 30*time.Minute || cfg.KeepAlive != 15*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.ResolvedPublicURL() != "http://localhost:3000" {
		t.Fatalf("unexpected public URL %q", cfg.ResolvedPublicURL())
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelInfo {
		t.Fatalf("unexpected level %v", lvl)
	}
	env := cfg.ChildEnv()
	if !reflect.DeepEqual(env, []string{
		"GITLAB_API_URL=https://gitlab.example.com/api/v4",
		"GITLAB_PERSONAL_ACCESS_TOKEN=glpat-test",
	}) {
		t.Fatalf("unexpected child env %v", env)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("GITLAB_API_URL", "")
	t.Setenv("GITLAB_PERSONAL_ACCESS_TOKEN", "glpat-test")
	t.Setenv("MCP_AUTH_TOKEN", "secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing GITLAB_API_URL")
	}
}

func TestLoad_RequiresSharedSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("MCP_AUTH_TOKEN", "")
	t.Setenv("MCP_AUTH_TOKEN_FILE", "")

	_, err := Load()
	if !errors.Is(err, ErrNoSharedSecret) {
		t.Fatalf("expected ErrNoSharedSecret, got %v", err)
	}

	t.Setenv("MCP_AUTH_TOKEN_FILE", "/run/secrets/mcp")
	if _, err := Load(); err != nil {
		t.Fatalf("secret file should satisfy the requirement: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LISTEN_ADDR", "127.0.0.1:8080")
	t.Setenv("PUBLIC_URL", "https://bridge.example.com/gitlab")
	t.Setenv("MCP_REPLY_MODE", "stream")
	t.Setenv("MCP_REQUEST_TIMEOUT", "5s")
	t.Setenv("OIDC_ISSUER", "https://id.example.com")
	t.Setenv("OIDC_AUDIENCE", "bridge, other ")
	t.Setenv("OIDC_REQUIRED_SCOPES", "mcp:use")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ResolvedPublicURL() != "https://bridge.example.com/gitlab" || cfg.ReplyMode != "stream" || cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Audiences(), []string{"bridge", "other"}) || !reflect.DeepEqual(cfg.Scopes(), []string{"mcp:use"}) {
		t.Fatalf("unexpected lists: %v %v", cfg.Audiences(), cfg.Scopes())
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Fatalf("unexpected level %v", lvl)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			GitLabAPIURL:         "https://gitlab.example.com/api/v4",
			GitLabToken:          "glpat",
			AuthToken:            "secret",
			ServerCommand:        "npx",
			ReplyMode:            "direct",
			RequestTimeout:       time.Second,
			SessionIdleTimeout:   time.Minute,
			SessionSweepInterval: time.Second,
			KeepAlive:            time.Second,
			LogLevel:             "info",
			LogFormat:            "text",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "relative api url", mutate: func(c *Config) { c.GitLabAPIURL = "/api/v4" }, wantErr: "GITLAB_API_URL"},
		{name: "bad reply mode", mutate: func(c *Config) { c.ReplyMode = "both" }, wantErr: "MCP_REPLY_MODE"},
		{name: "issuer without audience", mutate: func(c *Config) { c.OIDCIssuer = "https://id.example.com" }, wantErr: "OIDC_AUDIENCE"},
		{name: "jwks without audience", mutate: func(c *Config) { c.JWKSURL = "https://id.example.com/jwks" }, wantErr: "OIDC_AUDIENCE"},
		{name: "jwks without issuer", mutate: func(c *Config) { c.JWKSURL = "https://id.example.com/jwks"; c.OIDCAudience = "bridge" }, wantErr: "JWKS_ISSUER"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "LOG_LEVEL"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
		{name: "zero timeout", mutate: func(c *Config) { c.RequestTimeout = 0 }, wantErr: "MCP_REQUEST_TIMEOUT"},
		{name: "empty command", mutate: func(c *Config) { c.ServerCommand = " " }, wantErr: "MCP_SERVER_COMMAND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchema(t *testing.T) {
	b, err := Schema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, name := range []string{"GITLAB_API_URL", "MCP_AUTH_TOKEN_FILE", "REDIS_ADDR", "MCP_REPLY_MODE"} {
		if _, ok := doc.Properties[name]; !ok {
			t.Fatalf("schema is missing %s", name)
		}
	}
	req := strings.Join(doc.Required, ",")
	if !strings.Contains(req, "GITLAB_API_URL") || !strings.Contains(req, "GITLAB_PERSONAL_ACCESS_TOKEN") || strings.Contains(req, "LISTEN_ADDR") {
		t.Fatalf("unexpected required list %v", doc.Required)
	}
}
