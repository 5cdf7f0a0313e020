// Package config loads the bridge's settings from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/joeshaw/envdecode"
)

// Config holds every setting the bridge reads at startup. The json names match
// the environment variables so the generated schema documents them directly.
type Config struct {
	GitLabAPIURL string `env:"GITLAB_API_URL,required" json:"GITLAB_API_URL" jsonschema:"required,format=uri,description=Base URL of the GitLab REST API handed to the tool server"`
	GitLabToken  string `env:"GITLAB_PERSONAL_ACCESS_TOKEN,required" json:"GITLAB_PERSONAL_ACCESS_TOKEN" jsonschema:"required,description=GitLab access token handed to the tool server"`

	AuthToken     string `env:"MCP_AUTH_TOKEN" json:"MCP_AUTH_TOKEN,omitempty" jsonschema:"description=Shared secret clients present as a bearer token"`
	AuthTokenFile string `env:"MCP_AUTH_TOKEN_FILE" json:"MCP_AUTH_TOKEN_FILE,omitempty" jsonschema:"description=File holding the shared secret; reloaded when it changes"`
	AuthRealm     string `env:"MCP_AUTH_REALM" json:"MCP_AUTH_REALM,omitempty" jsonschema:"description=Realm advertised in WWW-Authenticate challenges"`

	OIDCIssuer     string `env:"OIDC_ISSUER" json:"OIDC_ISSUER,omitempty" jsonschema:"format=uri,description=Issuer whose access tokens are also accepted"`
	OIDCAudience   string `env:"OIDC_AUDIENCE" json:"OIDC_AUDIENCE,omitempty" jsonschema:"description=Comma-separated audiences accepted from OIDC_ISSUER or JWKS_URL tokens"`
	RequiredScopes string `env:"OIDC_REQUIRED_SCOPES" json:"OIDC_REQUIRED_SCOPES,omitempty" jsonschema:"description=Comma-separated scopes every external token must carry"`
	JWKSURL        string `env:"JWKS_URL" json:"JWKS_URL,omitempty" jsonschema:"format=uri,description=Key set for access tokens from an issuer without discovery"`
	JWKSIssuer     string `env:"JWKS_ISSUER" json:"JWKS_ISSUER,omitempty" jsonschema:"description=Issuer expected on tokens verified against JWKS_URL"`

	ListenAddr string `env:"LISTEN_ADDR,default=:3000" json:"LISTEN_ADDR" jsonschema:"default=:3000,description=Address the HTTP server listens on"`
	PublicURL  string `env:"PUBLIC_URL" json:"PUBLIC_URL,omitempty" jsonschema:"format=uri,description=Externally visible base URL; its path prefixes every route"`

	ServerCommand         string        `env:"MCP_SERVER_COMMAND,default=npx" json:"MCP_SERVER_COMMAND" jsonschema:"default=npx,description=Executable of the wrapped tool server"`
	ServerArgs            string        `env:"MCP_SERVER_ARGS,default=-y @modelcontextprotocol/server-gitlab" json:"MCP_SERVER_ARGS" jsonschema:"default=-y @modelcontextprotocol/server-gitlab,description=Space-separated arguments of the wrapped tool server"`
	ServerReadyPhrase     string        `env:"MCP_SERVER_READY_PHRASE" json:"MCP_SERVER_READY_PHRASE,omitempty" jsonschema:"description=Additional stderr phrase that marks the tool server ready"`
	ServerReadyTimeout    time.Duration `env:"MCP_SERVER_READY_TIMEOUT,default=3s" json:"MCP_SERVER_READY_TIMEOUT" jsonschema:"type=string,default=3s,description=How long to wait for the readiness line"`
	ServerStrictReadiness bool          `env:"MCP_SERVER_STRICT_READINESS" json:"MCP_SERVER_STRICT_READINESS,omitempty" jsonschema:"description=Fail startup when no readiness line arrives in time"`
	ServerStopGrace       time.Duration `env:"MCP_SERVER_STOP_GRACE,default=5s" json:"MCP_SERVER_STOP_GRACE" jsonschema:"type=string,default=5s,description=Wait between SIGTERM and SIGKILL"`

	ReplyMode      string        `env:"MCP_REPLY_MODE,default=direct" json:"MCP_REPLY_MODE" jsonschema:"enum=direct,enum=stream,default=direct,description=Deliver replies in the POST body or on the event stream"`
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s" json:"MCP_REQUEST_TIMEOUT" jsonschema:"type=string,default=30s,description=How long a request may wait for the tool server's reply"`
	MaxBodyBytes   int64         `env:"MCP_MAX_BODY_BYTES,default=4194304" json:"MCP_MAX_BODY_BYTES" jsonschema:"default=4194304,description=Largest accepted message body"`

	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m" json:"SESSION_IDLE_TIMEOUT" jsonschema:"type=string,default=30m,description=Inactivity after which a session is reaped"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=1m" json:"SESSION_SWEEP_INTERVAL" jsonschema:"type=string,default=1m,description=How often idle sessions are looked for"`
	KeepAlive            time.Duration `env:"SSE_KEEPALIVE,default=15s" json:"SSE_KEEPALIVE" jsonschema:"type=string,default=15s,description=Interval between keepalive comments on open streams"`

	RedisAddr string `env:"REDIS_ADDR" json:"REDIS_ADDR,omitempty" jsonschema:"description=Redis address; sessions and streams stay in memory when unset"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" json:"SHUTDOWN_TIMEOUT" jsonschema:"type=string,default=10s,description=Bound on graceful shutdown"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" json:"LOG_LEVEL" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=text" json:"LOG_FORMAT" jsonschema:"enum=text,enum=json,default=text"`
}

// ErrNoSharedSecret is returned when neither MCP_AUTH_TOKEN nor
// MCP_AUTH_TOKEN_FILE is set.
var ErrNoSharedSecret = errors.New("one of MCP_AUTH_TOKEN or MCP_AUTH_TOKEN_FILE is required")

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be expressed as struct tags.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthToken) == "" && c.AuthTokenFile == "" {
		errs = append(errs, ErrNoSharedSecret)
	}
	if err := checkURL("GITLAB_API_URL", c.GitLabAPIURL); err != nil {
		errs = append(errs, err)
	}
	if c.PublicURL != "" {
		if err := checkURL("PUBLIC_URL", c.PublicURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.OIDCIssuer != "" || c.JWKSURL != "" {
		if len(c.Audiences()) == 0 {
			errs = append(errs, errors.New("OIDC_AUDIENCE is required with OIDC_ISSUER or JWKS_URL"))
		}
	}
	if c.JWKSURL != "" {
		if err := checkURL("JWKS_URL", c.JWKSURL); err != nil {
			errs = append(errs, err)
		}
		if c.JWKSIssuer == "" {
			errs = append(errs, errors.New("JWKS_ISSUER is required with JWKS_URL"))
		}
	}
	if strings.TrimSpace(c.ServerCommand) == "" {
		errs = append(errs, errors.New("MCP_SERVER_COMMAND must not be empty"))
	}
	switch strings.ToLower(c.ReplyMode) {
	case "direct", "stream":
	default:
		errs = append(errs, fmt.Errorf("MCP_REPLY_MODE must be direct or stream, got %q", c.ReplyMode))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	for name, d := range map[string]time.Duration{
		"MCP_REQUEST_TIMEOUT":    c.RequestTimeout,
		"SESSION_IDLE_TIMEOUT":   c.SessionIdleTimeout,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
		"SSE_KEEPALIVE":          c.KeepAlive,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}
	return nil
}

// Args splits MCP_SERVER_ARGS on whitespace.
func (c *Config) Args() []string { return strings.Fields(c.ServerArgs) }

// Audiences splits OIDC_AUDIENCE on commas.
func (c *Config) Audiences() []string { return splitList(c.OIDCAudience) }

// Scopes splits OIDC_REQUIRED_SCOPES on commas.
func (c *Config) Scopes() []string { return splitList(c.RequiredScopes) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ResolvedPublicURL returns PUBLIC_URL, or a localhost URL derived from the
// listen address when it is unset.
func (c *Config) ResolvedPublicURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	addr := c.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// ChildEnv is the environment handed to the tool server.
func (c *Config) ChildEnv() []string {
	return []string{
		"GITLAB_API_URL=" + c.GitLabAPIURL,
		"GITLAB_PERSONAL_ACCESS_TOKEN=" + c.GitLabToken,
	}
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Schema describes the configuration as a JSON Schema document.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Config{})
	s.Title = "gitlab-mcp-bridge environment"
	return json.MarshalIndent(s, "", "  ")
}
