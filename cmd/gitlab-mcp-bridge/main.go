// Command gitlab-mcp-bridge serves a stdio GitLab MCP server to remote clients
// over HTTP and Server-Sent Events.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/auth"
	"github.com/ggoodman/gitlab-mcp-bridge/bridge"
	"github.com/ggoodman/gitlab-mcp-bridge/broker"
	"github.com/ggoodman/gitlab-mcp-bridge/broker/memory"
	redisbroker "github.com/ggoodman/gitlab-mcp-bridge/broker/redis"
	"github.com/ggoodman/gitlab-mcp-bridge/config"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/logctx"
	"github.com/ggoodman/gitlab-mcp-bridge/process"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions/memoryhost"
	"github.com/ggoodman/gitlab-mcp-bridge/sessions/redishost"
	"github.com/ggoodman/gitlab-mcp-bridge/ssehttp"
	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type options struct {
	Listen       string `short:"l" long:"listen" description:"address to listen on; overrides LISTEN_ADDR"`
	ConfigSchema bool   `long:"config-schema" description:"print the JSON Schema of the environment configuration and exit"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, "gitlab-mcp-bridge:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return err
	}
	if opts.ConfigSchema {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, string(b))
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}

	log, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	brk, host, closeBackends, err := newBackends(cfg)
	if err != nil {
		return err
	}
	defer closeBackends()

	authenticator, secretFile, err := newAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}

	replyMode, err := ssehttp.ParseReplyMode(cfg.ReplyMode)
	if err != nil {
		return err
	}

	br := bridge.New(bridge.WithTimeout(cfg.RequestTimeout), bridge.WithLogger(log))
	bc := ssehttp.NewBroadcaster(brk, log)
	coord := process.NewCoordinator(func() *process.Supervisor {
		return process.New(process.Config{
			Command:         cfg.ServerCommand,
			Args:            cfg.Args(),
			Env:             cfg.ChildEnv(),
			ReadyTimeout:    cfg.ServerReadyTimeout,
			StrictReadiness: cfg.ServerStrictReadiness,
			ReadyPhrase:     cfg.ServerReadyPhrase,
			StopGrace:       cfg.ServerStopGrace,
		}, process.WithLogger(log))
	},
		process.WithCoordinatorLogger(log),
		process.WithStartHook(func(s *process.Supervisor) {
			br.Attach(s)
			bc.Attach(s)
		}),
	)

	mgr := sessions.NewManager(host,
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithSweepInterval(cfg.SessionSweepInterval),
		sessions.WithLogger(log),
	)

	h, err := ssehttp.New(cfg.ResolvedPublicURL(), coord, br, mgr, brk, authenticator,
		ssehttp.WithLogger(log),
		ssehttp.WithRealm(cfg.AuthRealm),
		ssehttp.WithReplyMode(replyMode),
		ssehttp.WithKeepAlive(cfg.KeepAlive),
		ssehttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Open streams end when the process is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.ListenAddr), slog.String("reply_mode", replyMode.String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(mgr.Run(gctx)) })
	if secretFile != nil {
		g.Go(func() error { return ignoreCanceled(secretFile.Run(gctx)) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown.start")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
			_ = srv.Close()
		}
		if err := coord.Close(shutdownCtx); err != nil {
			log.Warn("process.shutdown.fail", slog.String("err", err.Error()))
		}
		log.Info("shutdown.done")
		return nil
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	var base slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		base = slog.NewJSONHandler(w, hopts)
	} else {
		base = slog.NewTextHandler(w, hopts)
	}
	return slog.New(logctx.Handler{Handler: base}), nil
}

// newBackends picks Redis for the broker and session store when REDIS_ADDR is
// set, and in-memory implementations otherwise.
func newBackends(cfg *config.Config) (broker.Broker, sessions.Host, func(), error) {
	if cfg.RedisAddr == "" {
		return memory.New(), memoryhost.New(), func() {}, nil
	}

	host, err := redishost.NewFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}
	brk := redisbroker.New(redisbroker.Config{
		Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
	})
	return brk, host, func() {
		_ = brk.Close()
		_ = host.Close()
	}, nil
}

// newAuthenticator accepts the shared secret, plus access tokens from an OIDC
// issuer or a bare key set when configured. The returned SecretFile, if any,
// must be run to pick up rotations.
func newAuthenticator(ctx context.Context, cfg *config.Config, log *slog.Logger) (auth.Authenticator, *auth.SecretFile, error) {
	var (
		src        auth.SecretSource
		secretFile *auth.SecretFile
	)
	if cfg.AuthTokenFile != "" {
		f, err := auth.NewSecretFile(cfg.AuthTokenFile, log)
		if err != nil {
			return nil, nil, err
		}
		src, secretFile = f, f
	} else {
		src = auth.StaticSecret(strings.TrimSpace(cfg.AuthToken))
	}

	authenticators := []auth.Authenticator{auth.NewSharedSecret(src)}

	tokenCfg := auth.TokenConfig{
		ExpectedAudiences: cfg.Audiences(),
		RequiredScopes:    cfg.Scopes(),
	}
	if cfg.OIDCIssuer != "" {
		c := tokenCfg
		c.Issuer = cfg.OIDCIssuer
		a, err := auth.NewOIDC(ctx, c)
		if err != nil {
			return nil, nil, fmt.Errorf("oidc: %w", err)
		}
		authenticators = append(authenticators, a)
	}
	if cfg.JWKSURL != "" {
		c := tokenCfg
		c.Issuer = cfg.JWKSIssuer
		a, err := auth.NewJWKS(ctx, c, cfg.JWKSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("jwks: %w", err)
		}
		authenticators = append(authenticators, a)
	}

	if len(authenticators) == 1 {
		return authenticators[0], secretFile, nil
	}
	return auth.Chain(authenticators...), secretFile, nil
}
