package auth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
)

// NewOIDC performs OIDC discovery against cfg.Issuer to obtain the issuer's
// jwks_uri, and returns an Authenticator for RFC 9068 access tokens. JWKS keys
// are auto-refreshed until ctx ends.
func NewOIDC(ctx context.Context, cfg TokenConfig) (Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	cfg.applyDefaults()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &tokenAuthenticator{
		cfg:        cfg,
		issuer:     meta.Issuer,
		keyfunc:    restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc),
		requireTyp: true,
	}, nil
}
