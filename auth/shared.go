package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SharedSecretUser is the principal assigned to callers presenting the raw
// shared secret.
const SharedSecretUser = "shared-secret"

// SecretSource yields the current shared secret.
type SecretSource interface {
	Secret() []byte
}

// StaticSecret is a SecretSource with a fixed value.
type StaticSecret []byte

func (s StaticSecret) Secret() []byte { return s }

// SharedSecretOption configures a SharedSecret authenticator.
type SharedSecretOption func(*SharedSecret)

// WithoutJWT disables acceptance of HS256 tokens; only the raw secret passes.
func WithoutJWT() SharedSecretOption {
	return func(s *SharedSecret) { s.allowJWT = false }
}

// WithLeeway adds tolerance for clock skew when validating token times.
func WithLeeway(d time.Duration) SharedSecretOption {
	return func(s *SharedSecret) { s.leeway = d }
}

// SharedSecret authenticates callers that know the deployment's shared secret.
type SharedSecret struct {
	src      SecretSource
	allowJWT bool
	leeway   time.Duration
}

// NewSharedSecret returns an authenticator checking tokens against src.
func NewSharedSecret(src SecretSource, opts ...SharedSecretOption) *SharedSecret {
	s := &SharedSecret{src: src, allowJWT: true, leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SharedSecret) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	secret := s.src.Secret()
	if tok == "" || len(secret) == 0 {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(tok), secret) == 1 {
		return &userInfo{sub: SharedSecretUser}, nil
	}
	if !s.allowJWT {
		return nil, ErrUnauthorized
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
	)
	parsed, err := parser.Parse(tok, func(*jwt.Token) (any, error) { return secret, nil })
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

var _ Authenticator = (*SharedSecret)(nil)
