package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	if u.claims == nil {
		return nil
	}
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type chain []Authenticator

// Chain returns an Authenticator that accepts a token when any of the given
// authenticators accepts it. ErrInsufficientScope from a member wins over
// ErrUnauthorized so the caller sees the more specific failure.
func Chain(authenticators ...Authenticator) Authenticator {
	if len(authenticators) == 1 {
		return authenticators[0]
	}
	return chain(authenticators)
}

func (c chain) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	var scopeErr error
	for _, a := range c {
		ui, err := a.CheckAuthentication(ctx, tok)
		if err == nil {
			return ui, nil
		}
		if errors.Is(err, ErrInsufficientScope) && scopeErr == nil {
			scopeErr = err
		}
	}
	if scopeErr != nil {
		return nil, scopeErr
	}
	return nil, ErrUnauthorized
}
