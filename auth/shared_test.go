package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestSharedSecret(t *testing.T) {
	secret := []byte("s3cret-value")
	a := NewSharedSecret(StaticSecret(secret))
	now := time.Now()

	tests := []struct {
		name    string
		tok     string
		wantErr bool
		wantSub string
	}{
		{name: "raw secret", tok: "s3cret-value", wantSub: SharedSecretUser},
		{name: "empty", tok: "", wantErr: true},
		{name: "wrong secret", tok: "s3cret-valuX", wantErr: true},
		{name: "prefix of secret", tok: "s3cret", wantErr: true},
		{
			name:    "hs256 token",
			tok:     signHS256(t, secret, jwt.MapClaims{"sub": "alice", "exp": now.Add(time.Hour).Unix()}),
			wantSub: "alice",
		},
		{
			name:    "expired token",
			tok:     signHS256(t, secret, jwt.MapClaims{"sub": "alice", "exp": now.Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "token without exp",
			tok:     signHS256(t, secret, jwt.MapClaims{"sub": "alice"}),
			wantErr: true,
		},
		{
			name:    "token without sub",
			tok:     signHS256(t, secret, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "token signed with other key",
			tok:     signHS256(t, []byte("other"), jwt.MapClaims{"sub": "alice", "exp": now.Add(time.Hour).Unix()}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui, err := a.CheckAuthentication(context.Background(), tt.tok)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ui.UserID() != tt.wantSub {
				t.Fatalf("expected user %q, got %q", tt.wantSub, ui.UserID())
			}
		})
	}
}

func TestSharedSecret_WithoutJWT(t *testing.T) {
	secret := []byte("s3cret-value")
	a := NewSharedSecret(StaticSecret(secret), WithoutJWT())
	tok := signHS256(t, secret, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSharedSecret_EmptySecretRejectsEverything(t *testing.T) {
	a := NewSharedSecret(StaticSecret(nil))
	if _, err := a.CheckAuthentication(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

type denyAll struct{ err error }

func (d denyAll) CheckAuthentication(context.Context, string) (UserInfo, error) { return nil, d.err }

func TestChain(t *testing.T) {
	shared := NewSharedSecret(StaticSecret("abc"))

	ui, err := Chain(denyAll{ErrUnauthorized}, shared).CheckAuthentication(context.Background(), "abc")
	if err != nil || ui.UserID() != SharedSecretUser {
		t.Fatalf("expected second authenticator to accept, got %v", err)
	}

	_, err = Chain(denyAll{ErrInsufficientScope}, shared).CheckAuthentication(context.Background(), "nope")
	if !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("expected ErrInsufficientScope, got %v", err)
	}

	_, err = Chain(denyAll{errors.New("boom")}, shared).CheckAuthentication(context.Background(), "nope")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSecretFile_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := NewSecretFile(path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := string(f.Secret()); got != "first" {
		t.Fatalf("expected trimmed secret, got %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	a := NewSharedSecret(f)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := a.CheckAuthentication(context.Background(), "second"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("secret not reloaded, still %q", f.Secret())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := a.CheckAuthentication(context.Background(), "first"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old secret still accepted: %v", err)
	}
}

func TestSecretFile_EmptyIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewSecretFile(path, nil); err == nil {
		t.Fatal("expected error for empty secret file")
	}
}
