package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpscope/mcpscope/internal/config"
)

func TestNoneProviderAcceptsAnything(t *testing.T) {
	p, err := New(config.AuthConfig{Mode: "none"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Authenticate(context.Background(), ""); err != nil {
		t.Errorf("none provider rejected empty token: %v", err)
	}
}

func TestTokenProvider(t *testing.T) {
	hash, err := HashToken("super-secret")
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewTokenProvider(hash)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Authenticate(context.Background(), "super-secret"); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := p.Authenticate(context.Background(), "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong token: err = %v", err)
	}
	if err := p.Authenticate(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty token: err = %v", err)
	}
}

func TestTokenProviderRejectsBadHash(t *testing.T) {
	if _, err := NewTokenProvider("not-a-bcrypt-hash"); err == nil {
		t.Error("expected error for invalid hash")
	}
	if _, err := NewTokenProvider(""); err == nil {
		t.Error("expected error for empty hash")
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWTProvider(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	p, err := NewJWTProvider(secret)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	valid := signHS256(t, secret, jwt.MapClaims{
		"sub": "client-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := p.Authenticate(ctx, valid); err != nil {
		t.Errorf("valid JWT rejected: %v", err)
	}

	expired := signHS256(t, secret, jwt.MapClaims{
		"sub": "client-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if err := p.Authenticate(ctx, expired); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired JWT: err = %v", err)
	}

	noExp := signHS256(t, secret, jwt.MapClaims{"sub": "client-1"})
	if err := p.Authenticate(ctx, noExp); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("JWT without exp: err = %v", err)
	}

	wrongKey := signHS256(t, "another-secret-another-secret-xx", jwt.MapClaims{
		"sub": "client-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := p.Authenticate(ctx, wrongKey); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("JWT with wrong key: err = %v", err)
	}
}

func TestFactoryRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.AuthConfig{Mode: "kerberos"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}
