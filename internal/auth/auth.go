// Package auth validates client credentials on new gateway connections.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcpscope/mcpscope/internal/config"
)

// ErrUnauthorized is returned when a credential is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// Provider authenticates the token presented on a new connection.
type Provider interface {
	// Name returns the provider name for logging.
	Name() string
	// Authenticate returns nil if the token is valid, ErrUnauthorized
	// otherwise.
	Authenticate(ctx context.Context, token string) error
	// Close releases any background resources.
	Close() error
}

// New creates a Provider based on configuration.
func New(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Mode {
	case "none", "":
		return noneProvider{}, nil
	case "token":
		return NewTokenProvider(cfg.TokenHash)
	case "jwt":
		return NewJWTProvider(cfg.JWTSecret)
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer)
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.Mode)
	}
}

// noneProvider accepts every connection. Only sensible on loopback.
type noneProvider struct{}

func (noneProvider) Name() string                               { return "none" }
func (noneProvider) Authenticate(context.Context, string) error { return nil }
func (noneProvider) Close() error                               { return nil }
