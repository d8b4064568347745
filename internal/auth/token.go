package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenProvider validates a shared secret against a stored bcrypt hash.
type TokenProvider struct {
	hash []byte
}

// NewTokenProvider creates a TokenProvider from the configured bcrypt hash.
func NewTokenProvider(hash string) (*TokenProvider, error) {
	if hash == "" {
		return nil, fmt.Errorf("auth mode \"token\" requires a token hash; run the init command to generate one")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("token hash is not a valid bcrypt hash: %w", err)
	}
	return &TokenProvider{hash: []byte(hash)}, nil
}

func (p *TokenProvider) Name() string { return "token" }

func (p *TokenProvider) Authenticate(_ context.Context, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(p.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

func (p *TokenProvider) Close() error { return nil }

// HashToken produces the bcrypt hash stored in the config file.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
