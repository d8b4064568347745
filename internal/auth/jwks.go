package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates JWTs signed by an external issuer using its
// published JWKS.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider creates a JWKSProvider that fetches keys from the issuer's
// well-known JWKS endpoint.
func NewJWKSProvider(issuer string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("auth mode \"jwks\" requires an issuer URL")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{issuer: issuer, jwks: jwks}, nil
}

func (p *JWKSProvider) Name() string { return "jwks" }

func (p *JWKSProvider) Authenticate(ctx context.Context, tokenStr string) error {
	if tokenStr == "" {
		return ErrUnauthorized
	}
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	return nil
}

func (p *JWKSProvider) Close() error { return nil }
