package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider validates HS256-signed JWTs against a shared secret.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a JWTProvider from the configured signing secret.
func NewJWTProvider(secret string) (*JWTProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth mode \"jwt\" requires a signing secret")
	}
	return &JWTProvider{secret: []byte(secret)}, nil
}

func (p *JWTProvider) Name() string { return "jwt" }

func (p *JWTProvider) Authenticate(_ context.Context, tokenStr string) error {
	if tokenStr == "" {
		return ErrUnauthorized
	}
	token, err := jwt.Parse(tokenStr,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return p.secret, nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	return nil
}

func (p *JWTProvider) Close() error { return nil }
