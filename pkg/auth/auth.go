package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken indicates that the Authorization header was not provided.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidPrefix indicates the header did not use the required Bearer prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrNoCredential is returned by providers that have nothing configured.
	ErrNoCredential = errors.New("no credential configured")
)

const bearerPrefix = "Bearer "

// TokenProvider supplies the bearer credential for outgoing requests. How
// the token is obtained is up to the implementation.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredential
	}
	return string(t), nil
}

// Authorize sets the Authorization header of req from p. A nil provider or
// ErrNoCredential leaves the request anonymous.
func Authorize(ctx context.Context, req *http.Request, p TokenProvider) error {
	if p == nil {
		return nil
	}
	token, err := p.Token(ctx)
	if errors.Is(err, ErrNoCredential) {
		return nil
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", bearerPrefix+token)
	return nil
}

// ExtractBearer parses a Bearer Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimPrefix(header, bearerPrefix)
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}
