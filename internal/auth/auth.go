// Package auth verifies bearer API keys for the HTTP and gRPC surfaces.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "rmp_"

// lookupPrefixLen is how much of a key is stored in clear for lookup,
// e.g. "rmp_1a2b".
const lookupPrefixLen = 8

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Principal is the authenticated caller.
type Principal struct {
	KeyID  string `json:"key_id"`
	Name   string `json:"name"`
	Source string `json:"source"` // "static" or "postgres"
}

// Authenticator validates a raw API key.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// ParseBearer extracts the key from an Authorization header value.
// The "Bearer" scheme is matched case-insensitively (RFC 6750).
func ParseBearer(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", ErrMissingAPIKey
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < lookupPrefixLen {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// FromMetadata extracts the key from incoming gRPC metadata.
func FromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingAPIKey
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrMissingAPIKey
	}
	return ParseBearer(values[0])
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
