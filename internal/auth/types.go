// Package auth verifies webhook API keys and bearer tokens.
package auth

import (
	"context"
)

// Roles carried in the token's role claim.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Claims are the verified contents of a bearer token. Subject is the
// webhook id a client token is scoped to; admin tokens may leave it empty.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role,omitempty"`
}

// IsAdmin returns true if the token has the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Allows reports whether the token grants access to a webhook.
func (c *Claims) Allows(webhookID string) bool {
	if c == nil {
		return false
	}
	return c.IsAdmin() || c.Subject == webhookID
}

type contextKey string

const claimsContextKey contextKey = "auth_claims"

// ClaimsFromContext retrieves the token claims from the context.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a new context with the claims attached.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
