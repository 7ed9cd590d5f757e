// Package auth guards the HTTP surface of the orders service. Shopper
// endpoints carry Firebase ID tokens, service-to-service calls carry
// Google-signed OIDC tokens, and webhook integrations can be verified with
// shared-secret HMAC signatures. Verified principals travel on the request
// context.
package auth

import (
	"context"
	"strings"
)

// Roles assigned to shoppers and back-office operators through Firebase
// custom claims.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the principal resolved from a verified Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Locale string
}

// HasRole reports whether the identity carries the given role. Comparison
// ignores case and surrounding whitespace.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	want := strings.TrimSpace(role)
	if want == "" {
		return false
	}
	for _, have := range i.Roles {
		if strings.EqualFold(have, want) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of the roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity attaches the verified identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by RequireFirebaseAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
