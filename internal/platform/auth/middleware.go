package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Claim names the mobile and web clients receive in their Firebase ID tokens.
const (
	claimRole   = "role"
	claimEmail  = "email"
	claimLocale = "locale"
)

var (
	// ErrTokenExpired signals that the presented Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals any other Firebase ID token verification failure.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier     TokenVerifier
	fallbackRole string
}

// AuthenticatorOption customises the authenticator.
type AuthenticatorOption func(*Authenticator)

// WithFallbackRole sets the role granted to tokens that carry no role claim.
// The default is RoleUser.
func WithFallbackRole(role string) AuthenticatorOption {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

// NewAuthenticator wraps the verifier for use with RequireFirebaseAuth.
func NewAuthenticator(verifier TokenVerifier, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{verifier: verifier, fallbackRole: RoleUser}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the Authorization bearer token, attaches the
// resulting Identity to the request context and, when roles are given,
// rejects identities holding none of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	required := normaliseRoles(roles)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idToken, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			token, err := a.verifier.VerifyIDToken(r.Context(), idToken)
			if err != nil {
				respondTokenError(w, err)
				return
			}

			identity := a.identityFromToken(token)
			if len(identity.Roles) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "missing_role", "no roles associated with identity")
				return
			}
			if len(required) > 0 && !identity.HasAnyRole(required...) {
				respondAuthError(w, http.StatusUnauthorized, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// identityFromToken maps verified token claims onto an Identity. Tokens
// without a role claim fall back to the configured default role.
func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:    token.UID,
		Email:  stringClaim(token.Claims, claimEmail),
		Locale: stringClaim(token.Claims, claimLocale),
		Roles:  rolesClaim(token.Claims),
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity
}

// rolesClaim accepts the role claim shapes Firebase custom claims produce: a
// single string, a list of strings, or a map of role name to boolean flag.
func rolesClaim(claims map[string]any) []string {
	switch value := claims[claimRole].(type) {
	case string:
		return appendRole(nil, value)
	case []any:
		var roles []string
		for _, item := range value {
			if name, ok := item.(string); ok {
				roles = appendRole(roles, name)
			}
		}
		return roles
	case []string:
		var roles []string
		for _, name := range value {
			roles = appendRole(roles, name)
		}
		return roles
	case map[string]any:
		var roles []string
		for name, flag := range value {
			if granted, ok := flag.(bool); ok && granted {
				roles = appendRole(roles, name)
			}
		}
		return roles
	default:
		return nil
	}
}

// appendRole adds a normalised role, skipping blanks and duplicates.
func appendRole(roles []string, role string) []string {
	role = normaliseRole(role)
	if role == "" {
		return roles
	}
	for _, existing := range roles {
		if existing == role {
			return roles
		}
	}
	return append(roles, role)
}

func normaliseRoles(roles []string) []string {
	var out []string
	for _, role := range roles {
		out = appendRole(out, role)
	}
	return out
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func stringClaim(claims map[string]any, key string) string {
	if value, ok := claims[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Status  int    `json:"status"`
	}{Error: code, Message: message, Status: status})
}

func respondTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
