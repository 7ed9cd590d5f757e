package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// OIDCValidator checks Google-signed OIDC and IAP tokens guarding the
// internal service-to-service surface.
type OIDCValidator struct {
	cache   *JWKSCache
	parser  *jwt.Parser
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics installs a verification metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects the time source used for latency measurement.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator builds a validator on top of the JWKS cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:  cache,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// ServiceIdentity is the calling service resolved from a verified OIDC token.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type serviceIdentityKey struct{}

// WithServiceIdentity attaches the verified service identity to the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// authFailure carries one rejected verification outcome to the HTTP layer.
type authFailure struct {
	status  int
	code    string
	message string
	reason  string
}

// RequireOIDC admits requests bearing a Google-signed token for the given
// audience from one of the allowed issuers. Tokens arrive either as an
// Authorization bearer token or in the IAP assertion header.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			identity, failure := v.admit(ctx, r, audience, allowedIssuers)
			if failure != nil {
				v.record(ctx, false, failure.reason, start)
				respondAuthError(w, failure.status, failure.code, failure.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

// admit runs the verification pipeline and returns either a service
// identity or the failure to report.
func (v *OIDCValidator) admit(ctx context.Context, r *http.Request, audience string, issuers map[string]struct{}) (*ServiceIdentity, *authFailure) {
	if audience == "" {
		return nil, &authFailure{
			status:  http.StatusServiceUnavailable,
			code:    "verification_unavailable",
			message: "oidc audience not configured",
			reason:  "audience_not_configured",
		}
	}

	tokenStr, source := oidcToken(r)
	if tokenStr == "" {
		return nil, &authFailure{
			status:  http.StatusUnauthorized,
			code:    "unauthenticated",
			message: "oidc token missing",
			reason:  "token_missing",
		}
	}

	if v.cache == nil {
		return nil, &authFailure{
			status:  http.StatusServiceUnavailable,
			code:    "verification_unavailable",
			message: "oidc verification unavailable",
			reason:  "cache_unavailable",
		}
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx))
	if err != nil {
		failure := &authFailure{
			status:  http.StatusUnauthorized,
			code:    "invalid_token",
			message: "oidc token verification failed",
			reason:  "token_invalid",
		}
		if errors.Is(err, ErrJWKSFetchFailed) {
			failure.status = http.StatusServiceUnavailable
			failure.reason = "jwks_unavailable"
		}
		v.logf("auth: oidc verification failed (%s): %v", failure.reason, err)
		return nil, failure
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 {
		if _, ok := issuers[issuer]; !ok {
			v.logf("auth: oidc issuer %q not allowed", issuer)
			return nil, &authFailure{
				status:  http.StatusUnauthorized,
				code:    "invalid_token",
				message: "oidc issuer mismatch",
				reason:  "issuer_mismatch",
			}
		}
	}

	if !audienceMatches(claims, audience) {
		v.logf("auth: oidc audience mismatch, expected %q (token via %s)", audience, source)
		return nil, &authFailure{
			status:  http.StatusUnauthorized,
			code:    "invalid_token",
			message: "oidc audience mismatch",
			reason:  "audience_mismatch",
		}
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)

	return &ServiceIdentity{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: audience,
		Token:    parsed,
		Claims:   cloneClaims(claims),
	}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

func (v *OIDCValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

// oidcToken pulls the token from the Authorization header, falling back to
// the assertion header IAP injects.
func oidcToken(r *http.Request) (token, source string) {
	if r == nil {
		return "", ""
	}
	if bearer, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return bearer, "authorization"
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}

// audienceMatches handles the aud claim shapes JWT libraries emit: a single
// string or a list.
func audienceMatches(claims jwt.MapClaims, audience string) bool {
	switch value := claims["aud"].(type) {
	case string:
		return strings.TrimSpace(value) == audience
	case []string:
		for _, item := range value {
			if strings.TrimSpace(item) == audience {
				return true
			}
		}
	case []any:
		for _, item := range value {
			if str, ok := item.(string); ok && strings.TrimSpace(str) == audience {
				return true
			}
		}
	}
	return false
}

func cloneClaims(claims jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(claims))
	for key, value := range claims {
		out[key] = value
	}
	return out
}
