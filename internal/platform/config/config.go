// Package config assembles runtime settings from the environment, with .env
// fallbacks for local development and Secret Manager indirection for
// credential material.
package config

import (
	"strings"
	"time"
)

// Built-in fallbacks applied when the environment leaves a knob unset.
const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultGatewayCallTimeout   = 15 * time.Second
	defaultClientCallTimeout    = 5 * time.Second
	defaultOrderEventTopic      = "order-events"
	defaultRateLimitMutations   = 120
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the full runtime configuration, grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Pricing     PricingConfig
	Payments    PaymentsConfig
	Inventory   UpstreamConfig
	Carts       UpstreamConfig
	Events      EventsConfig
	RateLimits  RateLimitConfig
	Features    FeatureFlags
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the Firebase project backing authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig locates the document database.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PricingConfig overrides the built-in tax and shipping rates. Zero values
// fall back to the calculator defaults.
type PricingConfig struct {
	Currency              string
	TaxRateBasisPoints    int64
	FreeShippingThreshold int64
	BaseShippingFee       int64
	PerKgShippingFee      int64
}

// PaymentsConfig carries per-gateway credentials and endpoints.
type PaymentsConfig struct {
	Click  ClickGatewayConfig
	Payme  PaymeGatewayConfig
	Uzcard UzcardGatewayConfig
}

// ClickGatewayConfig drives the Click merchant API adapter.
type ClickGatewayConfig struct {
	Endpoint       string
	ServiceID      string
	MerchantUserID string
	SecretKey      string
	Timeout        time.Duration
}

// PaymeGatewayConfig drives the Payme merchant API adapter.
type PaymeGatewayConfig struct {
	Endpoint   string
	MerchantID string
	SecretKey  string
	Timeout    time.Duration
}

// UzcardGatewayConfig drives the Uzcard processing adapter.
type UzcardGatewayConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// UpstreamConfig points at one internal HTTP dependency (inventory, carts).
type UpstreamConfig struct {
	BaseURL string
	Timeout time.Duration
}

// EventsConfig names the Pub/Sub topic that order lifecycle events publish
// to. ProjectID follows the Firestore project when unspecified.
type EventsConfig struct {
	ProjectID  string
	OrderTopic string
}

// RateLimitConfig throttles mutating requests on the order surface.
type RateLimitConfig struct {
	MutationsPerMinute int
}

// FeatureFlags switch optional behaviour without a redeploy.
type FeatureFlags struct {
	EnableCashOnDelivery bool
	EnableOrderEvents    bool
}

// SecurityConfig gathers the server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig governs verification of Google-signed service tokens.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig describes the signature scheme expected on partner webhooks.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig tunes the idempotency middleware and its cleanup job.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// validate reports the required fields the environment failed to provide.
func (cfg Config) validate() error {
	checks := []struct {
		ok    bool
		field string
	}{
		{cfg.Server.Port != "", "Server.Port"},
		{cfg.Firebase.ProjectID != "", "Firebase.ProjectID"},
		{cfg.Firestore.ProjectID != "", "Firestore.ProjectID"},
		{cfg.Inventory.BaseURL != "", "Inventory.BaseURL"},
		{strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header"},
		{cfg.Idempotency.TTL > 0, "Idempotency.TTL"},
		{cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval"},
		{cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize"},
	}

	var missing []string
	for _, check := range checks {
		if !check.ok {
			missing = append(missing, check.field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
