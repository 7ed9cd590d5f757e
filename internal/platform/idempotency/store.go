// Package idempotency makes mutating HTTP endpoints safe to retry. A client
// sends a key header with the request; the first response produced under that
// key is stored and replayed verbatim to any retry that carries the same key
// and an identical request fingerprint.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

// ErrFingerprintMismatch reports that a key was presented with a request that
// differs from the one it was first reserved for.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Status is the lifecycle phase of a stored record.
type Status string

const (
	// StatusPending marks a key reserved while the first request is in flight.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response has been captured.
	StatusCompleted Status = "completed"
)

// ReservationState tells the middleware what to do after reserving a key.
type ReservationState int

const (
	// ReservationStateNew means the key was free and the handler should run.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response exists and should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means a concurrent request holds the key.
	ReservationStatePending
)

// Reservation is the outcome of Store.Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state for one scoped idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the captured handler output handed to SaveResponse.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and captured responses. Reserve must be atomic:
// of two concurrent calls with the same key, at most one sees
// ReservationStateNew.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// recordID derives the document id for a scoped key. Only the key feeds the
// hash; fingerprint reuse is detected by comparing the stored fingerprint.
func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func expiredAt(expires, now time.Time) bool {
	return !expires.IsZero() && !now.Before(expires)
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Transport and per-response headers are regenerated on replay, not stored.
var volatileHeaders = map[string]struct{}{
	"connection":          {},
	"content-length":      {},
	"date":                {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// storableHeaders copies a response header map for persistence, dropping
// entries that must not survive a replay. Returns nil when nothing survives.
func storableHeaders(header http.Header) map[string][]string {
	var out map[string][]string
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := volatileHeaders[strings.ToLower(canonical)]; skip {
			continue
		}
		if out == nil {
			out = make(map[string][]string, len(header))
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

// restoredHeaders rebuilds an http.Header from a stored record.
func restoredHeaders(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
