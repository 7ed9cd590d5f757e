package domain

import "time"

// Pagination carries the cursor inputs accepted by every list operation.
// PageSize is a hint; repositories clamp it to their own bounds.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of list results. NextPageToken is empty on the
// final page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery bounds a filterable field from both ends. Nil endpoints leave
// that side open; set endpoints are inclusive.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Address is the postal shape shared by checkout payloads and stored orders.
// Optional lines are pointers so absent and blank stay distinguishable.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Aggregate health states reported by the health endpoints and by the
// individual dependency probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the outcome of probing one dependency.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport rolls the per-dependency checks up with build metadata
// for the health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry is one recorded operator or system action. Actor fields
// arrive already normalised and IPHash is a salted digest, never a raw
// address.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}
