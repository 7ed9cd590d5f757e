// Package secrets resolves secret:// references against Google Secret
// Manager, with an on-disk fallback for local development. Resolved values
// are cached per version until invalidated.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	metricNamespace     = "github.com/ultramarket/orders-api/internal/platform/secrets"
)

// secretManagerClientFactory is swapped out in tests to simulate missing
// credentials.
var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references, caching values and falling back to a
// local secrets file when Secret Manager cannot serve them.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	env            string
	defaultProject string
	projectMap     map[string]string
	versionPins    map[string]string

	fallback *localSecrets

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	watchers map[string][]chan struct{}
	closed   bool

	metrics fetcherMetrics
}

type cachedSecret struct {
	value     string
	canonical string
}

type fetcherOptions struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projectMap     map[string]string
	fallbackPath   string
	meter          metric.Meter
	client         secretManagerClient
	clientOpts     []option.ClientOption
	versionPins    map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherOptions)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherOptions) {
		cfg.logger = logger
	}
}

// WithEnvironment selects the environment key used for project mappings and
// environment-scoped version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherOptions) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when neither the reference nor
// the environment map names one.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherOptions) {
		cfg.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies per-environment project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherOptions) {
		cfg.projectMap = copyStringMap(m)
	}
}

// WithFallbackFile overrides the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherOptions) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects the OpenTelemetry meter used for fetch metrics.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherOptions) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client, bypassing the
// default constructor. Used by tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherOptions) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager
// client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherOptions) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithVersionPins sets version overrides keyed by canonical reference,
// optionally prefixed with "<env>:".
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherOptions) {
		cfg.versionPins = copyStringMap(pins)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal;
// the fetcher then serves from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherOptions{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("ORDERS_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectMap:   map[string]string{},
		versionPins:  map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: strings.TrimSpace(cfg.defaultProject),
		projectMap:     copyStringMap(cfg.projectMap),
		versionPins:    copyStringMap(cfg.versionPins),
		fallback:       &localSecrets{path: strings.TrimSpace(cfg.fallbackPath)},
		cache:          make(map[string]cachedSecret),
		watchers:       make(map[string][]chan struct{}),
		metrics:        newFetcherMetrics(meter, cfg.logger),
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close terminates subscriber channels and releases the Secret Manager
// client when the fetcher created it.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		for canonical, watchers := range f.watchers {
			for _, ch := range watchers {
				close(ch)
			}
			delete(f.watchers, canonical)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value for a secret:// reference. Cached values are
// served first; access failures that look environmental (permissions,
// connectivity) fall back to the local file, while NotFound does not.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseSecretRef(ref)
	if err != nil {
		return "", err
	}

	version := f.version(parsed)
	key := cacheKey(parsed.Canonical, version)
	if value, ok := f.cachedValue(key); ok {
		f.metrics.hit(ctx, parsed.Canonical)
		f.metrics.observe(ctx, time.Since(start), "cache", nil)
		return value, nil
	}

	if project := f.project(parsed); project != "" && f.client != nil {
		value, fetchErr := f.fetchRemote(ctx, project, parsed.Name, version)
		if fetchErr == nil {
			f.remember(key, parsed.Canonical, value)
			f.metrics.observe(ctx, time.Since(start), "remote", nil)
			return value, nil
		}
		if !fallbackEligible(fetchErr) {
			f.metrics.observe(ctx, time.Since(start), "error", fetchErr)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, fetchErr)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", parsed.Canonical), zap.Error(fetchErr))
	}

	value, ok, fallbackErr := f.fallback.lookup(parsed.Canonical, version)
	if fallbackErr != nil {
		f.logger.Debug("secrets: fallback file unavailable", zap.Error(fallbackErr))
	}
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", parsed.Canonical)
		f.metrics.observe(ctx, time.Since(start), "error", err)
		return "", err
	}

	f.remember(key, parsed.Canonical, value)
	f.metrics.observe(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

// Invalidate drops cached values for the reference and signals subscribers.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseSecretRef(ref)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for key, entry := range f.cache {
		if entry.canonical == parsed.Canonical {
			delete(f.cache, key)
		}
	}
	if f.closed {
		return
	}
	// Signalling while holding the lock keeps sends ordered before any
	// close from a concurrent Close.
	for _, ch := range f.watchers[parsed.Canonical] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers for invalidation signals on the reference. The channel
// is closed when the fetcher shuts down; cancel removes the registration.
func (f *Fetcher) Subscribe(ref string) (<-chan struct{}, func()) {
	parsed, err := parseSecretRef(ref)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.watchers[parsed.Canonical] = append(f.watchers[parsed.Canonical], ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		watchers := f.watchers[parsed.Canonical]
		for i, watcher := range watchers {
			if watcher == ch {
				f.watchers[parsed.Canonical] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		if len(f.watchers[parsed.Canonical]) == 0 {
			delete(f.watchers, parsed.Canonical)
		}
	}
	return ch, cancel
}

func (f *Fetcher) cachedValue(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	return entry.value, ok
}

func (f *Fetcher) remember(key, canonical, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, canonical: canonical}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project(ref secretRef) string {
	if ref.Project != "" {
		return ref.Project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.defaultProject
}

// version resolves the explicit reference version, then environment-scoped
// and global pins, then "latest".
func (f *Fetcher) version(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{envScopedKey(f.env, ref.Canonical), ref.Canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return "latest"
}

type fetcherMetrics struct {
	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

// newFetcherMetrics registers the fetch instruments. Registration failures
// disable the affected instrument rather than failing construction.
func newFetcherMetrics(meter metric.Meter, logger *zap.Logger) fetcherMetrics {
	var m fetcherMetrics

	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	} else {
		m.latency = latency
	}

	cacheHits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	} else {
		m.cacheHits = cacheHits
	}
	return m
}

func (m fetcherMetrics) observe(ctx context.Context, d time.Duration, source string, err error) {
	if m.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	m.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (m fetcherMetrics) hit(ctx context.Context, canonical string) {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskSecret(canonical))))
}

// secretRef is a parsed secret://name?version=&project= reference. Canonical
// strips the query so cache entries and pins share a key.
type secretRef struct {
	Canonical string
	Name      string
	Version   string
	Project   string
}

func parseSecretRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		Canonical: canonical.String(),
		Name:      name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func envScopedKey(env, canonical string) string {
	if strings.TrimSpace(env) == "" {
		return canonical
	}
	return env + ":" + canonical
}

// maskSecret keeps secret names out of metric labels.
func maskSecret(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// fallbackEligible reports whether the error suggests an environmental
// problem (credentials, connectivity) rather than a missing secret.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
