package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubSecretManager struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newStubSecretManager() *stubSecretManager {
	return &stubSecretManager{
		values: map[string]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.calls[name]++
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	if value, ok := s.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (s *stubSecretManager) Close() error { return nil }

func (s *stubSecretManager) accesses(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func versionName(project, name, version string) string {
	return "projects/" + project + "/secrets/" + name + "/versions/" + version
}

func writeFallbackFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	resource := versionName("ultramarket-test", "payme_api_key", "latest")
	manager.values[resource] = "payme-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithDefaultProject("ultramarket-test"),
		WithLogger(zap.NewNop()),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "payme-secret" {
		t.Fatalf("value = %q, want payme-secret", value)
	}
	if value, err = fetcher.Resolve(ctx, "secret://payme_api_key"); err != nil || value != "payme-secret" {
		t.Fatalf("cached Resolve = %q, %v", value, err)
	}
	if got := manager.accesses(resource); got != 1 {
		t.Fatalf("remote accesses = %d, want 1", got)
	}
}

func TestResolveFallsBackOnPermissionDenied(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.errs[versionName("ultramarket-test", "payme_api_key", "latest")] = status.Error(codes.PermissionDenied, "denied")

	fallback := writeFallbackFile(t, "# local development secrets\n\nsecret://payme_api_key=local-payme\n")
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithDefaultProject("ultramarket-test"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "local-payme" {
		t.Fatalf("value = %q, want local-payme", value)
	}
}

func TestResolveDoesNotFallBackOnNotFound(t *testing.T) {
	ctx := context.Background()
	fallback := writeFallbackFile(t, "secret://payme_api_key=local-payme\n")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(newStubSecretManager()),
		WithDefaultProject("ultramarket-test"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://payme_api_key"); err == nil {
		t.Fatal("expected error for a secret missing upstream")
	}
}

func TestResolveVersionPin(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	pinned := versionName("ultramarket-test", "payme_api_key", "5")
	manager.values[pinned] = "version-5"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithDefaultProject("ultramarket-test"),
		WithVersionPins(map[string]string{"secret://payme_api_key": "5"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "version-5" {
		t.Fatalf("value = %q, want version-5", value)
	}
	if got := manager.accesses(pinned); got != 1 {
		t.Fatalf("accesses of pinned version = %d, want 1", got)
	}
}

func TestResolveEnvironmentScopedPin(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.values[versionName("ultramarket-test", "payme_api_key", "7")] = "version-7"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithDefaultProject("ultramarket-test"),
		WithEnvironment("production"),
		WithVersionPins(map[string]string{
			"production:secret://payme_api_key": "7",
			"secret://payme_api_key":            "5",
		}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "version-7" {
		t.Fatalf("value = %q, want the environment-scoped pin", value)
	}
}

func TestResolveProjectOverrideInReference(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.values[versionName("ultramarket-payments", "payme_api_key", "latest")] = "payments-scoped"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithDefaultProject("ultramarket-test"),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key?project=ultramarket-payments")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "payments-scoped" {
		t.Fatalf("value = %q, want payments-scoped", value)
	}
}

func TestResolveUsesProjectMapForEnvironment(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	manager.values[versionName("ultramarket-staging", "payme_api_key", "latest")] = "staging-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithEnvironment("staging"),
		WithProjectMap(map[string]string{"staging": "ultramarket-staging"}),
		WithDefaultProject("ultramarket-test"),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "staging-secret" {
		t.Fatalf("value = %q, want staging-secret", value)
	}
}

func TestResolveNormalisesFallbackKeys(t *testing.T) {
	ctx := context.Background()
	fallback := writeFallbackFile(t, "payme_api_key=plain-local\nsm://click_secret_key=click-local\n")

	// No default project, so resolution never leaves the fallback file.
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(newStubSecretManager()),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil || value != "plain-local" {
		t.Fatalf("bare key Resolve = %q, %v", value, err)
	}
	value, err = fetcher.Resolve(ctx, "secret://click_secret_key")
	if err != nil || value != "click-local" {
		t.Fatalf("sm alias Resolve = %q, %v", value, err)
	}
}

func TestInvalidateNotifiesAndClearsCache(t *testing.T) {
	ctx := context.Background()
	manager := newStubSecretManager()
	resource := versionName("ultramarket-test", "payme_api_key", "latest")
	manager.values[resource] = "payme-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(manager),
		WithDefaultProject("ultramarket-test"),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://payme_api_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ch, cancel := fetcher.Subscribe("secret://payme_api_key")
	defer cancel()

	fetcher.Invalidate("secret://payme_api_key")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected invalidation signal")
	}

	if _, err := fetcher.Resolve(ctx, "secret://payme_api_key"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if got := manager.accesses(resource); got != 2 {
		t.Fatalf("remote accesses = %d, want refetch after invalidate", got)
	}
}

func TestSubscribeCancelRemovesWatcher(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(newStubSecretManager()))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	ch, cancel := fetcher.Subscribe("secret://payme_api_key")
	cancel()

	// Invalidate signals synchronously, so an empty channel here proves the
	// watcher is gone.
	fetcher.Invalidate("secret://payme_api_key")
	select {
	case <-ch:
		t.Fatal("received signal after cancel")
	default:
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(newStubSecretManager()))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	ch, _ := fetcher.Subscribe("secret://payme_api_key")
	if err := fetcher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed, got signal")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on Close")
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	fallback := writeFallbackFile(t, "secret://payme_api_key=local-payme\n")
	fetcher, err := NewFetcher(ctx,
		WithDefaultProject("ultramarket-test"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://payme_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "local-payme" {
		t.Fatalf("value = %q, want local-payme", value)
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(newStubSecretManager()))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for _, ref := range []string{"", "   ", "http://payme_api_key", "secret://"} {
		if _, err := fetcher.Resolve(ctx, ref); err == nil {
			t.Errorf("Resolve(%q): expected error", ref)
		}
	}
}
