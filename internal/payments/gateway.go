package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

// HTTPClient matches the subset of http.Client used by gateway providers.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

const (
	gatewayBodyLimit      = 1 << 16
	defaultGatewayTimeout = 15 * time.Second
)

// GatewayLogger defines the logging contract for gateway providers.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// gatewayCore carries the HTTP plumbing shared by the Click, Payme, and
// Uzcard adapters: request building, the per-call timeout, and a single
// backoff retry on transient transport failures. Retried calls reuse the
// same idempotency reference, so the gateway deduplicates.
type gatewayCore struct {
	name    string
	base    *url.URL
	client  HTTPClient
	timeout time.Duration
	logger  GatewayLogger
}

func newGatewayCore(name, endpoint string, client HTTPClient, timeout time.Duration, logger GatewayLogger) (gatewayCore, error) {
	if strings.TrimSpace(endpoint) == "" {
		return gatewayCore{}, fmt.Errorf("%s: endpoint is required", name)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return gatewayCore{}, fmt.Errorf("%s: parse endpoint: %w", name, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return gatewayCore{
		name:    name,
		base:    parsed,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (g gatewayCore) resolve(endpoint string) string {
	if endpoint == "" {
		return g.base.String()
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	trimmed := strings.TrimPrefix(endpoint, "/")
	ref := &url.URL{Path: trimmed}
	return g.base.ResolveReference(ref).String()
}

// postJSON sends one JSON POST to the gateway and returns the status code and
// raw body. A transient transport failure is retried once after a backoff
// pause; every HTTP status comes back to the caller for provider-specific
// interpretation.
func (g gatewayCore) postJSON(ctx context.Context, endpoint string, headers http.Header, payload any) (int, []byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return 0, nil, fmt.Errorf("%s: encode payload: %w", g.name, err)
	}
	body := buf.Bytes()
	urlStr := g.resolve(endpoint)

	backoff := gax.Backoff{Initial: 200 * time.Millisecond, Max: time.Second, Multiplier: 2}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			g.logger(ctx, "payments_gateway_retry", map[string]any{
				"gateway": g.name,
				"error":   lastErr.Error(),
			})
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return 0, nil, fmt.Errorf("%s: retry aborted: %w", g.name, err)
			}
		}

		status, data, err := g.postOnce(ctx, urlStr, headers, body)
		if err != nil {
			lastErr = err
			continue
		}
		return status, data, nil
	}
	return 0, nil, fmt.Errorf("%s: gateway unreachable: %w", g.name, lastErr)
}

func (g gatewayCore) postOnce(ctx context.Context, urlStr string, headers http.Header, body []byte) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", g.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: request failed: %w", g.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, gatewayBodyLimit))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: read response: %w", g.name, err)
	}
	return resp.StatusCode, data, nil
}

// decodeGatewayBody unmarshals a gateway response, tolerating empty bodies.
func decodeGatewayBody(name string, body []byte, out any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", name, err)
	}
	return nil
}

// rawGatewayBody preserves the decoded response for the payment record.
func rawGatewayBody(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return map[string]any{"body": strings.TrimSpace(string(body))}
	}
	return raw
}

func transportFailureMessage(err error) string {
	return "gateway unreachable: " + err.Error()
}
