// Package carts talks to the cart service. The orders service only needs one
// call: clearing a user's cart after the order it spawned is persisted.
package carts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable marks transport-level failures talking to the cart service.
var ErrUnavailable = errors.New("carts: service unavailable")

const defaultTimeout = 5 * time.Second

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client calls the cart service over REST.
type Client struct {
	base    *url.URL
	client  HTTPClient
	timeout time.Duration
}

// Config configures the cart Client.
type Config struct {
	BaseURL    string
	HTTPClient HTTPClient
	Timeout    time.Duration
}

// New constructs a cart Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("carts: base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("carts: parse base URL: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: parsed, client: client, timeout: timeout}, nil
}

// Clear empties the user's cart. Callers treat failures as best-effort: a
// cart that survives order creation is an annoyance, not a correctness
// problem, so the error is meant for logging rather than rollback.
func (c *Client) Clear(ctx context.Context, userID string) error {
	if c == nil {
		return errors.New("carts: client is nil")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("carts: user id is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ref := &url.URL{Path: "carts/" + url.PathEscape(userID) + "/clear"}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.base.ResolveReference(ref).String(), nil)
	if err != nil {
		return fmt.Errorf("carts: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
