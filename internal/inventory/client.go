// Package inventory talks to the inventory service that owns stock counters.
// The orders service never mutates quantities itself: it asks for per-line
// reservations and releases, and the inventory side performs the atomic
// compare-and-decrement.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable marks transport-level failures talking to the inventory
// service: timeouts, connection errors, 5xx responses, undecodable bodies.
// Business-level shortages are not errors; they come back in ReserveResult.
var ErrUnavailable = errors.New("inventory: service unavailable")

// ErrInvalidInput is returned when a reserve or release batch is malformed.
var ErrInvalidInput = errors.New("inventory: invalid input")

const (
	responseBodyLimit = 1 << 16
	defaultTimeout    = 10 * time.Second
)

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Logger defines the logging contract for the inventory client.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Line is one product/quantity pair in a reserve or release batch.
type Line struct {
	ProductID string
	Quantity  int
}

// ReserveResult reports the outcome of a reservation batch. AllReserved true
// means every line holds a reservation; false means no line does — partial
// reservations are rolled back before the result is returned, and Shortages
// names the products that could not be reserved.
type ReserveResult struct {
	AllReserved bool
	Shortages   []string
}

// Client calls the inventory service over REST. Calls are not retried: a
// failed reserve aborts order creation, and release idempotency belongs to
// the inventory side.
type Client struct {
	base    *url.URL
	client  HTTPClient
	timeout time.Duration
	logger  Logger
}

// Config configures the inventory Client.
type Config struct {
	BaseURL    string
	HTTPClient HTTPClient
	Timeout    time.Duration
	Logger     Logger
}

// New constructs an inventory Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("inventory: base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("inventory: parse base URL: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Client{
		base:    parsed,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}, nil
}

type reserveRequest struct {
	OrderID  string `json:"orderId"`
	Quantity int    `json:"quantity"`
}

// lineResponse is the machine-readable outcome the inventory service returns
// for every reserve/release call regardless of HTTP status.
type lineResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Available int64  `json:"available"`
}

const (
	lineCodeReserved          = "reserved"
	lineCodeReleased          = "released"
	lineCodeAlreadyReleased   = "already_released"
	lineCodeInsufficientStock = "insufficient_stock"
	lineCodeUnknownProduct    = "unknown_product"
)

// CheckAndReserve places a reservation for every line. The batch is
// all-or-nothing from the order's view: the first shortage or failure rolls
// back the lines already reserved, in reverse order, before returning.
func (c *Client) CheckAndReserve(ctx context.Context, orderID string, lines []Line) (ReserveResult, error) {
	if c == nil {
		return ReserveResult{}, errors.New("inventory: client is nil")
	}
	if strings.TrimSpace(orderID) == "" {
		return ReserveResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if len(lines) == 0 {
		return ReserveResult{AllReserved: true}, nil
	}
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return ReserveResult{}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
		}
		if line.Quantity <= 0 {
			return ReserveResult{}, fmt.Errorf("%w: quantity must be positive for product %s", ErrInvalidInput, line.ProductID)
		}
	}

	reserved := make([]Line, 0, len(lines))
	for _, line := range lines {
		outcome, err := c.post(ctx, reservePath(line.ProductID), reserveRequest{OrderID: orderID, Quantity: line.Quantity})
		if err != nil {
			c.rollback(ctx, orderID, reserved, "transport_failure")
			return ReserveResult{}, err
		}
		switch outcome.Code {
		case lineCodeReserved:
			reserved = append(reserved, line)
		case lineCodeInsufficientStock, lineCodeUnknownProduct:
			c.logger(ctx, "inventory_reserve_shortage", map[string]any{
				"orderId":   orderID,
				"productId": line.ProductID,
				"code":      outcome.Code,
				"available": outcome.Available,
			})
			c.rollback(ctx, orderID, reserved, "shortage")
			return ReserveResult{AllReserved: false, Shortages: []string{line.ProductID}}, nil
		default:
			c.rollback(ctx, orderID, reserved, "unexpected_response")
			return ReserveResult{}, fmt.Errorf("%w: unexpected reserve outcome %q for product %s", ErrUnavailable, outcome.Code, line.ProductID)
		}
	}
	return ReserveResult{AllReserved: true}, nil
}

// Release returns the reservations held for the lines. The inventory service
// treats repeated releases as no-ops, so Release is safe to call after a
// partial failure without double-incrementing stock.
func (c *Client) Release(ctx context.Context, orderID string, lines []Line) error {
	if c == nil {
		return errors.New("inventory: client is nil")
	}
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return fmt.Errorf("%w: product id is required", ErrInvalidInput)
		}
	}

	for _, line := range lines {
		outcome, err := c.post(ctx, releasePath(line.ProductID), reserveRequest{OrderID: orderID, Quantity: line.Quantity})
		if err != nil {
			return err
		}
		switch outcome.Code {
		case lineCodeReleased, lineCodeAlreadyReleased:
		default:
			return fmt.Errorf("%w: unexpected release outcome %q for product %s", ErrUnavailable, outcome.Code, line.ProductID)
		}
	}
	return nil
}

// rollback releases already-reserved lines in reverse order. Failures are
// logged and the remaining lines still get their release attempt: a leaked
// reservation on one product must not strand the others.
func (c *Client) rollback(ctx context.Context, orderID string, reserved []Line, reason string) {
	for i := len(reserved) - 1; i >= 0; i-- {
		line := reserved[i]
		outcome, err := c.post(ctx, releasePath(line.ProductID), reserveRequest{OrderID: orderID, Quantity: line.Quantity})
		if err != nil {
			c.logger(ctx, "inventory_rollback_failed", map[string]any{
				"orderId":   orderID,
				"productId": line.ProductID,
				"reason":    reason,
				"error":     err.Error(),
			})
			continue
		}
		if outcome.Code != lineCodeReleased && outcome.Code != lineCodeAlreadyReleased {
			c.logger(ctx, "inventory_rollback_failed", map[string]any{
				"orderId":   orderID,
				"productId": line.ProductID,
				"reason":    reason,
				"code":      outcome.Code,
			})
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload reserveRequest) (lineResponse, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return lineResponse{}, fmt.Errorf("inventory: encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ref := &url.URL{Path: strings.TrimPrefix(endpoint, "/")}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.base.ResolveReference(ref).String(), &buf)
	if err != nil {
		return lineResponse{}, fmt.Errorf("inventory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return lineResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return lineResponse{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return lineResponse{}, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var outcome lineResponse
	if err := json.Unmarshal(data, &outcome); err != nil {
		return lineResponse{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if outcome.Code == "" {
		return lineResponse{}, fmt.Errorf("%w: response missing outcome code", ErrUnavailable)
	}
	return outcome, nil
}

func reservePath(productID string) string {
	return "inventory/" + url.PathEscape(productID) + "/reserve"
}

func releasePath(productID string) string {
	return "inventory/" + url.PathEscape(productID) + "/release"
}
