package payments

import (
	"context"
	"net/http"
	"testing"
)

func newUzcardForTest(t *testing.T, client *stubHTTPClient) *UzcardProvider {
	t.Helper()
	provider, err := NewUzcardProvider(UzcardProviderConfig{
		Endpoint:   "https://acquiring.uzcard.uz/api/",
		APIKey:     "uzcard-key",
		HTTPClient: client,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return provider
}

func TestNewUzcardProvider(t *testing.T) {
	if _, err := NewUzcardProvider(UzcardProviderConfig{Endpoint: "https://x"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := NewUzcardProvider(UzcardProviderConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestUzcardProviderCharge(t *testing.T) {
	t.Run("successful debit", func(t *testing.T) {
		client := &stubHTTPClient{doFn: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"status":"OK","transId":"UZ-555"}`), nil
		}}
		provider := newUzcardForTest(t, client)

		result, err := provider.Charge(context.Background(), ChargeRequest{
			PaymentID:   "pay_abc",
			OrderID:     "ord_1",
			OrderNumber: "UM-20250101-0001",
			Amount:      250000,
			Currency:    "UZS",
			Details:     map[string]string{"card_token": "tok_uzcard"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Success || result.ProviderTransactionID != "UZ-555" {
			t.Fatalf("unexpected result %#v", result)
		}

		req := client.requests[0]
		if req.URL.Path != "/api/payments" {
			t.Fatalf("unexpected path %q", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer uzcard-key" {
			t.Fatalf("unexpected auth header %q", got)
		}

		var payload uzcardChargeRequest
		decodeRequestBody(t, client.bodies[0], &payload)
		if payload.ExtID != "pay_abc" || payload.Amount != 250000 || payload.CardToken != "tok_uzcard" {
			t.Fatalf("unexpected payload %#v", payload)
		}
		if payload.OrderRef != "UM-20250101-0001" {
			t.Fatalf("unexpected order ref %q", payload.OrderRef)
		}
	})

	t.Run("declined debit", func(t *testing.T) {
		client := &stubHTTPClient{doFn: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"status":"FAILED","message":"card blocked"}`), nil
		}}
		provider := newUzcardForTest(t, client)

		result, err := provider.Charge(context.Background(), ChargeRequest{PaymentID: "pay_abc", OrderID: "ord_1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success || result.Message != "card blocked" {
			t.Fatalf("unexpected result %#v", result)
		}
	})

	t.Run("http error status", func(t *testing.T) {
		client := &stubHTTPClient{doFn: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusUnauthorized, `{}`), nil
		}}
		provider := newUzcardForTest(t, client)

		result, err := provider.Charge(context.Background(), ChargeRequest{PaymentID: "pay_abc"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success {
			t.Fatalf("expected failure got %#v", result)
		}
	})
}

func TestUzcardProviderRefund(t *testing.T) {
	client := &stubHTTPClient{doFn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"status":"OK","transId":"UZ-555"}`), nil
	}}
	provider := newUzcardForTest(t, client)

	result, err := provider.Refund(context.Background(), RefundRequest{
		RefundID:              "ref_1",
		OrderID:               "ord_1",
		ProviderTransactionID: "UZ-555",
		Amount:                250000,
		Reason:                "order cancelled",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.ProviderRefundID != "UZ-555" {
		t.Fatalf("unexpected result %#v", result)
	}
	if client.requests[0].URL.Path != "/api/payments/reverse" {
		t.Fatalf("unexpected path %q", client.requests[0].URL.Path)
	}

	var payload uzcardReverseRequest
	decodeRequestBody(t, client.bodies[0], &payload)
	if payload.TransID != "UZ-555" || payload.Reason != "order cancelled" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}
