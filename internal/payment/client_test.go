package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInitiatePayout_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payouts" {
			t.Fatalf("path = %s, want /api/payouts", r.URL.Path)
		}

		var req PayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Reference != "payout-1" || req.Destination != "+254712345678" || req.Amount != 50000 {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.InitiatePayout(ctx, "payout-1", "+254712345678", 50000); err != nil {
		t.Fatalf("InitiatePayout error: %v", err)
	}
}

func TestInitiatePayout_GatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.InitiatePayout(ctx, "payout-1", "+254712345678", 50000); err == nil {
		t.Fatalf("expected error for rejected payout")
	}
}

func TestGetPayoutStatus_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payouts/payout-1" {
			t.Fatalf("path = %s, want /api/payouts/payout-1", r.URL.Path)
		}

		resp := PayoutStatus{Reference: "payout-1", Status: PayoutCompleted}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetPayoutStatus(ctx, "payout-1")
	if err != nil {
		t.Fatalf("GetPayoutStatus error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if res == nil || res.Status != PayoutCompleted {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestGetPayoutStatus_RateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetPayoutStatus(ctx, "payout-1")
	if err != nil {
		t.Fatalf("GetPayoutStatus error: %v", err)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry != 3*time.Second {
		t.Fatalf("retryAfter = %v, want 3s", retry)
	}
	if res != nil {
		t.Fatalf("expected nil response, got %+v", res)
	}
}

func TestGetPayoutStatus_Unknown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, _, err := client.GetPayoutStatus(ctx, "unknown")
	if err != nil {
		t.Fatalf("GetPayoutStatus error: %v", err)
	}
	if code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", code, http.StatusNoContent)
	}
	if res != nil {
		t.Fatalf("expected nil response, got %+v", res)
	}
}
