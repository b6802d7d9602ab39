package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/focusgate/internal/clock"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	"go.uber.org/zap"
)

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signed := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	header := buildStripeSignatureHeader(secret, payload, timestamp)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := &Adapter{webhookSecret: secret}
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err == nil {
		t.Fatalf("expected invalid signature error")
	}
}

func TestVerifyRejectsStaleDelivery(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_old","type":"payment_intent.succeeded","data":{"object":{}}}`)
	clk := clock.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	adapter := &Adapter{webhookSecret: secret, clock: clk}

	// A correctly signed delivery from years ago must not verify.
	stale := buildStripeSignatureHeader(secret, payload, time.Unix(1000000000, 0).Unix())
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", stale)
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale delivery rejected, got %v", err)
	}

	// Just past the tolerance window.
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, clk.Now().Add(-6*time.Minute).Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected delivery outside tolerance rejected, got %v", err)
	}

	// Inside the window a delayed retry still verifies.
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, clk.Now().Add(-4*time.Minute).Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected delivery inside tolerance to verify, got %v", err)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	created := time.Now().UTC().Unix()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_pi",
		"type":    "payment_intent.succeeded",
		"created": created,
		"data": map[string]any{
			"object": map[string]any{
				"id":              "pi_1",
				"amount":          300,
				"amount_received": 300,
				"currency":        "usd",
				"created":         created,
				"metadata": map[string]any{
					"user_id":          "u1",
					"app_id":           "instagram",
					"duration_minutes": "60",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := &Adapter{}
	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != paymentdomain.EventTypePaymentSucceeded {
		t.Fatalf("expected payment_succeeded, got %s", event.Type)
	}
	if event.PaymentIntentID != "pi_1" || event.AmountCents != 300 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["user_id"] != "u1" || event.Metadata["app_id"] != "instagram" {
		t.Fatalf("expected metadata to survive parsing, got %v", event.Metadata)
	}
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	payload := []byte(`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`)
	adapter := &Adapter{}
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestCreateChargeSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotAmount string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotAmount = r.PostForm.Get("amount")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_test",
			"amount":        300,
			"currency":      "usd",
			"status":        "requires_confirmation",
			"client_secret": "pi_test_secret",
		})
	}))
	defer server.Close()

	adapter := &Adapter{
		secretKey: "sk_test",
		baseURL:   server.URL,
		client:    server.Client(),
		log:       zap.NewNop(),
	}
	charge, err := adapter.CreateCharge(context.Background(), paymentdomain.CreateChargeRequest{
		AmountCents:    300,
		Currency:       "usd",
		IdempotencyKey: "unlock-req-1",
		Metadata:       map[string]string{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if gotKey != "unlock-req-1" {
		t.Fatalf("expected idempotency key on the wire, got %q", gotKey)
	}
	if gotAmount != "300" {
		t.Fatalf("expected amount 300, got %q", gotAmount)
	}
	if charge.ID != "pi_test" || charge.ClientSecret != "pi_test_secret" {
		t.Fatalf("unexpected charge %+v", charge)
	}
}

func TestChargeErrorMapsToChargeFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "card_declined", "message": "Your card was declined."},
		})
	}))
	defer server.Close()

	adapter := &Adapter{
		secretKey: "sk_test",
		baseURL:   server.URL,
		client:    server.Client(),
		log:       zap.NewNop(),
	}
	_, err := adapter.CreateCharge(context.Background(), paymentdomain.CreateChargeRequest{
		AmountCents: 300,
		Currency:    "usd",
	})
	if !errors.Is(err, paymentdomain.ErrChargeFailed) {
		t.Fatalf("expected ErrChargeFailed, got %v", err)
	}
}
