// Package domain defines the payment provider contract. The coordinator
// and the refund worker only ever see this interface; provider specifics
// live in adapters.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	ChargeStatusRequiresConfirmation = "requires_confirmation"
	ChargeStatusSucceeded            = "succeeded"
	ChargeStatusFailed               = "failed"
)

// Charge is the provider-side payment intent.
type Charge struct {
	ID           string `json:"id"`
	AmountCents  int    `json:"amount_cents"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type CreateChargeRequest struct {
	AmountCents int
	Currency    string
	// IdempotencyKey is sent to the provider so a retried create after a
	// network failure returns the original charge instead of a new one.
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int
	IdempotencyKey  string
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Provider interface {
	CreateCharge(ctx context.Context, req CreateChargeRequest) (*Charge, error)
	ConfirmCharge(ctx context.Context, chargeID, idempotencyKey string) (*Charge, error)
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
)

// PaymentEvent is the canonical webhook event parsed by adapters.
type PaymentEvent struct {
	ProviderEventID string
	PaymentIntentID string
	Type            string
	AmountCents     int
	Currency        string
	OccurredAt      time.Time
	Metadata        map[string]string
	RawPayload      []byte
}

// WebhookAdapter verifies and parses provider webhook deliveries.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

var (
	ErrChargeFailed     = errors.New("charge_failed")
	ErrRefundFailed     = errors.New("refund_failed")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
)
