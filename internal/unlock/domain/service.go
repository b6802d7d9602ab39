package domain

import (
	"context"
	"errors"
)

// RequestUnlockRequest asks for a paid temporary override. RequestID is
// generated by the client UI and makes retries after network failures
// safe: the same request id never charges twice.
type RequestUnlockRequest struct {
	RequestID       string `json:"request_id"`
	UserID          string `json:"user_id"`
	AppID           string `json:"app_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

type Coordinator interface {
	// RequestUnlock drives the full flow: charge the configured unlock
	// amount, persist the completed payment, grant the override and
	// enqueue the maturity refund job. Charge failure is terminal for
	// the attempt; nothing is granted and no job is enqueued.
	RequestUnlock(ctx context.Context, req RequestUnlockRequest) (*PaymentRecord, error)

	// Payments lists the user's unlock ledger, newest first.
	Payments(ctx context.Context, userID string) ([]PaymentRecord, error)
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrUnknownApp     = errors.New("unknown_app")
	ErrChargeDeclined = errors.New("charge_declined")
	ErrRateLimited    = errors.New("rate_limited")
)
