// Package stripe implements the payment provider contract against the
// Stripe REST API and verifies Stripe webhook deliveries.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.stripe.com"

// Deliveries signed longer ago than this are replays, not retries.
const webhookTolerance = 5 * time.Minute

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
}

type Adapter struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
	log           *zap.Logger
	clock         clock.Clock
}

func New(p Params) *Adapter {
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.Stripe.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		secretKey:     strings.TrimSpace(p.Config.Stripe.SecretKey),
		webhookSecret: strings.TrimSpace(p.Config.Stripe.WebhookSecret),
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           p.Log.Named("stripe"),
		clock:         p.Clock,
	}
}

func (a *Adapter) now() time.Time {
	if a.clock != nil {
		return a.clock.Now()
	}
	return time.Now().UTC()
}

func (a *Adapter) CreateCharge(ctx context.Context, req paymentdomain.CreateChargeRequest) (*paymentdomain.Charge, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", req.AmountCents))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	for key, value := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var intent stripePaymentIntent
	if err := a.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return intentToCharge(intent), nil
}

func (a *Adapter) ConfirmCharge(ctx context.Context, chargeID, idempotencyKey string) (*paymentdomain.Charge, error) {
	var intent stripePaymentIntent
	path := fmt.Sprintf("/v1/payment_intents/%s/confirm", url.PathEscape(chargeID))
	if err := a.post(ctx, path, url.Values{}, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return intentToCharge(intent), nil
}

func (a *Adapter) GetCharge(ctx context.Context, chargeID string) (*paymentdomain.Charge, error) {
	var intent stripePaymentIntent
	path := fmt.Sprintf("/v1/payment_intents/%s", url.PathEscape(chargeID))
	if err := a.get(ctx, path, &intent); err != nil {
		return nil, err
	}
	return intentToCharge(intent), nil
}

func (a *Adapter) Refund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", req.PaymentIntentID)
	form.Set("amount", fmt.Sprintf("%d", req.AmountCents))

	var refund stripeRefund
	if err := a.post(ctx, "/v1/refunds", form, req.IdempotencyKey, &refund); err != nil {
		return nil, err
	}
	return &paymentdomain.Refund{ID: refund.ID, Status: refund.Status}, nil
}

func (a *Adapter) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return a.do(req, out)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+a.secretKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr stripeErrorEnvelope
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			a.log.Warn("stripe request rejected",
				zap.String("path", req.URL.Path),
				zap.Int("status", resp.StatusCode),
				zap.String("code", apiErr.Error.Code),
			)
			return fmt.Errorf("stripe: %s: %w", apiErr.Error.Code, paymentdomain.ErrChargeFailed)
		}
		return fmt.Errorf("stripe: status %d: %w", resp.StatusCode, paymentdomain.ErrChargeFailed)
	}
	return json.Unmarshal(body, out)
}

func intentToCharge(intent stripePaymentIntent) *paymentdomain.Charge {
	return &paymentdomain.Charge{
		ID:           intent.ID,
		AmountCents:  int(intent.Amount),
		Currency:     strings.ToLower(strings.TrimSpace(intent.Currency)),
		Status:       intent.Status,
		ClientSecret: intent.ClientSecret,
	}
}

// Verify checks the Stripe-Signature header against the webhook secret.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	// A valid signature over a stale timestamp is a replayed capture,
	// not a provider retry.
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if a.now().Sub(time.Unix(signedAt, 0)) > webhookTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

// Parse maps the raw webhook body onto the canonical payment event.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentFailed)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	metadata := make(map[string]string, len(intent.Metadata))
	for key, value := range intent.Metadata {
		if s, ok := value.(string); ok {
			metadata[key] = s
		}
	}

	return &paymentdomain.PaymentEvent{
		ProviderEventID: event.ID,
		PaymentIntentID: intent.ID,
		Type:            eventType,
		AmountCents:     int(amount),
		Currency:        strings.ToLower(strings.TrimSpace(intent.Currency)),
		OccurredAt:      timestamp(intent.Created, event.Created),
		Metadata:        metadata,
		RawPayload:      payload,
	}, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	ClientSecret   string         `json:"client_secret"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

var Module = fx.Module("payment.stripe",
	fx.Provide(
		New,
		func(a *Adapter) paymentdomain.Provider { return a },
		func(a *Adapter) paymentdomain.WebhookAdapter { return a },
	),
)
