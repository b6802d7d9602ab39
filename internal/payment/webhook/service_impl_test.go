package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockrepo "github.com/smallbiznis/focusgate/internal/unlock/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type adapterStub struct {
	verifyErr error
	event     *paymentdomain.PaymentEvent
	parseErr  error
}

func (a *adapterStub) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return a.verifyErr
}

func (a *adapterStub) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return a.event, nil
}

type grantRecorder struct {
	mu     sync.Mutex
	grants []blockerdomain.GrantOverrideRequest
}

func (g *grantRecorder) ApplyDecision(ctx context.Context, decision policydomain.Decision) (blockerdomain.ApplyResult, error) {
	return blockerdomain.ApplyResult{UserID: decision.UserID}, nil
}

func (g *grantRecorder) GrantTemporaryOverride(ctx context.Context, req blockerdomain.GrantOverrideRequest) (*blockerdomain.Override, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = append(g.grants, req)
	return &blockerdomain.Override{UserID: req.UserID, AppID: req.AppID}, nil
}

func (g *grantRecorder) IsBlocked(ctx context.Context, userID, appID string) (bool, error) {
	return false, nil
}

func (g *grantRecorder) BlockedApps(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

func (g *grantRecorder) ExpireDueOverrides(ctx context.Context, batchSize int) (int, error) {
	return 0, nil
}

func (g *grantRecorder) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grants)
}

type enqueueRecorder struct {
	mu       sync.Mutex
	requests []refunddomain.EnqueueRequest
}

func (e *enqueueRecorder) Enqueue(ctx context.Context, req refunddomain.EnqueueRequest) (*refunddomain.RefundJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return &refunddomain.RefundJob{ID: refunddomain.JobID(req.PaymentIntentID)}, nil
}

func (e *enqueueRecorder) ProcessDue(ctx context.Context, batchSize int) (refunddomain.ProcessResult, error) {
	return refunddomain.ProcessResult{}, nil
}

func (e *enqueueRecorder) Rederive(ctx context.Context, batchSize int) (int, error) { return 0, nil }

func (e *enqueueRecorder) Jobs(ctx context.Context, userID string) ([]refunddomain.RefundJob, error) {
	return nil, nil
}

func (e *enqueueRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type webhookFixture struct {
	service *Service
	adapter *adapterStub
	blocker *grantRecorder
	refunds *enqueueRecorder
	clock   *clock.FakeClock
	db      *gorm.DB
}

func setupWebhook(t *testing.T) *webhookFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := db.Exec(`CREATE TABLE payment_records (
		id BIGINT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		payment_intent_id TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		unlock_duration_minutes INTEGER NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		refunded_at TIMESTAMP
	)`).Error; err != nil {
		t.Fatalf("create payment_records: %v", err)
	}

	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	f := &webhookFixture{
		adapter: &adapterStub{},
		blocker: &grantRecorder{},
		refunds: &enqueueRecorder{},
		clock:   clock.NewFakeClock(time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)),
		db:      db,
	}
	f.service = NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    f.clock,
		Adapter:  f.adapter,
		Payments: unlockrepo.Provide(),
		Blocker:  f.blocker,
		Refunds:  f.refunds,
	})
	return f
}

func succeededEvent(intentID string) *paymentdomain.PaymentEvent {
	return &paymentdomain.PaymentEvent{
		ProviderEventID: "evt_1",
		PaymentIntentID: intentID,
		Type:            paymentdomain.EventTypePaymentSucceeded,
		AmountCents:     300,
		Currency:        "usd",
		Metadata: map[string]string{
			"user_id":          "u1",
			"app_id":           "instagram",
			"duration_minutes": "60",
		},
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := setupWebhook(t)
	f.adapter.verifyErr = paymentdomain.ErrInvalidSignature

	err := f.service.Ingest(context.Background(), []byte("{}"), http.Header{})
	if !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if f.blocker.count() != 0 || f.refunds.count() != 0 {
		t.Fatal("rejected delivery must not mutate anything")
	}
}

func TestIngestIgnoredEventIsAccepted(t *testing.T) {
	f := setupWebhook(t)
	f.adapter.parseErr = paymentdomain.ErrEventIgnored

	if err := f.service.Ingest(context.Background(), []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("ignored event must be acknowledged, got %v", err)
	}
}

func TestIngestCreatesRecordFromClientConfirmedCharge(t *testing.T) {
	f := setupWebhook(t)
	f.adapter.event = succeededEvent("pi_1")

	if err := f.service.Ingest(context.Background(), []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var row struct {
		RequestID   string
		Status      string
		AmountCents int
	}
	if err := f.db.Raw(`SELECT request_id, status, amount_cents FROM payment_records WHERE payment_intent_id = ?`, "pi_1").Scan(&row).Error; err != nil {
		t.Fatalf("read record: %v", err)
	}
	if row.RequestID != "webhook-pi_1" || row.Status != "completed" || row.AmountCents != 300 {
		t.Fatalf("unexpected record: %+v", row)
	}
	if f.blocker.count() != 1 {
		t.Fatalf("expected one override grant, got %d", f.blocker.count())
	}
	if f.refunds.count() != 1 {
		t.Fatalf("expected one refund enqueue, got %d", f.refunds.count())
	}
	f.refunds.mu.Lock()
	defer f.refunds.mu.Unlock()
	if f.refunds.requests[0].PaymentIntentID != "pi_1" || f.refunds.requests[0].AmountCents != 300 {
		t.Fatalf("unexpected enqueue request: %+v", f.refunds.requests[0])
	}
}

func TestIngestCompletesPendingCoordinatorRecord(t *testing.T) {
	f := setupWebhook(t)
	now := f.clock.Now()
	if err := f.db.Exec(`INSERT INTO payment_records
		(id, request_id, user_id, app_id, payment_intent_id, amount_cents, currency, status, unlock_duration_minutes, created_at)
		VALUES (1, 'req-1', 'u1', 'instagram', 'pi_1', 300, 'usd', 'pending', 60, ?)`, now).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}
	f.adapter.event = succeededEvent("pi_1")

	if err := f.service.Ingest(context.Background(), []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM payment_records`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("webhook must converge on the existing record, found %d rows", count)
	}
	var status string
	if err := f.db.Raw(`SELECT status FROM payment_records WHERE request_id = 'req-1'`).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "completed" {
		t.Fatalf("expected completed record, got %s", status)
	}
}

func TestIngestRedeliveryDoesNotRegrant(t *testing.T) {
	f := setupWebhook(t)
	f.adapter.event = succeededEvent("pi_1")
	ctx := context.Background()

	if err := f.service.Ingest(ctx, []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Redelivered long after the unlock window: no second grant.
	f.clock.Advance(2 * time.Hour)
	if err := f.service.Ingest(ctx, []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if f.blocker.count() != 1 {
		t.Fatalf("expected a single grant across redeliveries, got %d", f.blocker.count())
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM payment_records`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("redelivery created a duplicate record, found %d rows", count)
	}
}

func TestIngestSkipsChargeWithoutAttribution(t *testing.T) {
	f := setupWebhook(t)
	event := succeededEvent("pi_1")
	event.Metadata = map[string]string{}
	f.adapter.event = event

	if err := f.service.Ingest(context.Background(), []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM payment_records`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 || f.blocker.count() != 0 || f.refunds.count() != 0 {
		t.Fatal("unattributable charge must be dropped")
	}
}

func TestIngestFailedEventIsAcknowledged(t *testing.T) {
	f := setupWebhook(t)
	f.adapter.event = &paymentdomain.PaymentEvent{
		ProviderEventID: "evt_2",
		PaymentIntentID: "pi_1",
		Type:            paymentdomain.EventTypePaymentFailed,
	}

	if err := f.service.Ingest(context.Background(), []byte("{}"), http.Header{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if f.blocker.count() != 0 || f.refunds.count() != 0 {
		t.Fatal("failed event must not grant or enqueue")
	}
}
