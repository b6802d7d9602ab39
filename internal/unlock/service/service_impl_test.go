package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	"github.com/smallbiznis/focusgate/internal/notify"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	"github.com/smallbiznis/focusgate/internal/unlock/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type providerStub struct {
	mu      sync.Mutex
	fail    bool
	charges map[string]*paymentdomain.Charge // idempotency key -> charge
	creates int
}

func newProviderStub() *providerStub {
	return &providerStub{charges: make(map[string]*paymentdomain.Charge)}
}

func (p *providerStub) CreateCharge(ctx context.Context, req paymentdomain.CreateChargeRequest) (*paymentdomain.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, paymentdomain.ErrChargeFailed
	}
	if existing, ok := p.charges[req.IdempotencyKey]; ok {
		return existing, nil
	}
	p.creates++
	charge := &paymentdomain.Charge{
		ID:          fmt.Sprintf("pi_%d", p.creates),
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Status:      paymentdomain.ChargeStatusSucceeded,
	}
	p.charges[req.IdempotencyKey] = charge
	return charge, nil
}

func (p *providerStub) ConfirmCharge(ctx context.Context, chargeID, idempotencyKey string) (*paymentdomain.Charge, error) {
	return &paymentdomain.Charge{ID: chargeID, Status: paymentdomain.ChargeStatusSucceeded}, nil
}

func (p *providerStub) GetCharge(ctx context.Context, chargeID string) (*paymentdomain.Charge, error) {
	return &paymentdomain.Charge{ID: chargeID, Status: paymentdomain.ChargeStatusSucceeded}, nil
}

func (p *providerStub) Refund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.Refund, error) {
	return &paymentdomain.Refund{ID: "re_" + req.PaymentIntentID, Status: "succeeded"}, nil
}

type blockerStub struct {
	mu      sync.Mutex
	grants  []blockerdomain.GrantOverrideRequest
	fail    bool
	blocked bool
}

func (b *blockerStub) ApplyDecision(ctx context.Context, decision policydomain.Decision) (blockerdomain.ApplyResult, error) {
	return blockerdomain.ApplyResult{UserID: decision.UserID}, nil
}

func (b *blockerStub) GrantTemporaryOverride(ctx context.Context, req blockerdomain.GrantOverrideRequest) (*blockerdomain.Override, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, errors.New("grant failed")
	}
	b.grants = append(b.grants, req)
	return &blockerdomain.Override{UserID: req.UserID, AppID: req.AppID}, nil
}

func (b *blockerStub) IsBlocked(ctx context.Context, userID, appID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked, nil
}

func (b *blockerStub) BlockedApps(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

func (b *blockerStub) ExpireDueOverrides(ctx context.Context, batchSize int) (int, error) {
	return 0, nil
}

func (b *blockerStub) grantCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.grants)
}

type refundsStub struct {
	mu       sync.Mutex
	enqueued []refunddomain.EnqueueRequest
	fail     bool
}

func (r *refundsStub) Enqueue(ctx context.Context, req refunddomain.EnqueueRequest) (*refunddomain.RefundJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("enqueue failed")
	}
	r.enqueued = append(r.enqueued, req)
	return &refunddomain.RefundJob{ID: refunddomain.JobID(req.PaymentIntentID)}, nil
}

func (r *refundsStub) ProcessDue(ctx context.Context, batchSize int) (refunddomain.ProcessResult, error) {
	return refunddomain.ProcessResult{}, nil
}

func (r *refundsStub) Rederive(ctx context.Context, batchSize int) (int, error) { return 0, nil }

func (r *refundsStub) Jobs(ctx context.Context, userID string) ([]refunddomain.RefundJob, error) {
	return nil, nil
}

type limitsStub struct{}

func (limitsStub) Get(ctx context.Context, userID string) (limitsdomain.EffectiveLimits, error) {
	return limitsdomain.EffectiveLimits{
		UserID:            userID,
		DailyLimits:       map[string]int{},
		UnlockAmountCents: 300,
		UnlockCurrency:    "usd",
	}, nil
}

func (limitsStub) Update(ctx context.Context, req limitsdomain.UpdateRequest) (limitsdomain.EffectiveLimits, error) {
	return limitsdomain.EffectiveLimits{}, nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, userID string, kind notify.Kind, appID string) error {
	return nil
}

func preparePaymentSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
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
}

type coordinatorFixture struct {
	coordinator unlockdomain.Coordinator
	provider    *providerStub
	blocker     *blockerStub
	refunds     *refundsStub
	db          *gorm.DB
}

func setupCoordinator(t *testing.T) *coordinatorFixture {
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
	preparePaymentSchema(t, db)

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	f := &coordinatorFixture{
		provider: newProviderStub(),
		blocker:  &blockerStub{},
		refunds:  &refundsStub{},
		db:       db,
	}
	f.coordinator = NewCoordinator(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)),
		Catalog:  config.NewStaticCatalogHolder(config.DefaultCatalogConfig()),
		Repo:     repository.Provide(),
		Limits:   limitsStub{},
		Provider: f.provider,
		Blocker:  f.blocker,
		Refunds:  f.refunds,
		Notifier: noopNotifier{},
	})
	return f
}

func TestRequestUnlockHappyPath(t *testing.T) {
	f := setupCoordinator(t)

	record, err := f.coordinator.RequestUnlock(context.Background(), unlockdomain.RequestUnlockRequest{
		RequestID: "req-1", UserID: "u1", AppID: "instagram", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("request unlock: %v", err)
	}
	if record.Status != unlockdomain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %s", record.Status)
	}
	if record.AmountCents != 300 || record.Currency != "usd" {
		t.Fatalf("expected 300 usd charge, got %d %s", record.AmountCents, record.Currency)
	}
	if f.blocker.grantCount() != 1 {
		t.Fatalf("expected one override grant, got %d", f.blocker.grantCount())
	}
	f.refunds.mu.Lock()
	defer f.refunds.mu.Unlock()
	if len(f.refunds.enqueued) != 1 {
		t.Fatalf("expected one refund job enqueued, got %d", len(f.refunds.enqueued))
	}
	if f.refunds.enqueued[0].PaymentIntentID != record.PaymentIntentID {
		t.Fatalf("refund job bound to wrong intent: %s", f.refunds.enqueued[0].PaymentIntentID)
	}
}

func TestRequestUnlockRetryDoesNotDoubleCharge(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	req := unlockdomain.RequestUnlockRequest{
		RequestID: "req-1", UserID: "u1", AppID: "instagram", DurationMinutes: 60,
	}

	first, err := f.coordinator.RequestUnlock(ctx, req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := f.coordinator.RequestUnlock(ctx, req)
	if err != nil {
		t.Fatalf("retried request: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same payment record on retry, got %s vs %s", first.ID, second.ID)
	}
	if f.provider.creates != 1 {
		t.Fatalf("expected a single provider charge, got %d", f.provider.creates)
	}
	if f.blocker.grantCount() != 1 {
		t.Fatalf("expected a single override grant, got %d", f.blocker.grantCount())
	}
}

func TestRequestUnlockRetryRepairsMissingOverride(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	req := unlockdomain.RequestUnlockRequest{
		RequestID: "req-1", UserID: "u1", AppID: "instagram", DurationMinutes: 60,
	}

	// The charge succeeds but the grant fails: the user has paid and is
	// still blocked.
	f.blocker.fail = true
	record, err := f.coordinator.RequestUnlock(ctx, req)
	if err == nil {
		t.Fatalf("expected grant failure surfaced")
	}
	if record == nil || record.Status != unlockdomain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment despite grant failure, got %+v", record)
	}
	if f.blocker.grantCount() != 0 {
		t.Fatalf("expected no grant recorded, got %d", f.blocker.grantCount())
	}

	// The client retries once the grant path is healthy. The retry must
	// not charge again, but it must deliver the paid override.
	f.blocker.fail = false
	f.blocker.blocked = true
	retry, err := f.coordinator.RequestUnlock(ctx, req)
	if err != nil {
		t.Fatalf("retried request: %v", err)
	}
	if retry.ID != record.ID {
		t.Fatalf("expected same payment record on retry, got %s vs %s", record.ID, retry.ID)
	}
	if f.provider.creates != 1 {
		t.Fatalf("expected a single provider charge, got %d", f.provider.creates)
	}
	if f.blocker.grantCount() != 1 {
		t.Fatalf("expected repair to grant the override, got %d grants", f.blocker.grantCount())
	}
	f.blocker.mu.Lock()
	grant := f.blocker.grants[0]
	f.blocker.mu.Unlock()
	if grant.PaymentID != retry.PaymentIntentID {
		t.Fatalf("repair grant bound to wrong payment: %s", grant.PaymentID)
	}
	if grant.DurationMinutes <= 0 || grant.DurationMinutes > 60 {
		t.Fatalf("repair grant must not extend the paid window: %d minutes", grant.DurationMinutes)
	}

	// With the override live the next retry grants nothing more.
	f.blocker.blocked = false
	if _, err := f.coordinator.RequestUnlock(ctx, req); err != nil {
		t.Fatalf("idle retry: %v", err)
	}
	if f.blocker.grantCount() != 1 {
		t.Fatalf("expected no duplicate grant, got %d", f.blocker.grantCount())
	}
}

func TestRequestUnlockChargeFailureIsTerminal(t *testing.T) {
	f := setupCoordinator(t)
	f.provider.fail = true

	_, err := f.coordinator.RequestUnlock(context.Background(), unlockdomain.RequestUnlockRequest{
		RequestID: "req-1", UserID: "u1", AppID: "instagram", DurationMinutes: 60,
	})
	if !errors.Is(err, unlockdomain.ErrChargeDeclined) {
		t.Fatalf("expected ErrChargeDeclined, got %v", err)
	}
	if f.blocker.grantCount() != 0 {
		t.Fatal("no override may be granted on charge failure")
	}
	f.refunds.mu.Lock()
	enqueued := len(f.refunds.enqueued)
	f.refunds.mu.Unlock()
	if enqueued != 0 {
		t.Fatal("no refund job may be enqueued on charge failure")
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM payment_records WHERE request_id = ?`, "req-1").Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != unlockdomain.PaymentStatusFailed {
		t.Fatalf("expected failed record, got %s", status)
	}
}

func TestRequestUnlockSurvivesEnqueueFailure(t *testing.T) {
	f := setupCoordinator(t)
	f.refunds.fail = true

	record, err := f.coordinator.RequestUnlock(context.Background(), unlockdomain.RequestUnlockRequest{
		RequestID: "req-1", UserID: "u1", AppID: "instagram", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("request unlock: %v", err)
	}
	// The payment stands and stays re-derivable; the override was
	// granted before the enqueue was attempted.
	if record.Status != unlockdomain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %s", record.Status)
	}
	if f.blocker.grantCount() != 1 {
		t.Fatalf("expected override despite enqueue failure, got %d grants", f.blocker.grantCount())
	}
}

func TestRequestUnlockValidation(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	if _, err := f.coordinator.RequestUnlock(ctx, unlockdomain.RequestUnlockRequest{
		UserID: "u1", AppID: "instagram",
	}); !errors.Is(err, unlockdomain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.coordinator.RequestUnlock(ctx, unlockdomain.RequestUnlockRequest{
		RequestID: "r", UserID: "u1", AppID: "solitaire",
	}); !errors.Is(err, unlockdomain.ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
}
