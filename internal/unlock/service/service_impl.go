package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	"github.com/smallbiznis/focusgate/internal/notify"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	"github.com/smallbiznis/focusgate/internal/ratelimit"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	"github.com/smallbiznis/focusgate/internal/unlock/repository"
	"github.com/smallbiznis/focusgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Catalog  *config.CatalogHolder
	Repo     repository.Repository
	Limits   limitsdomain.Service
	Provider paymentdomain.Provider
	Blocker  blockerdomain.Controller
	Refunds  refunddomain.Service
	Notifier notify.Notifier
	Limiter  *ratelimit.UnlockLimiter `optional:"true"`
}

type Coordinator struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	catalog  *config.CatalogHolder
	repo     repository.Repository
	limits   limitsdomain.Service
	provider paymentdomain.Provider
	blocker  blockerdomain.Controller
	refunds  refunddomain.Service
	notifier notify.Notifier
	limiter  *ratelimit.UnlockLimiter
}

func NewCoordinator(p Params) unlockdomain.Coordinator {
	return &Coordinator{
		db:       p.DB,
		log:      p.Log.Named("unlock.coordinator"),
		genID:    p.GenID,
		clock:    p.Clock,
		catalog:  p.Catalog,
		repo:     p.Repo,
		limits:   p.Limits,
		provider: p.Provider,
		blocker:  p.Blocker,
		refunds:  p.Refunds,
		notifier: p.Notifier,
		limiter:  p.Limiter,
	}
}

func (c *Coordinator) RequestUnlock(ctx context.Context, req unlockdomain.RequestUnlockRequest) (*unlockdomain.PaymentRecord, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		return nil, unlockdomain.ErrInvalidRequest
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, unlockdomain.ErrInvalidUser
	}
	app, ok := c.catalog.Get().App(strings.TrimSpace(req.AppID))
	if !ok {
		return nil, unlockdomain.ErrUnknownApp
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = unlockdomain.DefaultUnlockDurationMinutes
	}

	// A retried request id returns the earlier attempt instead of
	// charging again. A completed attempt whose grant never landed
	// still owes the user their override.
	if existing, err := c.repo.FindByRequestID(ctx, c.db, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Status == unlockdomain.PaymentStatusCompleted {
			c.repairOverride(ctx, existing)
		}
		return existing, nil
	}

	allowed, err := c.limiter.Allow(ctx, req.UserID)
	if err != nil {
		c.log.Warn("unlock limiter unavailable", zap.Error(err))
	}
	if !allowed {
		return nil, unlockdomain.ErrRateLimited
	}

	limits, err := c.limits.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	record := &unlockdomain.PaymentRecord{
		ID:                    c.genID.Generate(),
		RequestID:             req.RequestID,
		UserID:                req.UserID,
		AppID:                 app.ID,
		AmountCents:           limits.UnlockAmountCents,
		Currency:              limits.UnlockCurrency,
		Status:                unlockdomain.PaymentStatusPending,
		UnlockDurationMinutes: req.DurationMinutes,
		CreatedAt:             now,
	}
	if err := c.repo.Insert(ctx, c.db, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost the race against a concurrent retry of the same
			// request id.
			return c.repo.FindByRequestID(ctx, c.db, req.RequestID)
		}
		return nil, err
	}

	charge, err := c.charge(ctx, record)
	if err != nil {
		if _, markErr := c.repo.MarkFailed(ctx, c.db, record.ID, err.Error()); markErr != nil {
			c.log.Error("failed payment not recorded", zap.String("request_id", req.RequestID), zap.Error(markErr))
		}
		if notifyErr := c.notifier.Notify(ctx, req.UserID, notify.KindPaymentFailed, app.ID); notifyErr != nil {
			c.log.Warn("payment-failed notification failed", zap.Error(notifyErr))
		}
		c.log.Warn("unlock charge declined",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", unlockdomain.ErrChargeDeclined, err)
	}

	// The completed payment is durable before anything is granted: a
	// crash here still owes the user their override and refund, both
	// re-derivable from this row.
	completedAt := c.clock.Now()
	if _, err := c.repo.MarkCompleted(ctx, c.db, record.ID, charge.ID, completedAt); err != nil {
		return nil, err
	}
	record.Status = unlockdomain.PaymentStatusCompleted
	record.PaymentIntentID = charge.ID
	record.CompletedAt = &completedAt

	if _, err := c.blocker.GrantTemporaryOverride(ctx, blockerdomain.GrantOverrideRequest{
		UserID:          req.UserID,
		AppID:           app.ID,
		DurationMinutes: req.DurationMinutes,
		PaymentID:       charge.ID,
	}); err != nil {
		// The payment stands; surface the error so the caller can retry
		// the grant without a second charge.
		c.log.Error("override grant failed after successful charge",
			zap.String("payment_intent_id", charge.ID),
			zap.Error(err),
		)
		return record, err
	}

	if _, err := c.refunds.Enqueue(ctx, refunddomain.EnqueueRequest{
		PaymentIntentID: charge.ID,
		UserID:          req.UserID,
		AppID:           app.ID,
		AmountCents:     record.AmountCents,
		ChargedAt:       completedAt,
	}); err != nil {
		// The re-derivation sweep rebuilds the job from the payment row.
		c.log.Error("refund enqueue failed, job will be rederived",
			zap.String("payment_intent_id", charge.ID),
			zap.Error(err),
		)
	}

	c.log.Info("emergency unlock granted",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("app_id", app.ID),
		zap.String("payment_intent_id", charge.ID),
		zap.Int("amount_cents", record.AmountCents),
		zap.Int("duration_minutes", req.DurationMinutes),
	)
	return record, nil
}

// repairOverride re-grants the paid window when a completed payment has
// no live override, which happens when the charge succeeded but the
// original grant failed. The window stays anchored to the charge time,
// so a late retry never extends what was paid for.
func (c *Coordinator) repairOverride(ctx context.Context, record *unlockdomain.PaymentRecord) {
	if record.CompletedAt == nil {
		return
	}
	blocked, err := c.blocker.IsBlocked(ctx, record.UserID, record.AppID)
	if err != nil {
		c.log.Warn("override repair check failed",
			zap.String("request_id", record.RequestID),
			zap.Error(err),
		)
		return
	}
	if !blocked {
		// Either the override is live or the app is not blocked at all.
		return
	}

	remaining := record.CompletedAt.
		Add(time.Duration(record.UnlockDurationMinutes) * time.Minute).
		Sub(c.clock.Now())
	if remaining <= 0 {
		return
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)

	if _, err := c.blocker.GrantTemporaryOverride(ctx, blockerdomain.GrantOverrideRequest{
		UserID:          record.UserID,
		AppID:           record.AppID,
		DurationMinutes: minutes,
		PaymentID:       record.PaymentIntentID,
	}); err != nil {
		c.log.Error("override repair failed after completed payment",
			zap.String("payment_intent_id", record.PaymentIntentID),
			zap.Error(err),
		)
		return
	}
	c.log.Info("override re-granted on retried unlock",
		zap.String("request_id", record.RequestID),
		zap.String("user_id", record.UserID),
		zap.String("app_id", record.AppID),
		zap.Int("duration_minutes", minutes),
	)
}

// charge creates and confirms the payment intent. Both calls carry
// idempotency keys derived from the request id, so replays after
// network failures converge on one provider-side charge.
func (c *Coordinator) charge(ctx context.Context, record *unlockdomain.PaymentRecord) (*paymentdomain.Charge, error) {
	charge, err := c.provider.CreateCharge(ctx, paymentdomain.CreateChargeRequest{
		AmountCents:    record.AmountCents,
		Currency:       record.Currency,
		IdempotencyKey: "unlock-" + record.RequestID,
		Metadata: map[string]string{
			"user_id":          record.UserID,
			"app_id":           record.AppID,
			"duration_minutes": strconv.Itoa(record.UnlockDurationMinutes),
		},
	})
	if err != nil {
		return nil, err
	}

	if charge.Status != paymentdomain.ChargeStatusSucceeded {
		charge, err = c.provider.ConfirmCharge(ctx, charge.ID, "unlock-confirm-"+record.RequestID)
		if err != nil {
			return nil, err
		}
	}
	if charge.Status != paymentdomain.ChargeStatusSucceeded {
		return nil, errors.New("charge not succeeded: " + charge.Status)
	}
	return charge, nil
}

func (c *Coordinator) Payments(ctx context.Context, userID string) ([]unlockdomain.PaymentRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, unlockdomain.ErrInvalidUser
	}
	return c.repo.ListByUser(ctx, c.db, userID)
}
