// Package webhook ingests payment provider events. It is the server-side
// entry point of the unlock flow: a charge confirmed by the client SDK
// still converges on the same payment record, override and refund job
// the coordinator path produces, deduplicated by payment intent id.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	unlockrepo "github.com/smallbiznis/focusgate/internal/unlock/repository"
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
	Adapter  paymentdomain.WebhookAdapter
	Payments unlockrepo.Repository
	Blocker  blockerdomain.Controller
	Refunds  refunddomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	adapter  paymentdomain.WebhookAdapter
	payments unlockrepo.Repository
	blocker  blockerdomain.Controller
	refunds  refunddomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		adapter:  p.Adapter,
		payments: p.Payments,
		blocker:  p.Blocker,
		refunds:  p.Refunds,
	}
}

// Ingest verifies, parses and applies one webhook delivery. Redelivered
// events are safe: every downstream mutation is idempotent.
func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}
	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return nil
		}
		return err
	}

	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.handleSucceeded(ctx, event)
	case paymentdomain.EventTypePaymentFailed:
		s.log.Info("payment failed event received",
			zap.String("payment_intent_id", event.PaymentIntentID),
		)
		return nil
	default:
		return nil
	}
}

func (s *Service) handleSucceeded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	now := s.clock.Now()

	record, err := s.payments.FindByPaymentIntent(ctx, s.db, event.PaymentIntentID)
	if err != nil {
		return err
	}
	if record == nil {
		record, err = s.recordFromEvent(ctx, event, now)
		if err != nil {
			return err
		}
		if record == nil {
			// No metadata to attribute the charge; nothing to converge.
			return nil
		}
	} else if record.Status == unlockdomain.PaymentStatusPending {
		if _, err := s.payments.MarkCompleted(ctx, s.db, record.ID, event.PaymentIntentID, now); err != nil {
			return err
		}
		record.Status = unlockdomain.PaymentStatusCompleted
		record.CompletedAt = &now
	}

	if record.Status == unlockdomain.PaymentStatusRefunded {
		return nil
	}

	// Re-granting is idempotent enough: a duplicate delivery replaces
	// the override with one of the same duration from now, which only
	// happens while the original is still live.
	if record.CompletedAt != nil && now.Sub(*record.CompletedAt) < time.Minute {
		if _, err := s.blocker.GrantTemporaryOverride(ctx, blockerdomain.GrantOverrideRequest{
			UserID:          record.UserID,
			AppID:           record.AppID,
			DurationMinutes: record.UnlockDurationMinutes,
			PaymentID:       event.PaymentIntentID,
		}); err != nil {
			s.log.Warn("webhook override grant failed",
				zap.String("payment_intent_id", event.PaymentIntentID),
				zap.Error(err),
			)
		}
	}

	chargedAt := now
	if record.CompletedAt != nil {
		chargedAt = *record.CompletedAt
	}
	_, err = s.refunds.Enqueue(ctx, refunddomain.EnqueueRequest{
		PaymentIntentID: event.PaymentIntentID,
		UserID:          record.UserID,
		AppID:           record.AppID,
		AmountCents:     record.AmountCents,
		ChargedAt:       chargedAt,
	})
	return err
}

// recordFromEvent creates the completed payment record for charges that
// never passed through the coordinator (client-confirmed intents).
// Attribution comes from the intent metadata the charge was created with.
func (s *Service) recordFromEvent(ctx context.Context, event *paymentdomain.PaymentEvent, now time.Time) (*unlockdomain.PaymentRecord, error) {
	userID := strings.TrimSpace(event.Metadata["user_id"])
	appID := strings.TrimSpace(event.Metadata["app_id"])
	if userID == "" || appID == "" {
		s.log.Warn("webhook charge without attribution metadata",
			zap.String("payment_intent_id", event.PaymentIntentID),
		)
		return nil, nil
	}
	duration, _ := strconv.Atoi(event.Metadata["duration_minutes"])
	if duration <= 0 {
		duration = unlockdomain.DefaultUnlockDurationMinutes
	}

	record := &unlockdomain.PaymentRecord{
		ID:                    s.genID.Generate(),
		RequestID:             "webhook-" + event.PaymentIntentID,
		UserID:                userID,
		AppID:                 appID,
		PaymentIntentID:       event.PaymentIntentID,
		AmountCents:           event.AmountCents,
		Currency:              event.Currency,
		Status:                unlockdomain.PaymentStatusCompleted,
		UnlockDurationMinutes: duration,
		CreatedAt:             now,
		CompletedAt:           &now,
	}
	if err := s.payments.Insert(ctx, s.db, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.payments.FindByPaymentIntent(ctx, s.db, event.PaymentIntentID)
		}
		return nil, err
	}
	return record, nil
}

var Module = fx.Module("payment.webhook",
	fx.Provide(NewService),
)
