package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/metrics"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	"github.com/smallbiznis/focusgate/internal/refund/repository"
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
	Clock    clock.Clock
	Repo     repository.Repository
	Payments unlockrepo.Repository
	Provider paymentdomain.Provider
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     repository.Repository
	payments unlockrepo.Repository
	provider paymentdomain.Provider
	metrics  *metrics.Metrics
}

func NewService(p Params) refunddomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("refund.service"),
		clock:    p.Clock,
		repo:     p.Repo,
		payments: p.Payments,
		provider: p.Provider,
		metrics:  p.Metrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req refunddomain.EnqueueRequest) (*refunddomain.RefundJob, error) {
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		return nil, refunddomain.ErrInvalidIntent
	}
	if req.AmountCents <= 0 {
		return nil, refunddomain.ErrInvalidAmount
	}
	chargedAt := req.ChargedAt
	if chargedAt.IsZero() {
		chargedAt = s.clock.Now()
	}

	now := s.clock.Now()
	job := &refunddomain.RefundJob{
		ID:              refunddomain.JobID(intentID),
		PaymentIntentID: intentID,
		UserID:          req.UserID,
		AppID:           req.AppID,
		AmountCents:     req.AmountCents,
		RefundDueAt:     chargedAt.Add(refunddomain.MaturityDelay),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.repo.Insert(ctx, s.db, job)
	if err == nil {
		s.log.Info("refund job enqueued",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.UserID),
			zap.Time("refund_due_at", job.RefundDueAt),
		)
		return job, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, err
	}
	// Client path and webhook path both enqueue; the first insert wins.
	existing, findErr := s.repo.FindByPaymentIntent(ctx, s.db, intentID)
	if findErr != nil {
		return nil, findErr
	}
	if existing == nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) ProcessDue(ctx context.Context, batchSize int) (refunddomain.ProcessResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var result refunddomain.ProcessResult

	due, err := s.repo.Due(ctx, s.db, s.clock.Now(), batchSize)
	if err != nil {
		return result, err
	}
	result.Examined = len(due)

	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch s.execute(ctx, job) {
		case outcomeRefunded:
			result.Refunded++
		case outcomeDeadLettered:
			result.DeadLettered++
		default:
			result.Failed++
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeRefunded outcome = iota
	outcomeFailed
	outcomeDeadLettered
)

func (s *Service) execute(ctx context.Context, job refunddomain.RefundJob) outcome {
	amount := refunddomain.RefundAmountCents(job.AmountCents)

	// The job id doubles as the provider idempotency key: a crash after
	// the refund but before MarkProcessed replays the same key and gets
	// the original refund back instead of paying twice.
	refund, err := s.provider.Refund(ctx, paymentdomain.RefundRequest{
		PaymentIntentID: job.PaymentIntentID,
		AmountCents:     amount,
		IdempotencyKey:  job.ID,
	})
	now := s.clock.Now()
	if err != nil {
		return s.recordFailure(ctx, job, err, now)
	}

	done, err := s.repo.MarkProcessed(ctx, s.db, job.ID, refund.ID, now)
	if err != nil {
		s.log.Error("refund executed but job not persisted, idempotency key will dedupe the retry",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeFailed
	}
	if !done {
		// Another worker finished the job first.
		return outcomeRefunded
	}

	if _, err := s.payments.MarkRefunded(ctx, s.db, job.PaymentIntentID, now); err != nil {
		s.log.Warn("payment record not marked refunded",
			zap.String("payment_intent_id", job.PaymentIntentID),
			zap.Error(err),
		)
	}

	s.metrics.IncRefund(metrics.RefundOutcomeProcessed)
	s.log.Info("refund executed",
		zap.String("job_id", job.ID),
		zap.String("refund_id", refund.ID),
		zap.Int("amount_cents", amount),
		zap.Int("fee_cents", job.AmountCents-amount),
	)
	return outcomeRefunded
}

func (s *Service) recordFailure(ctx context.Context, job refunddomain.RefundJob, cause error, now time.Time) outcome {
	attempts := job.Attempts + 1
	deadLettered := attempts >= refunddomain.MaxAttempts

	var nextAttempt *time.Time
	if !deadLettered {
		next := now.Add(backoff(attempts))
		nextAttempt = &next
	}

	if err := s.repo.RecordFailure(ctx, s.db, job.ID, attempts, nextAttempt, deadLettered, cause.Error(), now); err != nil {
		s.log.Error("refund failure not recorded", zap.String("job_id", job.ID), zap.Error(err))
		return outcomeFailed
	}

	if deadLettered {
		s.metrics.IncRefund(metrics.RefundOutcomeDeadLetter)
		s.log.Error("refund job dead-lettered, manual intervention required",
			zap.String("job_id", job.ID),
			zap.String("payment_intent_id", job.PaymentIntentID),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return outcomeDeadLettered
	}

	s.metrics.IncRefund(metrics.RefundOutcomeFailed)
	s.log.Warn("refund attempt failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempts),
		zap.Timep("next_attempt_at", nextAttempt),
		zap.Error(cause),
	)
	return outcomeFailed
}

// backoff doubles from BackoffBase per attempt, capped at BackoffCap.
func backoff(attempts int) time.Duration {
	d := refunddomain.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= refunddomain.BackoffCap {
			return refunddomain.BackoffCap
		}
	}
	if d > refunddomain.BackoffCap {
		return refunddomain.BackoffCap
	}
	return d
}

func (s *Service) Rederive(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	orphans, err := s.repo.OrphanedPayments(ctx, s.db, batchSize)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, orphan := range orphans {
		// Best-effort cross-check against the provider: a charge the
		// provider no longer reports as succeeded (disputed, reversed)
		// must not grow a refund job. Lookup failures fall through so a
		// provider outage cannot stall the repair sweep.
		if charge, chargeErr := s.provider.GetCharge(ctx, orphan.PaymentIntentID); chargeErr != nil {
			s.log.Debug("charge lookup failed during rederive",
				zap.String("payment_intent_id", orphan.PaymentIntentID),
				zap.Error(chargeErr),
			)
		} else if charge.Status != paymentdomain.ChargeStatusSucceeded {
			s.log.Warn("completed payment no longer succeeded at provider, refund job not rederived",
				zap.String("payment_intent_id", orphan.PaymentIntentID),
				zap.String("provider_status", charge.Status),
			)
			continue
		}

		if _, err := s.Enqueue(ctx, refunddomain.EnqueueRequest{
			PaymentIntentID: orphan.PaymentIntentID,
			UserID:          orphan.UserID,
			AppID:           orphan.AppID,
			AmountCents:     orphan.AmountCents,
			ChargedAt:       orphan.CompletedAt,
		}); err != nil {
			s.log.Warn("rederive enqueue failed",
				zap.String("payment_intent_id", orphan.PaymentIntentID),
				zap.Error(err),
			)
			continue
		}
		created++
	}
	if created > 0 {
		s.log.Info("rederived refund jobs from payment ledger", zap.Int("count", created))
	}
	return created, nil
}

func (s *Service) Jobs(ctx context.Context, userID string) ([]refunddomain.RefundJob, error) {
	return s.repo.ListByUser(ctx, s.db, userID)
}
