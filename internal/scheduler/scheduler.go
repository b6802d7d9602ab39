// Package scheduler drives the periodic enforcement and refund loops:
// re-evaluating every active user against their limits, expiring due
// overrides, executing mature refunds and rederiving lost refund jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/metrics"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	"github.com/smallbiznis/focusgate/internal/ratelimit"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

const tickLockKey = "scheduler:tick"

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Usage   usagedomain.Service
	Engine  policydomain.Engine
	Blocker blockerdomain.Controller
	Refunds refunddomain.Service
	Locker  *ratelimit.Locker `optional:"true"`
	Metrics *metrics.Metrics  `optional:"true"`
	Config  Config            `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	usage   usagedomain.Service
	engine  policydomain.Engine
	blocker blockerdomain.Controller
	refunds refunddomain.Service
	locker  *ratelimit.Locker
	metrics *metrics.Metrics

	lastRefundRun time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Usage == nil || p.Engine == nil || p.Blocker == nil || p.Refunds == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		usage:   p.Usage,
		engine:  p.Engine,
		blocker: p.Blocker,
		refunds: p.Refunds,
		locker:  p.Locker,
		metrics: p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next tick picks up where the
	// batch stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"evaluate_limits", s.isJobEnabled("evaluate_limits"), func(ctx context.Context) error {
			return s.runJob(ctx, "evaluate_limits", s.cfg.BatchSize, 30*time.Second, s.EvaluateLimitsJob)
		}},
		{"expire_overrides", s.isJobEnabled("expire_overrides"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_overrides", s.cfg.BatchSize, 30*time.Second, s.ExpireOverridesJob)
		}},
	}
	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	// Refund work runs on its own cadence: maturity is measured in
	// days, so ticking it every evaluation interval is wasted load.
	now := s.clock.Now()
	if s.lastRefundRun.IsZero() || now.Sub(s.lastRefundRun) >= s.cfg.RefundInterval {
		refundJobs := []struct {
			Name    string
			Enabled bool
			Run     func(context.Context) error
		}{
			{"process_refunds", s.isJobEnabled("process_refunds"), func(ctx context.Context) error {
				return s.runJob(ctx, "process_refunds", s.cfg.RefundBatchSize, 5*time.Minute, s.ProcessRefundsJob)
			}},
			{"rederive_refund_jobs", s.isJobEnabled("rederive_refund_jobs"), func(ctx context.Context) error {
				return s.runJob(ctx, "rederive_refund_jobs", s.cfg.RederiveBatchSize, 30*time.Second, s.RederiveRefundJobsJob)
			}},
		}
		for _, job := range refundJobs {
			if job.Enabled {
				err = errors.Join(err, job.Run(parent))
			}
		}
		s.lastRefundRun = now
	}

	return err
}

// RunForever ticks RunOnce on the configured interval until the context
// is canceled. When a distributed locker is available, only one replica
// runs a given tick.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, tickLockKey, s.cfg.TickLockTTL)
		if err != nil {
			// Locker outage degrades to local mutual exclusion only.
			s.log.Warn("scheduler tick lock unavailable", zap.Error(err))
		} else if !ok {
			return
		} else {
			defer func() {
				if err := s.locker.Release(ctx, tickLockKey, token); err != nil {
					s.log.Warn("scheduler tick lock release failed", zap.Error(err))
				}
			}()
		}
	}

	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("scheduler run failed", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// EvaluateLimitsJob re-evaluates every user active today and converges
// their block state. This is the push half of enforcement; it catches
// limit edits and day rollovers that no usage report triggered.
func (s *Scheduler) EvaluateLimitsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "evaluate_limits", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	day := s.clock.Now().UTC().Format(usagedomain.DayFormat)
	userIDs, err := s.usage.ActiveUserIDs(ctx, day)
	if err != nil {
		return err
	}

	var errs error
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return errors.Join(errs, err)
		}
		s.metrics.IncEvaluation(metrics.TriggerSweep)
		decision, err := s.engine.Evaluate(ctx, userID, day)
		if err != nil {
			run.IncError()
			s.log.Warn("sweep evaluation failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			errs = errors.Join(errs, err)
			continue
		}
		if _, err := s.blocker.ApplyDecision(ctx, decision); err != nil {
			if errors.Is(err, blockerdomain.ErrEvaluationInFlight) {
				// A report-triggered pass is already running for this
				// user; its decision is at least as fresh as ours.
				continue
			}
			run.IncError()
			errs = errors.Join(errs, err)
			continue
		}
		run.AddProcessed(1)
	}
	return errs
}

// ExpireOverridesJob handles overrides whose window has passed. It backs
// up the in-process expiry timers across restarts.
func (s *Scheduler) ExpireOverridesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "expire_overrides", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	expired, err := s.blocker.ExpireDueOverrides(ctx, s.cfg.BatchSize)
	run.AddProcessed(expired)
	return err
}

// ProcessRefundsJob executes mature refund jobs.
func (s *Scheduler) ProcessRefundsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "process_refunds", s.cfg.RefundBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	result, err := s.refunds.ProcessDue(ctx, s.cfg.RefundBatchSize)
	run.AddProcessed(result.Refunded)
	for i := 0; i < result.Failed+result.DeadLettered; i++ {
		run.IncError()
	}
	if result.DeadLettered > 0 {
		s.log.Error("refund jobs dead-lettered",
			zap.Int("count", result.DeadLettered),
		)
	}
	return err
}

// RederiveRefundJobsJob recreates refund jobs for completed payments
// that lost theirs.
func (s *Scheduler) RederiveRefundJobsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "rederive_refund_jobs", s.cfg.RederiveBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	created, err := s.refunds.Rederive(ctx, s.cfg.RederiveBatchSize)
	run.AddProcessed(created)
	return err
}
