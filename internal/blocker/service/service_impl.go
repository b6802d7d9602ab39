package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/blocker/repository"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	"github.com/smallbiznis/focusgate/internal/metrics"
	"github.com/smallbiznis/focusgate/internal/notify"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
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
	Native   blockerdomain.Native
	Notifier notify.Notifier
	Engine   policydomain.Engine
	Metrics  *metrics.Metrics `optional:"true"`
}

type Controller struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	catalog  *config.CatalogHolder
	repo     repository.Repository
	native   blockerdomain.Native
	notifier notify.Notifier
	engine   policydomain.Engine
	metrics  *metrics.Metrics

	// users serializes enforcement per user: a pass arriving while one
	// is in flight is dropped, not queued.
	users sync.Map // userID -> *userGate

	timerMu sync.Mutex
	timers  map[string]*time.Timer // userID/appID -> pending expiry
}

type userGate struct {
	mu sync.Mutex
}

func NewController(p Params) blockerdomain.Controller {
	return &Controller{
		db:       p.DB,
		log:      p.Log.Named("blocker.controller"),
		genID:    p.GenID,
		clock:    p.Clock,
		catalog:  p.Catalog,
		repo:     p.Repo,
		native:   p.Native,
		notifier: p.Notifier,
		engine:   p.Engine,
		metrics:  p.Metrics,
		timers:   make(map[string]*time.Timer),
	}
}

func (c *Controller) gate(userID string) *userGate {
	actual, _ := c.users.LoadOrStore(userID, &userGate{})
	return actual.(*userGate)
}

func (c *Controller) ApplyDecision(ctx context.Context, decision policydomain.Decision) (blockerdomain.ApplyResult, error) {
	userID := strings.TrimSpace(decision.UserID)
	if userID == "" {
		return blockerdomain.ApplyResult{}, blockerdomain.ErrInvalidUser
	}

	gate := c.gate(userID)
	if !gate.mu.TryLock() {
		return blockerdomain.ApplyResult{}, blockerdomain.ErrEvaluationInFlight
	}
	defer gate.mu.Unlock()

	return c.applyLocked(ctx, userID, decision)
}

func (c *Controller) applyLocked(ctx context.Context, userID string, decision policydomain.Decision) (blockerdomain.ApplyResult, error) {
	result := blockerdomain.ApplyResult{UserID: userID}
	now := c.clock.Now()

	states, err := c.repo.ListStates(ctx, c.db, userID)
	if err != nil {
		return result, err
	}
	byApp := make(map[string]*blockerdomain.BlockState, len(states))
	for i := range states {
		byApp[states[i].AppID] = &states[i]
	}

	for _, app := range c.catalog.Get().Apps {
		desired := decision.Blocked(app.ID)
		state := byApp[app.ID]

		switch {
		case state == nil && !desired:
			continue
		case state == nil:
			insert := &blockerdomain.BlockState{
				ID:        c.genID.Generate(),
				UserID:    userID,
				AppID:     app.ID,
				Blocked:   true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := c.repo.InsertState(ctx, c.db, insert); err != nil {
				return result, err
			}
			result.NewlyBlocked = append(result.NewlyBlocked, app.ID)
		case state.Blocked != desired:
			changed, err := c.repo.UpdateStateVersioned(ctx, c.db, state.ID, state.Version, desired, now)
			if err != nil {
				return result, err
			}
			if !changed {
				// A concurrent writer moved the row; the next pass
				// converges it.
				continue
			}
			if desired {
				result.NewlyBlocked = append(result.NewlyBlocked, app.ID)
			} else {
				result.NewlyUnblocked = append(result.NewlyUnblocked, app.ID)
			}
		}
	}

	sort.Strings(result.NewlyBlocked)
	sort.Strings(result.NewlyUnblocked)

	// Transition notifications fire once per flip into blocked, never
	// per evaluation cycle.
	for _, appID := range result.NewlyBlocked {
		c.metrics.IncTransition(metrics.TransitionBlocked)
		if err := c.notifier.Notify(ctx, userID, notify.KindAppBlocked, appID); err != nil {
			c.log.Warn("blocked notification failed", zap.String("user_id", userID), zap.String("app_id", appID), zap.Error(err))
		}
	}
	for range result.NewlyUnblocked {
		c.metrics.IncTransition(metrics.TransitionUnblocked)
	}

	result.NativeErrors = c.convergeNative(ctx, userID)
	return result, nil
}

// convergeNative drives the device toward the effective blocked set.
// Command failures are logged and retried on the next pass; durable
// state stays the source of truth meanwhile.
func (c *Controller) convergeNative(ctx context.Context, userID string) int {
	effective, err := c.BlockedApps(ctx, userID)
	if err != nil {
		c.log.Warn("native convergence skipped", zap.String("user_id", userID), zap.Error(err))
		return 1
	}

	catalog := c.catalog.Get()
	desired := make(map[string]bool, len(effective))
	var desiredPackages []string
	for _, appID := range effective {
		if app, ok := catalog.App(appID); ok {
			desired[app.PackageName] = true
			desiredPackages = append(desiredPackages, app.PackageName)
		}
	}

	current, err := c.native.CurrentlyBlocked(ctx, userID)
	if err != nil {
		c.log.Warn("native state query failed", zap.String("user_id", userID), zap.Error(err))
		return 1
	}
	currentSet := make(map[string]bool, len(current))
	for _, pkg := range current {
		currentSet[pkg] = true
	}

	failures := 0

	// Without the overlay permission the device cannot draw block
	// screens, so the user is effectively unenforced even when every
	// command below succeeds. Commands are still pushed so state is
	// in place the moment the permission comes back.
	if len(desiredPackages) > 0 {
		if ok, permErr := c.native.HasOverlayPermission(ctx, userID); permErr != nil {
			c.log.Warn("overlay permission query failed", zap.String("user_id", userID), zap.Error(permErr))
			failures++
		} else if !ok {
			c.log.Warn("overlay permission revoked, blocks not enforceable on device",
				zap.String("user_id", userID),
				zap.Strings("packages", desiredPackages),
			)
			failures++
		}
	}
	var toBlock []string
	for _, pkg := range desiredPackages {
		if !currentSet[pkg] {
			toBlock = append(toBlock, pkg)
		}
	}
	if len(toBlock) > 0 {
		if err := c.native.Block(ctx, userID, toBlock); err != nil {
			c.log.Warn("native block failed", zap.String("user_id", userID), zap.Strings("packages", toBlock), zap.Error(err))
			failures++
		}
	}
	for pkg := range currentSet {
		if !desired[pkg] {
			if err := c.native.Unblock(ctx, userID, pkg); err != nil {
				c.log.Warn("native unblock failed", zap.String("user_id", userID), zap.String("package", pkg), zap.Error(err))
				failures++
			}
		}
	}
	return failures
}

func (c *Controller) GrantTemporaryOverride(ctx context.Context, req blockerdomain.GrantOverrideRequest) (*blockerdomain.Override, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, blockerdomain.ErrInvalidUser
	}
	app, ok := c.catalog.Get().App(strings.TrimSpace(req.AppID))
	if !ok {
		return nil, blockerdomain.ErrUnknownApp
	}
	if req.DurationMinutes <= 0 {
		return nil, blockerdomain.ErrInvalidDuration
	}

	now := c.clock.Now()
	override := &blockerdomain.Override{
		ID:        c.genID.Generate(),
		UserID:    req.UserID,
		AppID:     app.ID,
		PaymentID: req.PaymentID,
		ExpiresAt: now.Add(time.Duration(req.DurationMinutes) * time.Minute),
		CreatedAt: now,
	}

	// A newer grant replaces any live override so only one expiry can
	// ever fire for the app.
	if err := c.repo.SupersedeOverrides(ctx, c.db, req.UserID, app.ID, now); err != nil {
		return nil, err
	}
	if err := c.repo.InsertOverride(ctx, c.db, override); err != nil {
		return nil, err
	}

	c.metrics.IncTransition(metrics.TransitionOverride)
	c.scheduleExpiry(override)

	if err := c.native.Unblock(ctx, req.UserID, app.PackageName); err != nil {
		c.log.Warn("native unblock after grant failed", zap.String("user_id", req.UserID), zap.String("app_id", app.ID), zap.Error(err))
	}

	c.log.Info("temporary override granted",
		zap.String("user_id", req.UserID),
		zap.String("app_id", app.ID),
		zap.Int("duration_minutes", req.DurationMinutes),
		zap.Time("expires_at", override.ExpiresAt),
	)
	return override, nil
}

// scheduleExpiry arms an in-process timer for the override. The durable
// sweep re-derives pending expiries from storage, so a lost timer
// (crash, restart) only delays expiry until the next sweep.
func (c *Controller) scheduleExpiry(override *blockerdomain.Override) {
	key := override.UserID + "/" + override.AppID
	delay := override.ExpiresAt.Sub(c.clock.Now())
	if delay < 0 {
		delay = 0
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if prev, ok := c.timers[key]; ok {
		prev.Stop()
	}
	c.timers[key] = time.AfterFunc(delay, func() {
		c.timerMu.Lock()
		delete(c.timers, key)
		c.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.expireOverride(ctx, *override); err != nil {
			c.log.Warn("override expiry failed, sweep will retry",
				zap.String("user_id", override.UserID),
				zap.String("app_id", override.AppID),
				zap.Error(err),
			)
		}
	})
}

func (c *Controller) cancelExpiry(userID, appID string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	key := userID + "/" + appID
	if prev, ok := c.timers[key]; ok {
		prev.Stop()
		delete(c.timers, key)
	}
}

// expireOverride performs the one-time expiry handling: claim the row,
// fire the notification, then re-evaluate so the app is re-blocked only
// if it is still over its limit right now.
func (c *Controller) expireOverride(ctx context.Context, override blockerdomain.Override) error {
	claimed, err := c.repo.MarkOverrideExpired(ctx, c.db, override.ID, c.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	c.cancelExpiry(override.UserID, override.AppID)
	c.metrics.IncTransition(metrics.TransitionExpired)

	if err := c.notifier.Notify(ctx, override.UserID, notify.KindAccessExpired, override.AppID); err != nil {
		c.log.Warn("expiry notification failed", zap.String("user_id", override.UserID), zap.String("app_id", override.AppID), zap.Error(err))
	}

	decision, err := c.engine.Evaluate(ctx, override.UserID, "")
	if err != nil {
		return err
	}
	if _, err := c.ApplyDecision(ctx, decision); err != nil && err != blockerdomain.ErrEvaluationInFlight {
		return err
	}
	return nil
}

func (c *Controller) ExpireDueOverrides(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	due, err := c.repo.DueOverrides(ctx, c.db, c.clock.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, override := range due {
		if err := c.expireOverride(ctx, override); err != nil {
			c.log.Warn("sweep expiry failed",
				zap.String("user_id", override.UserID),
				zap.String("app_id", override.AppID),
				zap.Error(err),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

func (c *Controller) IsBlocked(ctx context.Context, userID, appID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, blockerdomain.ErrInvalidUser
	}
	state, err := c.repo.FindState(ctx, c.db, userID, appID)
	if err != nil {
		return false, err
	}
	if state == nil || !state.Blocked {
		return false, nil
	}
	active, err := c.repo.ActiveOverrides(ctx, c.db, userID, c.clock.Now())
	if err != nil {
		return false, err
	}
	for _, override := range active {
		if override.AppID == appID {
			return false, nil
		}
	}
	return true, nil
}

func (c *Controller) BlockedApps(ctx context.Context, userID string) ([]string, error) {
	states, err := c.repo.ListStates(ctx, c.db, userID)
	if err != nil {
		return nil, err
	}
	active, err := c.repo.ActiveOverrides(ctx, c.db, userID, c.clock.Now())
	if err != nil {
		return nil, err
	}
	exempt := make(map[string]bool, len(active))
	for _, override := range active {
		exempt[override.AppID] = true
	}

	var blocked []string
	for _, state := range states {
		if state.Blocked && !exempt[state.AppID] {
			blocked = append(blocked, state.AppID)
		}
	}
	sort.Strings(blocked)
	return blocked, nil
}
