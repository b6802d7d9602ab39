package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"go.uber.org/zap"
)

type fakeUsageService struct {
	reported []usagedomain.ReportUsageRequest
	minutes  map[string]int
}

func (f *fakeUsageService) Report(ctx context.Context, req usagedomain.ReportUsageRequest) (*usagedomain.UsageRecord, error) {
	f.reported = append(f.reported, req)
	return &usagedomain.UsageRecord{
		UserID:  req.UserID,
		AppID:   req.AppID,
		Day:     req.Day,
		Minutes: req.Minutes,
	}, nil
}

func (f *fakeUsageService) MinutesForDay(ctx context.Context, userID, day string) (map[string]int, error) {
	return f.minutes, nil
}

func (f *fakeUsageService) Range(ctx context.Context, req usagedomain.RangeRequest) ([]usagedomain.UsageRecord, error) {
	return nil, nil
}

func (f *fakeUsageService) Stats(ctx context.Context, userID string, days int) (usagedomain.Stats, error) {
	return usagedomain.Stats{}, nil
}

func (f *fakeUsageService) ActiveUserIDs(ctx context.Context, day string) ([]string, error) {
	return nil, nil
}

type fakeLimitsService struct {
	limits limitsdomain.EffectiveLimits
	err    error
}

func (f *fakeLimitsService) Get(ctx context.Context, userID string) (limitsdomain.EffectiveLimits, error) {
	if f.err != nil {
		return limitsdomain.EffectiveLimits{}, f.err
	}
	return f.limits, nil
}

func (f *fakeLimitsService) Update(ctx context.Context, req limitsdomain.UpdateRequest) (limitsdomain.EffectiveLimits, error) {
	if f.err != nil {
		return limitsdomain.EffectiveLimits{}, f.err
	}
	return f.limits, nil
}

type fakeEngine struct {
	decision policydomain.Decision
	err      error
}

func (f *fakeEngine) Evaluate(ctx context.Context, userID, day string) (policydomain.Decision, error) {
	if f.err != nil {
		return policydomain.Decision{}, f.err
	}
	d := f.decision
	d.UserID = userID
	d.Day = day
	return d, nil
}

type fakeController struct {
	blocked  []string
	applyErr error
}

func (f *fakeController) ApplyDecision(ctx context.Context, decision policydomain.Decision) (blockerdomain.ApplyResult, error) {
	if f.applyErr != nil {
		return blockerdomain.ApplyResult{}, f.applyErr
	}
	return blockerdomain.ApplyResult{UserID: decision.UserID, NewlyBlocked: decision.BlockedApps}, nil
}

func (f *fakeController) GrantTemporaryOverride(ctx context.Context, req blockerdomain.GrantOverrideRequest) (*blockerdomain.Override, error) {
	return &blockerdomain.Override{UserID: req.UserID, AppID: req.AppID}, nil
}

func (f *fakeController) IsBlocked(ctx context.Context, userID, appID string) (bool, error) {
	for _, id := range f.blocked {
		if id == appID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeController) BlockedApps(ctx context.Context, userID string) ([]string, error) {
	return f.blocked, nil
}

func (f *fakeController) ExpireDueOverrides(ctx context.Context, batchSize int) (int, error) {
	return 0, nil
}

type fakeCoordinator struct {
	record *unlockdomain.PaymentRecord
	err    error
}

func (f *fakeCoordinator) RequestUnlock(ctx context.Context, req unlockdomain.RequestUnlockRequest) (*unlockdomain.PaymentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeCoordinator) Payments(ctx context.Context, userID string) ([]unlockdomain.PaymentRecord, error) {
	return nil, nil
}

type fakeRefundService struct {
	result refunddomain.ProcessResult
}

func (f *fakeRefundService) Enqueue(ctx context.Context, req refunddomain.EnqueueRequest) (*refunddomain.RefundJob, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRefundService) ProcessDue(ctx context.Context, batchSize int) (refunddomain.ProcessResult, error) {
	return f.result, nil
}

func (f *fakeRefundService) Rederive(ctx context.Context, batchSize int) (int, error) {
	return 0, nil
}

func (f *fakeRefundService) Jobs(ctx context.Context, userID string) ([]refunddomain.RefundJob, error) {
	return nil, nil
}

type serverFixture struct {
	server  *Server
	usage   *fakeUsageService
	limits  *fakeLimitsService
	engine  *fakeEngine
	blocker *fakeController
	unlocks *fakeCoordinator
	refunds *fakeRefundService
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &serverFixture{
		usage:   &fakeUsageService{minutes: map[string]int{}},
		limits:  &fakeLimitsService{},
		engine:  &fakeEngine{},
		blocker: &fakeController{},
		unlocks: &fakeCoordinator{},
		refunds: &fakeRefundService{},
	}
	log := zap.NewNop()
	f.server = NewServer(ServerParams{
		Gin:        NewEngine(log),
		Cfg:        config.Config{},
		Log:        log,
		Clock:      clock.NewFakeClock(time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)),
		Usagesvc:   f.usage,
		Limitssvc:  f.limits,
		EngineSvc:  f.engine,
		BlockerSvc: f.blocker,
		Unlocksvc:  f.unlocks,
		Refundsvc:  f.refunds,
	})
	RegisterRoutes(f.server)
	return f
}

func doRequest(f *serverFixture, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func TestReportUsageEvaluatesAndReturnsBlocked(t *testing.T) {
	f := setupServer(t)
	f.engine.decision = policydomain.Decision{BlockedApps: []string{"youtube"}}

	w := doRequest(f, http.MethodPost, "/v1/usage", usagedomain.ReportUsageRequest{
		UserID:            "u1",
		AppID:             "youtube",
		Day:               "2024-03-10",
		Minutes:           61,
		PermissionGranted: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var resp struct {
		Blocked []string `json:"blocked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Blocked) != 1 || resp.Blocked[0] != "youtube" {
		t.Fatalf("unexpected blocked list: %v", resp.Blocked)
	}
	if len(f.usage.reported) != 1 {
		t.Fatalf("expected one report, got %d", len(f.usage.reported))
	}
}

func TestReportUsageRejectsMalformedBody(t *testing.T) {
	f := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/usage", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReportUsageSurvivesInFlightEvaluation(t *testing.T) {
	f := setupServer(t)
	f.blocker.applyErr = blockerdomain.ErrEvaluationInFlight

	w := doRequest(f, http.MethodPost, "/v1/usage", usagedomain.ReportUsageRequest{
		UserID: "u1", AppID: "youtube", Day: "2024-03-10", Minutes: 10, PermissionGranted: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("a dropped pass must not fail ingestion, got %d", w.Code)
	}
}

func TestEvaluateUserConflictWhenInFlight(t *testing.T) {
	f := setupServer(t)
	f.blocker.applyErr = blockerdomain.ErrEvaluationInFlight

	w := doRequest(f, http.MethodPost, "/v1/users/u1/evaluate", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGetBlockState(t *testing.T) {
	f := setupServer(t)
	f.blocker.blocked = []string{"instagram"}

	w := doRequest(f, http.MethodGet, "/v1/users/u1/blocks/instagram", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Blocked {
		t.Fatal("expected blocked=true")
	}
}

func TestGetLimitsValidationErrorMapsTo400(t *testing.T) {
	f := setupServer(t)
	f.limits.err = limitsdomain.ErrUnknownApp

	w := doRequest(f, http.MethodGet, "/v1/users/u1/limits", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRequestUnlockChargeDeclinedMapsTo402(t *testing.T) {
	f := setupServer(t)
	f.unlocks.err = unlockdomain.ErrChargeDeclined

	w := doRequest(f, http.MethodPost, "/v1/unlocks", unlockdomain.RequestUnlockRequest{
		RequestID: "r1", UserID: "u1", AppID: "youtube",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
}

func TestRequestUnlockRateLimitedMapsTo429(t *testing.T) {
	f := setupServer(t)
	f.unlocks.err = unlockdomain.ErrRateLimited

	w := doRequest(f, http.MethodPost, "/v1/unlocks", unlockdomain.RequestUnlockRequest{
		RequestID: "r1", UserID: "u1", AppID: "youtube",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestRequestUnlockReturnsRecord(t *testing.T) {
	f := setupServer(t)
	f.unlocks.record = &unlockdomain.PaymentRecord{
		RequestID: "r1",
		UserID:    "u1",
		AppID:     "youtube",
		Status:    unlockdomain.PaymentStatusCompleted,
	}

	w := doRequest(f, http.MethodPost, "/v1/unlocks", unlockdomain.RequestUnlockRequest{
		RequestID: "r1", UserID: "u1", AppID: "youtube",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var resp unlockdomain.PaymentRecord
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != unlockdomain.PaymentStatusCompleted {
		t.Fatalf("expected completed record, got %s", resp.Status)
	}
}

func TestAdminRunRefunds(t *testing.T) {
	f := setupServer(t)
	f.refunds.result = refunddomain.ProcessResult{Examined: 2, Refunded: 2}

	w := doRequest(f, http.MethodPost, "/admin/refunds/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp refunddomain.ProcessResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Refunded != 2 {
		t.Fatalf("unexpected result: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	f := setupServer(t)

	w := doRequest(f, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}
