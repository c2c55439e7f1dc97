package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/middleware"
	"github.com/hitoshi/progression/internal/mission"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/onboarding"
)

// --- モック定義 ---

// mockMissionService はMissionServiceInterfaceのモック実装。
type mockMissionService struct {
	createFn       func(ctx context.Context, userID string, in mission.CreateInput) (*model.Mission, error)
	listFn         func(ctx context.Context, userID string) ([]mission.View, error)
	toggleFn       func(ctx context.Context, userID, missionID string) (*mission.ToggleResult, error)
	setCompletedFn func(ctx context.Context, userID, missionID string, completed bool) (*mission.ToggleResult, error)
}

func (m *mockMissionService) Create(ctx context.Context, userID string, in mission.CreateInput) (*model.Mission, error) {
	if m.createFn != nil {
		return m.createFn(ctx, userID, in)
	}
	return &model.Mission{}, nil
}

func (m *mockMissionService) List(ctx context.Context, userID string) ([]mission.View, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockMissionService) Toggle(ctx context.Context, userID, missionID string) (*mission.ToggleResult, error) {
	if m.toggleFn != nil {
		return m.toggleFn(ctx, userID, missionID)
	}
	return nil, nil
}

func (m *mockMissionService) SetCompleted(ctx context.Context, userID, missionID string, completed bool) (*mission.ToggleResult, error) {
	if m.setCompletedFn != nil {
		return m.setCompletedFn(ctx, userID, missionID, completed)
	}
	return nil, nil
}

// mockOnboardingService はOnboardingServiceInterfaceのモック実装。
type mockOnboardingService struct {
	completeStepFn func(ctx context.Context, userID string, stepIndex int, payload json.RawMessage) (*onboarding.StepResult, error)
	stateFn        func(ctx context.Context, userID string) (*model.OnboardingState, error)
}

func (m *mockOnboardingService) CompleteStep(ctx context.Context, userID string, stepIndex int, payload json.RawMessage) (*onboarding.StepResult, error) {
	if m.completeStepFn != nil {
		return m.completeStepFn(ctx, userID, stepIndex, payload)
	}
	return nil, nil
}

func (m *mockOnboardingService) State(ctx context.Context, userID string) (*model.OnboardingState, error) {
	if m.stateFn != nil {
		return m.stateFn(ctx, userID)
	}
	return &model.OnboardingState{UserID: userID}, nil
}

// mockProgressService はProgressServiceInterfaceのモック実装。
type mockProgressService struct {
	summaryFn func(ctx context.Context, userID string) (*ledger.Summary, error)
}

func (m *mockProgressService) Summary(ctx context.Context, userID string) (*ledger.Summary, error) {
	if m.summaryFn != nil {
		return m.summaryFn(ctx, userID)
	}
	return &ledger.Summary{UserID: userID}, nil
}

// mockBadgeService はBadgeServiceInterfaceのモック実装。
type mockBadgeService struct {
	listFn func(ctx context.Context, userID string) ([]badge.UnlockedBadge, error)
}

func (m *mockBadgeService) List(ctx context.Context, userID string) ([]badge.UnlockedBadge, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

// mockAdminService はAdminServiceInterfaceのモック実装。
type mockAdminService struct {
	aggregateFn func(ctx context.Context, userID string) (*model.LedgerAggregate, error)
	historyFn   func(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error)
	badgesFn    func(ctx context.Context, userID string) ([]badge.UnlockedBadge, error)
	adjustFn    func(ctx context.Context, userID string, in AdjustmentInput) (*AdjustmentResult, error)
}

func (m *mockAdminService) Aggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error) {
	if m.aggregateFn != nil {
		return m.aggregateFn(ctx, userID)
	}
	return &model.LedgerAggregate{UserID: userID}, nil
}

func (m *mockAdminService) History(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockAdminService) Badges(ctx context.Context, userID string) ([]badge.UnlockedBadge, error) {
	if m.badgesFn != nil {
		return m.badgesFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAdminService) Adjust(ctx context.Context, userID string, in AdjustmentInput) (*AdjustmentResult, error) {
	if m.adjustFn != nil {
		return m.adjustFn(ctx, userID, in)
	}
	return &AdjustmentResult{Accepted: true}, nil
}

// --- ヘルパー ---

// withUserID はテスト用にユーザーIDをコンテキストに注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
}
