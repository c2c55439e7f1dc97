package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/progression/internal/middleware"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/onboarding"
)

// OnboardingServiceInterface はオンボーディングハンドラーが必要とするサービスインターフェース。
type OnboardingServiceInterface interface {
	CompleteStep(ctx context.Context, userID string, stepIndex int, payload json.RawMessage) (*onboarding.StepResult, error)
	State(ctx context.Context, userID string) (*model.OnboardingState, error)
}

// OnboardingHandler はオンボーディングのHTTPハンドラー。
type OnboardingHandler struct {
	service OnboardingServiceInterface
}

// NewOnboardingHandler はOnboardingHandlerを生成する。
func NewOnboardingHandler(service OnboardingServiceInterface) *OnboardingHandler {
	return &OnboardingHandler{service: service}
}

type onboardingStateResponse struct {
	CurrentStep         int                        `json:"current_step"`
	Steps               []onboardingStepResponse   `json:"steps"`
	Payloads            map[string]json.RawMessage `json:"payloads"`
	OnboardingCompleted bool                       `json:"onboarding_completed"`
	WelcomeVideoWatched bool                       `json:"welcome_video_watched"`
	CompletedAt         *time.Time                 `json:"completed_at,omitempty"`
}

type onboardingStepResponse struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

type stepResultResponse struct {
	Success   bool                    `json:"success"`
	Replayed  bool                    `json:"replayed"`
	NextStep  int                     `json:"next_step"`
	Completed bool                    `json:"completed"`
	NewBadges []badgeResponse         `json:"new_badges"`
	State     onboardingStateResponse `json:"state"`
}

// CompleteStep はオンボーディングのステップを完了する。
// リクエストボディはステップの入力内容（JSON）で、空でもよい。
// POST /api/onboarding/steps/{step}
func (h *OnboardingHandler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			invalidRequestError("stepは整数で指定してください。"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			invalidRequestError("リクエストボディの読み込みに失敗しました。"))
		return
	}

	result, err := h.service.CompleteStep(r.Context(), userID, step, body)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stepResultResponse{
		Success:   result.Success,
		Replayed:  result.Replayed,
		NextStep:  result.NextStep,
		Completed: result.Completed,
		NewBadges: toBadgeResponses(result.NewBadges),
		State:     toOnboardingStateResponse(result.State),
	})
}

// GetState はオンボーディングの進捗を返す。
// GET /api/onboarding
func (h *OnboardingHandler) GetState(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	state, err := h.service.State(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOnboardingStateResponse(state))
}

func toOnboardingStateResponse(s *model.OnboardingState) onboardingStateResponse {
	names := onboarding.Steps()
	steps := make([]onboardingStepResponse, len(names))
	for i, name := range names {
		steps[i] = onboardingStepResponse{
			Index:     i,
			Name:      name,
			Completed: i < len(s.StepFlags) && s.StepFlags[i],
		}
	}

	payloads := s.StepPayloads
	if payloads == nil {
		payloads = map[string]json.RawMessage{}
	}

	return onboardingStateResponse{
		CurrentStep:         s.CurrentStep,
		Steps:               steps,
		Payloads:            payloads,
		OnboardingCompleted: s.OnboardingCompleted,
		WelcomeVideoWatched: s.WelcomeVideoWatched,
		CompletedAt:         s.CompletedAt,
	}
}
