package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/progression/internal/middleware"
	"github.com/hitoshi/progression/internal/mission"
	"github.com/hitoshi/progression/internal/model"
)

// MissionServiceInterface はミッションハンドラーが必要とするサービスインターフェース。
type MissionServiceInterface interface {
	Create(ctx context.Context, userID string, in mission.CreateInput) (*model.Mission, error)
	List(ctx context.Context, userID string) ([]mission.View, error)
	// Toggle は現在の周期の達成状態を反転する。
	Toggle(ctx context.Context, userID, missionID string) (*mission.ToggleResult, error)
	// SetCompleted は達成状態を明示的に設定する。同じ値の再送は何もしない。
	SetCompleted(ctx context.Context, userID, missionID string, completed bool) (*mission.ToggleResult, error)
}

// MissionHandler はミッションのHTTPハンドラー。
type MissionHandler struct {
	service MissionServiceInterface
}

// NewMissionHandler はMissionHandlerを生成する。
func NewMissionHandler(service MissionServiceInterface) *MissionHandler {
	return &MissionHandler{service: service}
}

// --- リクエスト・レスポンス型 ---

type createMissionRequest struct {
	Title         string `json:"title"`
	FrequencyType string `json:"frequency_type"`
	XPReward      int64  `json:"xp_reward"`
}

type completionRequest struct {
	Completed *bool `json:"completed"`
}

type missionResponse struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	FrequencyType      string     `json:"frequency_type"`
	XPReward           int64      `json:"xp_reward"`
	Status             string     `json:"status"`
	PeriodKey          string     `json:"period_key"`
	CurrentStreak      int        `json:"current_streak"`
	LastCompletionDate *time.Time `json:"last_completion_date,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type missionTransitionResponse struct {
	Mission     missionResponse `json:"mission"`
	Completed   bool            `json:"completed"`
	XPAwarded   int64           `json:"xp_awarded"`
	TotalXP     int64           `json:"total_xp"`
	RankID      string          `json:"rank_id"`
	RankChanged bool            `json:"rank_changed"`
	NewBadges   []badgeResponse `json:"new_badges"`
}

// Create はミッションを採用する。
// POST /api/missions
func (h *MissionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createMissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	m, err := h.service.Create(r.Context(), userID, mission.CreateInput{
		Title:         req.Title,
		FrequencyType: model.FrequencyType(req.FrequencyType),
		XPReward:      req.XPReward,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMissionResponse(m, m.Status == model.MissionStatusCompleted, m.PeriodKey))
}

// Toggle はミッションの達成状態を反転する。
// POST /api/missions/{id}/toggle
func (h *MissionHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Toggle(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(result))
}

// SetCompletion は達成状態を明示的に設定する。
// PUT /api/missions/{id}/completion
func (h *MissionHandler) SetCompletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req completionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Completed == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			invalidRequestError("completedを指定してください。"))
		return
	}

	result, err := h.service.SetCompleted(r.Context(), userID, chi.URLParam(r, "id"), *req.Completed)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(result))
}

func toMissionResponse(m *model.Mission, completed bool, periodKey string) missionResponse {
	status := model.MissionStatusPending
	if completed {
		status = model.MissionStatusCompleted
	}
	return missionResponse{
		ID:                 m.ID,
		Title:              m.Title,
		FrequencyType:      string(m.FrequencyType),
		XPReward:           m.XPReward,
		Status:             string(status),
		PeriodKey:          periodKey,
		CurrentStreak:      m.CurrentStreak,
		LastCompletionDate: m.LastCompletionDate,
		CreatedAt:          m.CreatedAt,
	}
}

func toTransitionResponse(result *mission.ToggleResult) missionTransitionResponse {
	return missionTransitionResponse{
		Mission:     toMissionResponse(result.Mission, result.Completed, result.PeriodKey),
		Completed:   result.Completed,
		XPAwarded:   result.XPAwarded,
		TotalXP:     result.TotalXP,
		RankID:      result.RankID,
		RankChanged: result.RankChanged,
		NewBadges:   toBadgeResponses(result.NewBadges),
	}
}
