package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/model"
)

// ProgressServiceInterface はXP合計とランク進捗を返すサービスインターフェース。
type ProgressServiceInterface interface {
	Summary(ctx context.Context, userID string) (*ledger.Summary, error)
}

// BadgeServiceInterface は解除済みバッジの一覧を返すサービスインターフェース。
type BadgeServiceInterface interface {
	List(ctx context.Context, userID string) ([]badge.UnlockedBadge, error)
}

// ProgressHandler はミッション一覧・XP・バッジの読み取りハンドラー。
type ProgressHandler struct {
	missions MissionServiceInterface
	progress ProgressServiceInterface
	badges   BadgeServiceInterface
}

// NewProgressHandler はProgressHandlerを生成する。
func NewProgressHandler(missions MissionServiceInterface, progress ProgressServiceInterface, badges BadgeServiceInterface) *ProgressHandler {
	return &ProgressHandler{missions: missions, progress: progress, badges: badges}
}

type badgeResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Rarity      string `json:"rarity"`
	XPReward    int64  `json:"xp_reward"`
}

type unlockedBadgeResponse struct {
	badgeResponse
	UnlockedAt time.Time `json:"unlocked_at"`
}

type rankResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Order int    `json:"order"`
}

type summaryResponse struct {
	TotalXP      int64         `json:"total_xp"`
	Rank         rankResponse  `json:"rank"`
	NextRank     *rankResponse `json:"next_rank,omitempty"`
	XPToNext     int64         `json:"xp_to_next"`
	BadgesToNext int           `json:"badges_to_next"`
	BadgeCount   int           `json:"badge_count"`
}

type progressResponse struct {
	Missions []missionResponse `json:"missions"`
	summaryResponse
}

// GetProgress は現在の周期で評価したミッション一覧とXP・ランクを返す。
// GET /api/progress
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	views, err := h.missions.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	summary, err := h.progress.Summary(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	missions := make([]missionResponse, len(views))
	for i, v := range views {
		missions[i] = toMissionResponse(v.Mission, v.Completed, v.PeriodKey)
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Missions:        missions,
		summaryResponse: toSummaryResponse(summary),
	})
}

// ListBadges は解除済みバッジを返す。
// GET /api/badges
func (h *ProgressHandler) ListBadges(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	unlocked, err := h.badges.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": toUnlockedBadgeResponses(unlocked)})
}

func toBadgeResponses(badges []model.Badge) []badgeResponse {
	out := make([]badgeResponse, len(badges))
	for i, b := range badges {
		out[i] = toBadgeResponse(b)
	}
	return out
}

func toBadgeResponse(b model.Badge) badgeResponse {
	return badgeResponse{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Rarity:      string(b.Rarity),
		XPReward:    b.XPReward,
	}
}

func toUnlockedBadgeResponses(unlocked []badge.UnlockedBadge) []unlockedBadgeResponse {
	out := make([]unlockedBadgeResponse, len(unlocked))
	for i, u := range unlocked {
		out[i] = unlockedBadgeResponse{badgeResponse: toBadgeResponse(u.Badge), UnlockedAt: u.UnlockedAt}
	}
	return out
}

func toRankResponse(r model.Rank) rankResponse {
	return rankResponse{ID: r.ID, Title: r.Title, Order: r.Order}
}

func toSummaryResponse(s *ledger.Summary) summaryResponse {
	resp := summaryResponse{
		TotalXP:      s.TotalXP,
		Rank:         toRankResponse(s.Rank),
		XPToNext:     s.XPToNext,
		BadgesToNext: s.BadgesToNext,
		BadgeCount:   s.BadgeCount,
	}
	if s.NextRank != nil {
		next := toRankResponse(*s.NextRank)
		resp.NextRank = &next
	}
	return resp
}
