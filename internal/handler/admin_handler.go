package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/middleware"
	"github.com/hitoshi/progression/internal/model"
)

// AdminServiceInterface は管理者ハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	Aggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error)
	History(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error)
	Badges(ctx context.Context, userID string) ([]badge.UnlockedBadge, error)
	Adjust(ctx context.Context, userID string, in AdjustmentInput) (*AdjustmentResult, error)
}

// AdminHandler は管理者向けの読み取りとXP補正のHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	SourceType  string    `json:"source_type"`
	SourceID    string    `json:"source_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type adminLedgerResponse struct {
	UserID        string                `json:"user_id"`
	TotalXP       int64                 `json:"total_xp"`
	CurrentRankID string                `json:"current_rank_id"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Transactions  []transactionResponse `json:"transactions"`
}

type adjustmentRequest struct {
	Amount      int64  `json:"amount"`
	SourceID    string `json:"source_id"`
	Description string `json:"description"`
}

type adjustmentResponse struct {
	Accepted  bool            `json:"accepted"`
	TotalXP   int64           `json:"total_xp"`
	RankID    string          `json:"rank_id"`
	NewBadges []badgeResponse `json:"new_badges"`
}

// GetLedger はユーザーの集計行と直近のトランザクションを返す。
// GET /api/admin/users/{id}/ledger?limit=50
func (h *AdminHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				invalidRequestError("limitは整数で指定してください。"))
			return
		}
		limit = n
	}

	agg, err := h.service.Aggregate(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	txns, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := adminLedgerResponse{
		UserID:        agg.UserID,
		TotalXP:       agg.TotalXP,
		CurrentRankID: agg.CurrentRankID,
		UpdatedAt:     agg.UpdatedAt,
		Transactions:  make([]transactionResponse, len(txns)),
	}
	for i, t := range txns {
		resp.Transactions[i] = transactionResponse{
			ID:          t.ID,
			Amount:      t.Amount,
			SourceType:  string(t.SourceType),
			SourceID:    t.SourceID,
			Description: t.Description,
			CreatedAt:   t.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBadges はユーザーの解除済みバッジを返す。
// GET /api/admin/users/{id}/badges
func (h *AdminHandler) GetBadges(w http.ResponseWriter, r *http.Request) {
	unlocked, err := h.service.Badges(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": toUnlockedBadgeResponses(unlocked)})
}

// CreateAdjustment はXP補正を追記する。負の値も指定できる。
// POST /api/admin/users/{id}/adjustments
func (h *AdminHandler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "id")

	var req adjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Adjust(r.Context(), userID, AdjustmentInput(req))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	slog.Info("xp adjustment",
		slog.String("admin_id", adminID),
		slog.String("user_id", userID),
		slog.String("source_id", req.SourceID),
		slog.Int64("amount", req.Amount),
		slog.Bool("accepted", result.Accepted),
	)

	status := http.StatusCreated
	if !result.Accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, adjustmentResponse{
		Accepted:  result.Accepted,
		TotalXP:   result.TotalXP,
		RankID:    result.RankID,
		NewBadges: toBadgeResponses(result.NewBadges),
	})
}
