package handler

import (
	"context"
	"log/slog"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/model"
)

// AdjustmentInput は管理者によるXP補正の入力値。
type AdjustmentInput struct {
	Amount      int64
	SourceID    string
	Description string
}

// AdjustmentResult はXP補正の結果。
type AdjustmentResult struct {
	Accepted  bool
	TotalXP   int64
	RankID    string
	NewBadges []model.Badge
}

// LedgerAdminService は管理者向けのXP台帳操作。ledger.Serviceが満たす。
type LedgerAdminService interface {
	Aggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error)
	History(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error)
	Append(ctx context.Context, entry model.LedgerEntry) (*model.AppendResult, error)
}

// BadgeAdminService は管理者向けのバッジ操作。badge.Engineが満たす。
type BadgeAdminService interface {
	List(ctx context.Context, userID string) ([]badge.UnlockedBadge, error)
	Evaluate(ctx context.Context, userID string) ([]model.Badge, error)
}

// AdminServiceAdapter は台帳とバッジのサービスを管理者ハンドラー向けにまとめるアダプタ。
type AdminServiceAdapter struct {
	ledger LedgerAdminService
	badges BadgeAdminService
}

// NewAdminServiceAdapter はAdminServiceAdapterを生成する。
func NewAdminServiceAdapter(ledger LedgerAdminService, badges BadgeAdminService) *AdminServiceAdapter {
	return &AdminServiceAdapter{ledger: ledger, badges: badges}
}

// Aggregate はAdminServiceInterfaceを実装する。
func (a *AdminServiceAdapter) Aggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error) {
	return a.ledger.Aggregate(ctx, userID)
}

// History はAdminServiceInterfaceを実装する。
func (a *AdminServiceAdapter) History(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error) {
	return a.ledger.History(ctx, userID, limit)
}

// Badges はAdminServiceInterfaceを実装する。
func (a *AdminServiceAdapter) Badges(ctx context.Context, userID string) ([]badge.UnlockedBadge, error) {
	return a.badges.List(ctx, userID)
}

// Adjust は補正トランザクションを追記し、バッジ条件を再評価する。
// source_idが冪等キーになるため、同じ補正の再送は二重に計上されない。
// 追記はコミット済みなので、バッジ評価の失敗はログに残して結果を返す。
func (a *AdminServiceAdapter) Adjust(ctx context.Context, userID string, in AdjustmentInput) (*AdjustmentResult, error) {
	appended, err := a.ledger.Append(ctx, model.LedgerEntry{
		UserID:      userID,
		Amount:      in.Amount,
		SourceType:  model.SourceTypeAdjustment,
		SourceID:    in.SourceID,
		Description: in.Description,
	})
	if err != nil {
		return nil, err
	}

	result := &AdjustmentResult{
		Accepted: appended.Accepted,
		TotalXP:  appended.TotalXP,
		RankID:   appended.RankID,
	}

	badges, err := a.badges.Evaluate(ctx, userID)
	if err != nil {
		slog.Error("badge evaluation after adjustment failed",
			slog.String("user_id", userID),
			slog.String("source_id", in.SourceID),
			slog.String("error", err.Error()),
		)
		return result, nil
	}
	result.NewBadges = badges
	if len(badges) > 0 {
		if agg, err := a.ledger.Aggregate(ctx, userID); err == nil {
			result.TotalXP = agg.TotalXP
			result.RankID = agg.CurrentRankID
		}
	}
	return result, nil
}
