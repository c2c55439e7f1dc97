// Package ledger はXP台帳への追記と進捗の読み取りを提供する。
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/rank"
	"github.com/hitoshi/progression/internal/repository"
)

// 履歴取得件数の既定値と上限
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

const maxDescriptionLength = 200

// Summary はユーザーのXP合計・ランク・次ランクまでの進捗を表す。
type Summary struct {
	UserID       string
	TotalXP      int64
	Rank         model.Rank
	NextRank     *model.Rank
	XPToNext     int64
	BadgesToNext int
	BadgeCount   int
}

// Service はXP台帳のサービス層。
type Service struct {
	ledgerRepo repository.LedgerRepository
	badgeRepo  repository.BadgeRepository
	notifier   notify.Notifier
	metrics    metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	ledgerRepo repository.LedgerRepository,
	badgeRepo repository.BadgeRepository,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		ledgerRepo: ledgerRepo,
		badgeRepo:  badgeRepo,
		notifier:   notifier,
		metrics:    collector,
	}
}

// Validate は追記要求を検証する。不正な場合はVALIDATION_ERRORを返す。
func Validate(entry model.LedgerEntry) error {
	switch {
	case strings.TrimSpace(entry.UserID) == "":
		return model.NewValidationError("user_idが空です")
	case !entry.SourceType.Valid():
		return model.NewValidationError(fmt.Sprintf("不明なsource_typeです: %q", entry.SourceType))
	case strings.TrimSpace(entry.SourceID) == "":
		return model.NewValidationError("source_idが空です")
	case entry.Amount == 0:
		return model.NewValidationError("amountが0です")
	case utf8.RuneCountInString(entry.Description) > maxDescriptionLength:
		return model.NewValidationError(fmt.Sprintf("descriptionは%d文字以内で指定してください", maxDescriptionLength))
	}
	return nil
}

// Append はトランザクションを冪等に追記する。
// 同じ(user_id, source_type, source_id)が既に存在する場合はAccepted=falseの成功を返す。
// 検証エラーの場合は何も書き込まない。
func (s *Service) Append(ctx context.Context, entry model.LedgerEntry) (*model.AppendResult, error) {
	if err := Validate(entry); err != nil {
		return nil, err
	}

	result, err := s.ledgerRepo.Append(ctx, entry)
	if err != nil {
		return nil, err
	}

	Observe(ctx, s.metrics, s.notifier, entry, result)
	return result, nil
}

// Observe は追記結果をメトリクスと通知に反映する。
// ミッション・バッジなど他のサービスが台帳を更新した場合も同じ手順で呼び出す。
func Observe(ctx context.Context, collector metrics.MetricsCollector, notifier notify.Notifier, entry model.LedgerEntry, result *model.AppendResult) {
	if result == nil {
		return
	}
	if !result.Accepted {
		collector.RecordDuplicateIgnored(string(entry.SourceType))
		slog.Info("duplicate ledger entry ignored",
			slog.String("user_id", entry.UserID),
			slog.String("source_type", string(entry.SourceType)),
			slog.String("source_id", entry.SourceID),
		)
		return
	}

	collector.RecordXPAppended(string(entry.SourceType), entry.Amount)
	if result.RankChanged {
		collector.RecordRankUp(result.RankID)
		notifier.Notify(ctx, notify.Event{
			Type:    notify.EventRankUp,
			UserID:  entry.UserID,
			RankID:  result.RankID,
			TotalXP: result.TotalXP,
		})
	}
}

// EnsureUser はユーザーの集計行を冪等に作成する。
func (s *Service) EnsureUser(ctx context.Context, userID string) error {
	return s.ledgerRepo.EnsureAggregate(ctx, userID)
}

// Summary はXP合計・ランク・次ランクまでの進捗を返す。
// 集計行が存在しないユーザーは0XP・最下位ランクとして扱う。
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	agg, err := s.ledgerRepo.FindAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("XP集計の取得に失敗しました: %w", err)
	}
	unlocks, err := s.badgeRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("解除済みバッジの取得に失敗しました: %w", err)
	}

	summary := &Summary{
		UserID:     userID,
		Rank:       rank.Lowest(),
		BadgeCount: len(unlocks),
	}
	if agg != nil {
		summary.TotalXP = agg.TotalXP
		if r, ok := rank.ByID(agg.CurrentRankID); ok {
			summary.Rank = r
		}
	}

	if next, ok := rank.Next(summary.Rank); ok {
		summary.NextRank = &next
		summary.XPToNext = max(next.XPNeeded-summary.TotalXP, 0)
		summary.BadgesToNext = max(next.BadgesNeeded-summary.BadgeCount, 0)
	}
	return summary, nil
}

// History はユーザーのトランザクションを新しい順に返す。
// limitが0以下の場合は既定値、上限を超える場合は上限に丸める。
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	txns, err := s.ledgerRepo.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("XP履歴の取得に失敗しました: %w", err)
	}
	return txns, nil
}

// Aggregate はユーザーの集計行を返す。集計行が存在しない場合はUSER_NOT_FOUNDを返す。
func (s *Service) Aggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error) {
	agg, err := s.ledgerRepo.FindAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("XP集計の取得に失敗しました: %w", err)
	}
	if agg == nil {
		return nil, model.NewUserNotFoundError()
	}
	return agg, nil
}
