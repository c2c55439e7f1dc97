// Package mission はミッションの達成状態の切り替えと、それに伴うXPの付与・取り消しを提供する。
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/repository"
	"github.com/hitoshi/progression/internal/security"
)

// ミッション作成時の入力制約
const (
	MaxTitleLength = 120
	MinXPReward    = 1
	MaxXPReward    = 1000
)

// BadgeEvaluator はコミット後にバッジ条件を再評価するインターフェース。
type BadgeEvaluator interface {
	Evaluate(ctx context.Context, userID string) ([]model.Badge, error)
}

// CreateInput はミッション作成の入力値。
type CreateInput struct {
	Title         string
	FrequencyType model.FrequencyType
	XPReward      int64
}

// View は読み取り時点の周期で評価したミッションの状態。
type View struct {
	Mission   *model.Mission
	Completed bool
	PeriodKey string
}

// ToggleResult は達成状態の切り替え結果。
type ToggleResult struct {
	Mission   *model.Mission
	Completed bool
	PeriodKey string
	// XPAwarded は今回の操作で台帳に追記した金額。取り消しは負、変化なしは0。
	XPAwarded   int64
	Streak      int
	TotalXP     int64
	RankID      string
	RankChanged bool
	NewBadges   []model.Badge
}

// Tracker はミッションの達成状態を管理するサービス。
type Tracker struct {
	missionRepo repository.MissionRepository
	ledgerRepo  repository.LedgerRepository
	badges      BadgeEvaluator
	sanitizer   security.TextSanitizer
	notifier    notify.Notifier
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker(
	missionRepo repository.MissionRepository,
	ledgerRepo repository.LedgerRepository,
	badges BadgeEvaluator,
	sanitizer security.TextSanitizer,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
) *Tracker {
	return &Tracker{
		missionRepo: missionRepo,
		ledgerRepo:  ledgerRepo,
		badges:      badges,
		sanitizer:   sanitizer,
		notifier:    notifier,
		metrics:     collector,
		now:         time.Now,
	}
}

// Create はミッションを作成（採用）する。タイトルはHTMLを除去して保存する。
func (t *Tracker) Create(ctx context.Context, userID string, in CreateInput) (*model.Mission, error) {
	title := t.sanitizer.SanitizeText(in.Title)
	switch {
	case title == "":
		return nil, model.NewValidationError("titleが空です")
	case utf8.RuneCountInString(title) > MaxTitleLength:
		return nil, model.NewValidationError(fmt.Sprintf("titleは%d文字以内で指定してください", MaxTitleLength))
	case !in.FrequencyType.Valid():
		return nil, model.NewValidationError(fmt.Sprintf("不明なfrequency_typeです: %q", in.FrequencyType))
	case in.XPReward < MinXPReward || in.XPReward > MaxXPReward:
		return nil, model.NewValidationError(fmt.Sprintf("xp_rewardは%dから%dの範囲で指定してください", MinXPReward, MaxXPReward))
	}

	// 集計行はミッション行より先に作る。挿入後に失敗すると再送で重複作成になる。
	if err := t.ledgerRepo.EnsureAggregate(ctx, userID); err != nil {
		return nil, err
	}

	now := t.now().UTC()
	m := &model.Mission{
		ID:            uuid.New().String(),
		UserID:        userID,
		Title:         title,
		FrequencyType: in.FrequencyType,
		XPReward:      in.XPReward,
		Status:        model.MissionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.missionRepo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("ミッションの作成に失敗しました: %w", err)
	}
	return m, nil
}

// List はユーザーのミッションを現在の周期で評価して返す。書き込みは行わない。
func (t *Tracker) List(ctx context.Context, userID string) ([]View, error) {
	missions, err := t.missionRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ミッション一覧の取得に失敗しました: %w", err)
	}

	now := t.now()
	views := make([]View, len(missions))
	for i, m := range missions {
		key := PeriodKey(now, m.FrequencyType)
		views[i] = View{Mission: m, Completed: IsCompletedIn(m, key), PeriodKey: key}
	}
	return views, nil
}

// Toggle は現在の周期の達成状態を反転する。
func (t *Tracker) Toggle(ctx context.Context, userID, missionID string) (*ToggleResult, error) {
	return t.transition(ctx, userID, missionID, func(completedNow bool) bool { return !completedNow })
}

// SetCompleted は現在の周期の達成状態を明示的に設定する。
// 既に指定の状態であれば何も書き込まない（冪等）。
func (t *Tracker) SetCompleted(ctx context.Context, userID, missionID string, completed bool) (*ToggleResult, error) {
	return t.transition(ctx, userID, missionID, func(bool) bool { return completed })
}

func (t *Tracker) transition(ctx context.Context, userID, missionID string, desired func(completedNow bool) bool) (*ToggleResult, error) {
	// ミッションIDはUUID。形式が不正なIDは存在しないIDとして書き込み前に拒否する。
	if _, err := uuid.Parse(missionID); err != nil {
		return nil, model.NewMissionNotFoundError(missionID)
	}

	now := t.now().UTC()
	var entry *model.LedgerEntry

	m, appended, err := t.missionRepo.Transition(ctx, userID, missionID, func(m *model.Mission) (*model.LedgerEntry, error) {
		entry = nil
		key := PeriodKey(now, m.FrequencyType)
		current := IsCompletedIn(m, key)
		want := desired(current)
		switch {
		case want == current:
			return nil, nil
		case want:
			entry = complete(m, key, now)
		default:
			entry = uncomplete(m, key)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NewMissionNotFoundError(missionID)
	}

	key := PeriodKey(now, m.FrequencyType)
	result := &ToggleResult{
		Mission:   m,
		Completed: IsCompletedIn(m, key),
		PeriodKey: key,
		Streak:    m.CurrentStreak,
	}

	if entry != nil && appended != nil {
		ledger.Observe(ctx, t.metrics, t.notifier, *entry, appended)
		t.metrics.RecordMissionTransition(result.Completed)
		if appended.Accepted {
			result.XPAwarded = entry.Amount
		}
		result.TotalXP = appended.TotalXP
		result.RankID = appended.RankID
		result.RankChanged = appended.RankChanged
		slog.Info("mission transitioned",
			slog.String("user_id", userID),
			slog.String("mission_id", missionID),
			slog.Bool("completed", result.Completed),
			slog.Int64("xp", entry.Amount),
			slog.Int("streak", m.CurrentStreak),
		)
	} else if err := t.fillTotals(ctx, userID, result); err != nil {
		return nil, err
	}

	// 状態はコミット済み。バッジ評価の失敗はログに残し、次の操作で再評価する。
	badges, err := t.badges.Evaluate(ctx, userID)
	if err != nil {
		slog.Error("badge evaluation after mission transition failed",
			slog.String("user_id", userID),
			slog.String("mission_id", missionID),
			slog.String("error", err.Error()),
		)
	}
	result.NewBadges = badges
	if len(badges) > 0 {
		if err := t.fillTotals(ctx, userID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// fillTotals は集計行から最新の合計とランクを結果に反映する。
func (t *Tracker) fillTotals(ctx context.Context, userID string, result *ToggleResult) error {
	agg, err := t.ledgerRepo.FindAggregate(ctx, userID)
	if err != nil {
		return fmt.Errorf("XP集計の取得に失敗しました: %w", err)
	}
	if agg != nil {
		result.TotalXP = agg.TotalXP
		result.RankID = agg.CurrentRankID
	}
	return nil
}

// complete はミッションを現在の周期で達成済みにし、付与するエントリを返す。
// completion_seqを冪等キーに含めるため、取り消し後の再達成も別のトランザクションになる。
func complete(m *model.Mission, key string, now time.Time) *model.LedgerEntry {
	streak := nextStreak(m, now)

	m.PreviousCompletionDate = m.LastCompletionDate
	m.PreviousStreak = m.CurrentStreak
	completedAt := now
	m.LastCompletionDate = &completedAt
	m.CurrentStreak = streak
	m.CompletionSeq++
	m.Status = model.MissionStatusCompleted
	m.PeriodKey = key

	return &model.LedgerEntry{
		UserID:      m.UserID,
		Amount:      m.XPReward,
		SourceType:  model.SourceTypeMission,
		SourceID:    fmt.Sprintf("%s:%s:%d", m.ID, key, m.CompletionSeq),
		Description: m.Title,
	}
}

// uncomplete は現在の周期の達成を取り消し、直前の達成日とストリークを復元する。
// 取り消しエントリは対応する達成と同じcompletion_seqを使うため、1回の達成に対して1回だけ記録される。
func uncomplete(m *model.Mission, key string) *model.LedgerEntry {
	m.LastCompletionDate = m.PreviousCompletionDate
	m.CurrentStreak = m.PreviousStreak
	m.PreviousCompletionDate = nil
	m.PreviousStreak = 0
	m.Status = model.MissionStatusPending

	return &model.LedgerEntry{
		UserID:      m.UserID,
		Amount:      -m.XPReward,
		SourceType:  model.SourceTypeMission,
		SourceID:    fmt.Sprintf("%s:%s:%d:reversal", m.ID, key, m.CompletionSeq),
		Description: m.Title,
	}
}
