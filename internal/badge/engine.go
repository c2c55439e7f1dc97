package badge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/repository"
)

// UnlockedBadge は解除済みバッジと解除日時。
type UnlockedBadge struct {
	Badge      model.Badge
	UnlockedAt time.Time
}

// Engine はバッジの解除条件を評価するサービス。
type Engine struct {
	catalog []Definition

	badgeRepo      repository.BadgeRepository
	ledgerRepo     repository.LedgerRepository
	missionRepo    repository.MissionRepository
	onboardingRepo repository.OnboardingRepository
	profileRepo    repository.ProfileRepository

	notifier notify.Notifier
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	catalog []Definition,
	badgeRepo repository.BadgeRepository,
	ledgerRepo repository.LedgerRepository,
	missionRepo repository.MissionRepository,
	onboardingRepo repository.OnboardingRepository,
	profileRepo repository.ProfileRepository,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
) *Engine {
	return &Engine{
		catalog:        catalog,
		badgeRepo:      badgeRepo,
		ledgerRepo:     ledgerRepo,
		missionRepo:    missionRepo,
		onboardingRepo: onboardingRepo,
		profileRepo:    profileRepo,
		notifier:       notifier,
		metrics:        collector,
		now:            time.Now,
	}
}

// Catalog はバッジカタログを評価順に返す。
func (e *Engine) Catalog() []model.Badge {
	out := make([]model.Badge, len(e.catalog))
	for i, d := range e.catalog {
		out[i] = d.Badge
	}
	return out
}

// Evaluate は未解除のバッジの条件を評価し、満たしたものを解除する。
// 戻り値はこの呼び出しで新たに解除されたバッジのみ。
// 報酬XPで別のバッジ（xp_5000など）の条件を満たす場合があるため、
// 新たな解除がなくなるまで評価を繰り返す。
//
// 同時に呼び出されても、UNIQUE(user_id, badge_id)により解除と報酬は1回だけになる。
// 競合に負けた側は黙ってスキップし、そのバッジを戻り値に含めない。
func (e *Engine) Evaluate(ctx context.Context, userID string) ([]model.Badge, error) {
	var newly []model.Badge

	for round := 0; round <= len(e.catalog); round++ {
		state, unlocked, err := e.snapshot(ctx, userID)
		if err != nil {
			return newly, err
		}

		progressed := false
		for _, def := range e.catalog {
			if unlocked[def.Badge.ID] || !def.Rule(state) {
				continue
			}

			ok, err := e.unlock(ctx, userID, def.Badge)
			if err != nil {
				return newly, err
			}
			if ok {
				newly = append(newly, def.Badge)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	return newly, nil
}

func (e *Engine) unlock(ctx context.Context, userID string, b model.Badge) (bool, error) {
	unlock := &model.BadgeUnlock{
		ID:         uuid.New().String(),
		UserID:     userID,
		BadgeID:    b.ID,
		UnlockedAt: e.now().UTC(),
	}
	reward := &model.LedgerEntry{
		UserID:      userID,
		Amount:      b.XPReward,
		SourceType:  model.SourceTypeBadge,
		SourceID:    b.ID,
		Description: b.Title,
	}

	ok, appended, err := e.badgeRepo.Unlock(ctx, unlock, reward)
	if err != nil {
		return false, fmt.Errorf("バッジ %s の解除に失敗しました: %w", b.ID, err)
	}
	if !ok {
		slog.Info("badge already unlocked by concurrent evaluation",
			slog.String("user_id", userID),
			slog.String("badge_id", b.ID),
		)
		return false, nil
	}

	e.metrics.RecordBadgeUnlocked(b.ID)
	ledger.Observe(ctx, e.metrics, e.notifier, *reward, appended)
	e.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventBadgeUnlocked,
		UserID:  userID,
		BadgeID: b.ID,
	})
	slog.Info("badge unlocked",
		slog.String("user_id", userID),
		slog.String("badge_id", b.ID),
		slog.Int64("xp_reward", b.XPReward),
	)
	return true, nil
}

// snapshot は判定に必要なユーザー状態と解除済みバッジの集合を読み込む。
func (e *Engine) snapshot(ctx context.Context, userID string) (UserState, map[string]bool, error) {
	var state UserState

	profile, err := e.profileRepo.FindByUserID(ctx, userID)
	if err != nil {
		return state, nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if profile != nil {
		state.SignupOrder = profile.SignupOrder
	}

	onboarding, err := e.onboardingRepo.Find(ctx, userID)
	if err != nil {
		return state, nil, fmt.Errorf("オンボーディング状態の取得に失敗しました: %w", err)
	}
	if onboarding != nil {
		state.OnboardingCompleted = onboarding.OnboardingCompleted
		state.WelcomeVideoWatched = onboarding.WelcomeVideoWatched
	}

	stats, err := e.missionRepo.Stats(ctx, userID)
	if err != nil {
		return state, nil, fmt.Errorf("ミッション集計の取得に失敗しました: %w", err)
	}
	state.BestStreak = stats.BestStreak
	state.CompletedMissions = stats.CompletedCount

	agg, err := e.ledgerRepo.FindAggregate(ctx, userID)
	if err != nil {
		return state, nil, fmt.Errorf("XP集計の取得に失敗しました: %w", err)
	}
	if agg != nil {
		state.TotalXP = agg.TotalXP
	}

	unlocks, err := e.badgeRepo.ListByUserID(ctx, userID)
	if err != nil {
		return state, nil, fmt.Errorf("解除済みバッジの取得に失敗しました: %w", err)
	}
	unlocked := make(map[string]bool, len(unlocks))
	for _, u := range unlocks {
		unlocked[u.BadgeID] = true
	}

	return state, unlocked, nil
}

// List はユーザーの解除済みバッジを解除日時順に返す。
// カタログから削除されたバッジはIDのみで返す。
func (e *Engine) List(ctx context.Context, userID string) ([]UnlockedBadge, error) {
	unlocks, err := e.badgeRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("解除済みバッジの取得に失敗しました: %w", err)
	}

	byID := make(map[string]model.Badge, len(e.catalog))
	for _, d := range e.catalog {
		byID[d.Badge.ID] = d.Badge
	}

	out := make([]UnlockedBadge, 0, len(unlocks))
	for _, u := range unlocks {
		b, ok := byID[u.BadgeID]
		if !ok {
			b = model.Badge{ID: u.BadgeID, Title: u.BadgeID}
		}
		out = append(out, UnlockedBadge{Badge: b, UnlockedAt: u.UnlockedAt})
	}
	return out, nil
}
