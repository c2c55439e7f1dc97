// Package onboarding は初回利用時のステップを順番どおりに進めるシーケンサーを提供する。
package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/repository"
	"github.com/hitoshi/progression/internal/security"
)

// ステップ名。インデックスは0始まり。
const (
	StepWelcomeVideo   = "welcome_video"
	StepProfile        = "profile"
	StepGoals          = "goals"
	StepCommunityRules = "community_rules"
)

var stepNames = [...]string{StepWelcomeVideo, StepProfile, StepGoals, StepCommunityRules}

// Steps はステップ名を順番に返す。
func Steps() []string {
	return stepNames[:]
}

// StepCount はステップ数を返す。
func StepCount() int {
	return len(stepNames)
}

// BadgeEvaluator はオンボーディング完了後にバッジ条件を評価するインターフェース。
type BadgeEvaluator interface {
	Evaluate(ctx context.Context, userID string) ([]model.Badge, error)
}

// StepResult はCompleteStepの結果。
type StepResult struct {
	Success bool
	// Replayed は完了済みのステップが再送されたことを示す。状態は変更していない。
	Replayed  bool
	NextStep  int
	Completed bool
	NewBadges []model.Badge
	State     *model.OnboardingState
}

// Sequencer はオンボーディングの進行を管理するサービス。
type Sequencer struct {
	repo      repository.OnboardingRepository
	badges    BadgeEvaluator
	sanitizer security.TextSanitizer
	notifier  notify.Notifier
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewSequencer はSequencerの新しいインスタンスを生成する。
func NewSequencer(
	repo repository.OnboardingRepository,
	badges BadgeEvaluator,
	sanitizer security.TextSanitizer,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
) *Sequencer {
	return &Sequencer{
		repo:      repo,
		badges:    badges,
		sanitizer: sanitizer,
		notifier:  notifier,
		metrics:   collector,
		now:       time.Now,
	}
}

// CompleteStep はstepIndexのステップを完了する。
//   - stepIndexが範囲外: VALIDATION_ERROR
//   - stepIndex > current_step: OUT_OF_ORDER（状態は変更しない）
//   - stepIndex < current_step: 成功（再送として扱い、状態は変更しない）
//
// オンボーディングが完了済みであれば、再送を含めて毎回バッジを評価する。
func (s *Sequencer) CompleteStep(ctx context.Context, userID string, stepIndex int, payload json.RawMessage) (*StepResult, error) {
	if stepIndex < 0 || stepIndex >= len(stepNames) {
		return nil, model.NewValidationError(fmt.Sprintf("stepは0から%dの範囲で指定してください", len(stepNames)-1))
	}
	clean, err := s.sanitizer.SanitizeJSON(payload)
	if err != nil {
		return nil, model.NewValidationError("payloadが不正なJSONです")
	}

	if err := s.repo.Ensure(ctx, userID, len(stepNames)); err != nil {
		return nil, fmt.Errorf("オンボーディング状態の作成に失敗しました: %w", err)
	}

	now := s.now().UTC()
	var replayed, justCompleted bool
	state, err := s.repo.Advance(ctx, userID, func(st *model.OnboardingState) (bool, error) {
		replayed, justCompleted = false, false
		switch {
		case stepIndex < st.CurrentStep:
			replayed = true
			return false, nil
		case stepIndex > st.CurrentStep:
			return false, model.NewOutOfOrderError(stepIndex, st.CurrentStep)
		}

		for len(st.StepFlags) < len(stepNames) {
			st.StepFlags = append(st.StepFlags, false)
		}
		if st.StepPayloads == nil {
			st.StepPayloads = map[string]json.RawMessage{}
		}
		st.StepFlags[stepIndex] = true
		st.StepPayloads[stepNames[stepIndex]] = clean
		st.CurrentStep++

		if stepNames[stepIndex] == StepWelcomeVideo {
			st.WelcomeVideoWatched = true
		}
		if st.CurrentStep == len(stepNames) && !st.OnboardingCompleted {
			st.OnboardingCompleted = true
			st.CompletedAt = &now
			justCompleted = true
		}
		return true, nil
	})
	if err != nil {
		if model.HasCode(err, model.ErrCodeOutOfOrder) {
			s.metrics.RecordOnboardingStep(metrics.OnboardingOutOfOrder)
			return nil, err
		}
		return nil, fmt.Errorf("オンボーディングの更新に失敗しました: %w", err)
	}
	if state == nil {
		return nil, model.NewUserNotFoundError()
	}

	if replayed {
		s.metrics.RecordOnboardingStep(metrics.OnboardingReplayed)
	} else {
		s.metrics.RecordOnboardingStep(metrics.OnboardingAdvanced)
		slog.Info("onboarding step completed",
			slog.String("user_id", userID),
			slog.Int("step", stepIndex),
			slog.String("step_name", stepNames[stepIndex]),
		)
	}

	if justCompleted {
		s.notifier.Notify(ctx, notify.Event{
			Type:   notify.EventOnboardingCompleted,
			UserID: userID,
		})
	}

	result := &StepResult{
		Success:   true,
		Replayed:  replayed,
		NextStep:  state.CurrentStep,
		Completed: state.OnboardingCompleted,
		State:     state,
	}

	if state.OnboardingCompleted {
		// 評価に失敗した場合は呼び出し元に返し、再送時の評価で取りこぼしを補う
		badges, err := s.badges.Evaluate(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("オンボーディング完了後のバッジ評価に失敗しました: %w", err)
		}
		result.NewBadges = badges
	}
	return result, nil
}

// State はユーザーのオンボーディング状態を返す。
// まだ作成されていない場合は保存せずに初期状態を返す。
func (s *Sequencer) State(ctx context.Context, userID string) (*model.OnboardingState, error) {
	st, err := s.repo.Find(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("オンボーディング状態の取得に失敗しました: %w", err)
	}
	if st == nil {
		st = &model.OnboardingState{
			UserID:       userID,
			StepFlags:    make([]bool, len(stepNames)),
			StepPayloads: map[string]json.RawMessage{},
		}
	}
	return st, nil
}
