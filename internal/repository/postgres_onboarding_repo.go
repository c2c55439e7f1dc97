package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/progression/internal/model"
)

const onboardingColumns = `user_id, current_step, step_flags, step_payloads,
	onboarding_completed, welcome_video_watched, completed_at, updated_at`

func scanOnboarding(s rowScanner) (*model.OnboardingState, error) {
	state := &model.OnboardingState{}
	var flags pq.BoolArray
	var payloads []byte
	var completedAt sql.NullTime

	err := s.Scan(
		&state.UserID, &state.CurrentStep, &flags, &payloads,
		&state.OnboardingCompleted, &state.WelcomeVideoWatched, &completedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.StepFlags = []bool(flags)
	state.StepPayloads = map[string]json.RawMessage{}
	if len(payloads) > 0 {
		if err := json.Unmarshal(payloads, &state.StepPayloads); err != nil {
			return nil, fmt.Errorf("ステップ入力値のデコードに失敗しました: %w", err)
		}
	}
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	return state, nil
}

// PostgresOnboardingRepo はPostgreSQLを使用したオンボーディング状態リポジトリ。
type PostgresOnboardingRepo struct {
	db     *sql.DB
	runner txRunner
}

// NewPostgresOnboardingRepo はPostgresOnboardingRepoを生成する。
func NewPostgresOnboardingRepo(db *sql.DB, policy RetryPolicy, observer ConflictObserver) *PostgresOnboardingRepo {
	return &PostgresOnboardingRepo{
		db:     db,
		runner: txRunner{db: db, policy: policy, observer: observer},
	}
}

// Ensure はcurrent_step=0の初期状態を冪等に作成する。
func (r *PostgresOnboardingRepo) Ensure(ctx context.Context, userID string, steps int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO onboarding_states (user_id, current_step, step_flags, step_payloads,
		     onboarding_completed, welcome_video_watched, updated_at)
		 VALUES ($1, 0, $2, '{}'::jsonb, FALSE, FALSE, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, pq.BoolArray(make([]bool, steps)), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("オンボーディング状態の初期化に失敗しました: %w", err)
	}
	return nil
}

// Find はオンボーディング状態を取得する。見つからない場合はnilを返す。
func (r *PostgresOnboardingRepo) Find(ctx context.Context, userID string) (*model.OnboardingState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+onboardingColumns+` FROM onboarding_states WHERE user_id = $1`,
		userID,
	)
	state, err := scanOnboarding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("オンボーディング状態の取得に失敗しました: %w", err)
	}
	return state, nil
}

// Advance は状態行をSELECT FOR UPDATEでロックしてfnを適用し、変更があればコミットする。
// 同一ユーザーの並行リクエストは行ロックで直列化されるため、ステップは1つずつしか進まない。
// 状態行が存在しない場合はnilを返す。
func (r *PostgresOnboardingRepo) Advance(ctx context.Context, userID string, fn OnboardingAdvanceFunc) (*model.OnboardingState, error) {
	var result *model.OnboardingState

	err := r.runner.run(ctx, func(tx *sql.Tx) error {
		result = nil

		row := tx.QueryRowContext(ctx,
			`SELECT `+onboardingColumns+` FROM onboarding_states WHERE user_id = $1 FOR UPDATE`,
			userID,
		)
		state, err := scanOnboarding(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("オンボーディング状態のロックに失敗しました: %w", err)
		}

		changed, err := fn(state)
		if err != nil {
			return err
		}
		result = state
		if !changed {
			return nil
		}

		payloads, err := json.Marshal(state.StepPayloads)
		if err != nil {
			return fmt.Errorf("ステップ入力値のエンコードに失敗しました: %w", err)
		}
		state.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE onboarding_states SET
			     current_step = $2, step_flags = $3, step_payloads = $4,
			     onboarding_completed = $5, welcome_video_watched = $6,
			     completed_at = $7, updated_at = $8
			 WHERE user_id = $1`,
			userID, state.CurrentStep, pq.BoolArray(state.StepFlags), payloads,
			state.OnboardingCompleted, state.WelcomeVideoWatched,
			state.CompletedAt, state.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("オンボーディング状態の更新に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// compile-time interface check
var _ OnboardingRepository = (*PostgresOnboardingRepo)(nil)
