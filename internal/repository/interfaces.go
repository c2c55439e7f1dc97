// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/progression/internal/model"
)

// RankEvaluator はXP合計と解除済みバッジ数からランクを決定する。
// 台帳追記と同一トランザクション内でランクを再計算するために注入する。
type RankEvaluator interface {
	Evaluate(totalXP int64, badgeCount int) model.Rank
}

// ProfileRepository はプロフィール・認証側が所有するprofilesテーブルの読み取りインターフェース。
type ProfileRepository interface {
	// FindByUserID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)
}

// LedgerRepository はXP台帳の永続化インターフェース。
type LedgerRepository interface {
	// EnsureAggregate はユーザーの集計行を冪等に作成する。
	EnsureAggregate(ctx context.Context, userID string) error

	// Append はトランザクションを冪等に追記し、集計行を同一トランザクションで加算する。
	// (user_id, source_type, source_id)が既に存在する場合は何も書き込まず、Accepted=falseを返す。
	Append(ctx context.Context, entry model.LedgerEntry) (*model.AppendResult, error)

	// FindAggregate はユーザーの集計行を取得する。見つからない場合はnilを返す。
	FindAggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error)

	// ListTransactions はユーザーのトランザクションを新しい順にlimit件返す。
	ListTransactions(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error)
}

// LedgerDrift は集計行の合計XPと台帳の合計が一致しないユーザーを表す。
type LedgerDrift struct {
	UserID      string
	AggregateXP int64
	LedgerXP    int64
}

// ReconcileRepository は集計行と台帳の突き合わせを行うインターフェース。
type ReconcileRepository interface {
	// FindDrift は集計行と台帳合計が一致しないユーザーを最大limit件返す。
	FindDrift(ctx context.Context, limit int) ([]LedgerDrift, error)

	// Repair は集計行をロックして台帳から合計を再計算し、不一致なら書き戻す。
	// ロック後に一致していた場合はnilを返す。
	Repair(ctx context.Context, userID string) (*LedgerDrift, error)
}

// MissionTransitionFunc はロック済みのミッションを受け取り、状態を書き換える。
// 台帳に追記すべきエントリを返す。nilを返した場合は何も書き込まない。
type MissionTransitionFunc func(m *model.Mission) (*model.LedgerEntry, error)

// MissionStats はバッジ判定に使うミッションの集計値。
type MissionStats struct {
	BestStreak     int
	CompletedCount int
}

// MissionRepository はミッションインスタンスの永続化インターフェース。
type MissionRepository interface {
	// Create はミッションを作成する。
	Create(ctx context.Context, mission *model.Mission) error

	// FindByID はユーザーのミッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, missionID string) (*model.Mission, error)

	// ListByUserID はユーザーのミッション一覧を作成順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Mission, error)

	// Transition はミッション行をロックしてfnを適用し、状態の更新と台帳追記を
	// 同一トランザクションでコミットする。ミッションが存在しない場合はnilを返す。
	Transition(ctx context.Context, userID, missionID string, fn MissionTransitionFunc) (*model.Mission, *model.AppendResult, error)

	// Stats はユーザーのデイリーミッションの最長継続中ストリークと正味の達成回数を返す。
	Stats(ctx context.Context, userID string) (MissionStats, error)
}

// BadgeRepository はバッジ解除記録の永続化インターフェース。
type BadgeRepository interface {
	// Unlock は解除記録の挿入と報酬XPの台帳追記を同一トランザクションで行う。
	// UNIQUE(user_id, badge_id)制約に衝突した場合は並行する呼び出しが先に解除したとみなし、
	// falseを返す（エラーではない）。
	Unlock(ctx context.Context, unlock *model.BadgeUnlock, reward *model.LedgerEntry) (bool, *model.AppendResult, error)

	// ListByUserID はユーザーの解除記録を解除日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.BadgeUnlock, error)
}

// OnboardingAdvanceFunc はロック済みのオンボーディング状態を受け取り、書き換える。
// 変更があった場合はtrueを返す。falseの場合は何も書き込まない。
type OnboardingAdvanceFunc func(state *model.OnboardingState) (bool, error)

// OnboardingRepository はオンボーディング状態の永続化インターフェース。
type OnboardingRepository interface {
	// Ensure はcurrent_step=0の初期状態を冪等に作成する。
	Ensure(ctx context.Context, userID string, steps int) error

	// Find はオンボーディング状態を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID string) (*model.OnboardingState, error)

	// Advance は状態行をロックしてfnを適用し、変更があればコミットする。
	Advance(ctx context.Context, userID string, fn OnboardingAdvanceFunc) (*model.OnboardingState, error)
}
