package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/progression/internal/model"
)

// PostgresBadgeRepo はPostgreSQLを使用したバッジ解除リポジトリ。
type PostgresBadgeRepo struct {
	db     *sql.DB
	runner txRunner
	writer ledgerWriter
}

// NewPostgresBadgeRepo はPostgresBadgeRepoを生成する。
func NewPostgresBadgeRepo(db *sql.DB, ranks RankEvaluator, lowest model.Rank, policy RetryPolicy, observer ConflictObserver) *PostgresBadgeRepo {
	return &PostgresBadgeRepo{
		db:     db,
		runner: txRunner{db: db, policy: policy, observer: observer},
		writer: ledgerWriter{ranks: ranks, lowest: lowest},
	}
}

// Unlock は解除記録の挿入と報酬XPの台帳追記を同一トランザクションで行う。
// UNIQUE(user_id, badge_id)に衝突した場合は何も書き込まずfalseを返す。
// 解除記録の挿入後にランクを再計算するため、バッジ数の条件も同じトランザクションで反映される。
func (r *PostgresBadgeRepo) Unlock(ctx context.Context, unlock *model.BadgeUnlock, reward *model.LedgerEntry) (bool, *model.AppendResult, error) {
	var unlocked bool
	var appended *model.AppendResult

	err := r.runner.run(ctx, func(tx *sql.Tx) error {
		unlocked, appended = false, nil

		res, err := tx.ExecContext(ctx,
			`INSERT INTO badge_unlocks (id, user_id, badge_id, unlocked_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, badge_id) DO NOTHING`,
			unlock.ID, unlock.UserID, unlock.BadgeID, unlock.UnlockedAt,
		)
		if err != nil {
			return fmt.Errorf("バッジ解除の記録に失敗しました: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("影響行数の取得に失敗しました: %w", err)
		}
		if n == 0 {
			return nil
		}
		unlocked = true

		if reward == nil {
			return nil
		}
		appended, err = r.writer.appendTx(ctx, tx, *reward)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return unlocked, appended, nil
}

// ListByUserID はユーザーの解除記録を解除日時順に返す。
func (r *PostgresBadgeRepo) ListByUserID(ctx context.Context, userID string) ([]*model.BadgeUnlock, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, badge_id, unlocked_at
		 FROM badge_unlocks WHERE user_id = $1
		 ORDER BY unlocked_at ASC, badge_id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("バッジ解除一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var unlocks []*model.BadgeUnlock
	for rows.Next() {
		u := &model.BadgeUnlock{}
		if err := rows.Scan(&u.ID, &u.UserID, &u.BadgeID, &u.UnlockedAt); err != nil {
			return nil, fmt.Errorf("バッジ解除行の読み取りに失敗しました: %w", err)
		}
		unlocks = append(unlocks, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バッジ解除一覧の走査に失敗しました: %w", err)
	}
	return unlocks, nil
}

// compile-time interface check
var _ BadgeRepository = (*PostgresBadgeRepo)(nil)
