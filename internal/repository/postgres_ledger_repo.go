package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/progression/internal/model"
)

// ledgerWriter は台帳追記・集計加算・ランク再計算をトランザクション内で行う。
// ミッション・バッジのリポジトリからも同じ手順で呼び出される。
type ledgerWriter struct {
	ranks  RankEvaluator
	lowest model.Rank
}

// appendTx はエントリを冪等に追記し、受理された場合のみ集計行を加算する。
// 集計行が存在しない場合は最下位ランクで作成する。
func (w ledgerWriter) appendTx(ctx context.Context, tx *sql.Tx, entry model.LedgerEntry) (*model.AppendResult, error) {
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO xp_transactions (id, user_id, amount, source_type, source_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, source_type, source_id) DO NOTHING`,
		uuid.New().String(), entry.UserID, entry.Amount,
		string(entry.SourceType), entry.SourceID, entry.Description, now,
	)
	if err != nil {
		return nil, fmt.Errorf("XPトランザクションの追記に失敗しました: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}

	if inserted == 0 {
		// 同じ冪等キーのトランザクションが既に存在する
		agg, err := w.findAggregateTx(ctx, tx, entry.UserID)
		if err != nil {
			return nil, err
		}
		result := &model.AppendResult{Accepted: false, RankID: w.lowest.ID}
		if agg != nil {
			result.TotalXP = agg.TotalXP
			result.RankID = agg.CurrentRankID
		}
		return result, nil
	}

	var total int64
	var rankID string
	var rankOrder int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ledger_aggregates (user_id, total_xp, current_rank_id, rank_order, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		     total_xp = ledger_aggregates.total_xp + EXCLUDED.total_xp,
		     updated_at = EXCLUDED.updated_at
		 RETURNING total_xp, current_rank_id, rank_order`,
		entry.UserID, entry.Amount, w.lowest.ID, w.lowest.Order, now,
	).Scan(&total, &rankID, &rankOrder)
	if err != nil {
		return nil, fmt.Errorf("XP集計の加算に失敗しました: %w", err)
	}

	result := &model.AppendResult{Accepted: true, TotalXP: total, RankID: rankID}

	promoted, err := w.promoteTx(ctx, tx, entry.UserID, total, rankOrder, now)
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		result.RankID = promoted.ID
		result.RankChanged = true
	}

	return result, nil
}

// promoteTx は絶対値からランクを再計算し、現在より上位の場合のみ更新する。
// ランクは最高到達点として保持し、降格はしない。
func (w ledgerWriter) promoteTx(ctx context.Context, tx *sql.Tx, userID string, total int64, currentOrder int, now time.Time) (*model.Rank, error) {
	var badgeCount int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM badge_unlocks WHERE user_id = $1`,
		userID,
	).Scan(&badgeCount)
	if err != nil {
		return nil, fmt.Errorf("解除済みバッジ数の取得に失敗しました: %w", err)
	}

	next := w.ranks.Evaluate(total, badgeCount)
	if next.Order <= currentOrder {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_aggregates SET current_rank_id = $2, rank_order = $3, updated_at = $4
		 WHERE user_id = $1 AND rank_order < $3`,
		userID, next.ID, next.Order, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ランクの更新に失敗しました: %w", err)
	}
	return &next, nil
}

func (w ledgerWriter) findAggregateTx(ctx context.Context, tx *sql.Tx, userID string) (*model.LedgerAggregate, error) {
	agg := &model.LedgerAggregate{}
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, total_xp, current_rank_id, rank_order, updated_at
		 FROM ledger_aggregates WHERE user_id = $1`,
		userID,
	).Scan(&agg.UserID, &agg.TotalXP, &agg.CurrentRankID, &agg.RankOrder, &agg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("XP集計の取得に失敗しました: %w", err)
	}
	return agg, nil
}

// PostgresLedgerRepo はPostgreSQLを使用したXP台帳リポジトリ。
type PostgresLedgerRepo struct {
	db     *sql.DB
	runner txRunner
	writer ledgerWriter
}

// NewPostgresLedgerRepo はPostgresLedgerRepoを生成する。
// lowestは集計行を新規作成するときの初期ランク。
func NewPostgresLedgerRepo(db *sql.DB, ranks RankEvaluator, lowest model.Rank, policy RetryPolicy, observer ConflictObserver) *PostgresLedgerRepo {
	return &PostgresLedgerRepo{
		db:     db,
		runner: txRunner{db: db, policy: policy, observer: observer},
		writer: ledgerWriter{ranks: ranks, lowest: lowest},
	}
}

// EnsureAggregate はユーザーの集計行を冪等に作成する。
func (r *PostgresLedgerRepo) EnsureAggregate(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_aggregates (user_id, total_xp, current_rank_id, rank_order, updated_at)
		 VALUES ($1, 0, $2, $3, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, r.writer.lowest.ID, r.writer.lowest.Order, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("XP集計の初期化に失敗しました: %w", err)
	}
	return nil
}

// Append はトランザクションを冪等に追記し、集計行を同一トランザクションで加算する。
func (r *PostgresLedgerRepo) Append(ctx context.Context, entry model.LedgerEntry) (*model.AppendResult, error) {
	var result *model.AppendResult
	err := r.runner.run(ctx, func(tx *sql.Tx) error {
		res, err := r.writer.appendTx(ctx, tx, entry)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FindAggregate はユーザーの集計行を取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) FindAggregate(ctx context.Context, userID string) (*model.LedgerAggregate, error) {
	agg := &model.LedgerAggregate{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, total_xp, current_rank_id, rank_order, updated_at
		 FROM ledger_aggregates WHERE user_id = $1`,
		userID,
	).Scan(&agg.UserID, &agg.TotalXP, &agg.CurrentRankID, &agg.RankOrder, &agg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("XP集計の取得に失敗しました: %w", err)
	}
	return agg, nil
}

// ListTransactions はユーザーのトランザクションを新しい順にlimit件返す。
func (r *PostgresLedgerRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.XPTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, amount, source_type, source_id, description, created_at
		 FROM xp_transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("XP履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var txns []*model.XPTransaction
	for rows.Next() {
		t := &model.XPTransaction{}
		var sourceType string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &sourceType, &t.SourceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("XP履歴の読み取りに失敗しました: %w", err)
		}
		t.SourceType = model.SourceType(sourceType)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("XP履歴の走査に失敗しました: %w", err)
	}
	return txns, nil
}

// FindDrift は集計行と台帳合計が一致しないユーザーを最大limit件返す。
// 追記中のトランザクションと競合しうるため、検出結果は修復前に必ずRepairで再確認する。
func (r *PostgresLedgerRepo) FindDrift(ctx context.Context, limit int) ([]LedgerDrift, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.user_id, a.total_xp, COALESCE(SUM(t.amount), 0) AS ledger_xp
		 FROM ledger_aggregates a
		 LEFT JOIN xp_transactions t ON t.user_id = a.user_id
		 GROUP BY a.user_id, a.total_xp
		 HAVING a.total_xp <> COALESCE(SUM(t.amount), 0)
		 ORDER BY a.user_id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("XP集計の突き合わせに失敗しました: %w", err)
	}
	defer rows.Close()

	var drifts []LedgerDrift
	for rows.Next() {
		var d LedgerDrift
		if err := rows.Scan(&d.UserID, &d.AggregateXP, &d.LedgerXP); err != nil {
			return nil, fmt.Errorf("突き合わせ結果の読み取りに失敗しました: %w", err)
		}
		drifts = append(drifts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("突き合わせ結果の走査に失敗しました: %w", err)
	}
	return drifts, nil
}

// Repair は集計行をSELECT FOR UPDATEでロックしてから台帳合計を再計算し、不一致なら書き戻す。
// 追記処理も同じ行を更新するため、ロック取得後の合計には確定済みの追記がすべて含まれる。
func (r *PostgresLedgerRepo) Repair(ctx context.Context, userID string) (*LedgerDrift, error) {
	var drift *LedgerDrift

	err := r.runner.run(ctx, func(tx *sql.Tx) error {
		drift = nil

		var aggregateXP int64
		var rankOrder int
		err := tx.QueryRowContext(ctx,
			`SELECT total_xp, rank_order FROM ledger_aggregates WHERE user_id = $1 FOR UPDATE`,
			userID,
		).Scan(&aggregateXP, &rankOrder)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XP集計のロックに失敗しました: %w", err)
		}

		var ledgerXP int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM xp_transactions WHERE user_id = $1`,
			userID,
		).Scan(&ledgerXP)
		if err != nil {
			return fmt.Errorf("台帳合計の取得に失敗しました: %w", err)
		}
		if ledgerXP == aggregateXP {
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger_aggregates SET total_xp = $2, updated_at = $3 WHERE user_id = $1`,
			userID, ledgerXP, now,
		)
		if err != nil {
			return fmt.Errorf("XP集計の修復に失敗しました: %w", err)
		}
		if _, err := r.writer.promoteTx(ctx, tx, userID, ledgerXP, rankOrder, now); err != nil {
			return err
		}

		drift = &LedgerDrift{UserID: userID, AggregateXP: aggregateXP, LedgerXP: ledgerXP}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drift, nil
}

// compile-time interface check
var (
	_ LedgerRepository    = (*PostgresLedgerRepo)(nil)
	_ ReconcileRepository = (*PostgresLedgerRepo)(nil)
)
