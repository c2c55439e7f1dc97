package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/progression/internal/model"
)

// missionColumns はmission_instancesのSELECT列。scanMissionと順序を合わせる。
const missionColumns = `id, user_id, title, frequency_type, xp_reward, status, period_key, completion_seq,
	last_completion_date, previous_completion_date, current_streak, previous_streak, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(s rowScanner) (*model.Mission, error) {
	m := &model.Mission{}
	var freq, status string
	var lastDate, prevDate sql.NullTime
	err := s.Scan(
		&m.ID, &m.UserID, &m.Title, &freq, &m.XPReward, &status, &m.PeriodKey, &m.CompletionSeq,
		&lastDate, &prevDate, &m.CurrentStreak, &m.PreviousStreak, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.FrequencyType = model.FrequencyType(freq)
	m.Status = model.MissionStatus(status)
	if lastDate.Valid {
		m.LastCompletionDate = &lastDate.Time
	}
	if prevDate.Valid {
		m.PreviousCompletionDate = &prevDate.Time
	}
	return m, nil
}

// PostgresMissionRepo はPostgreSQLを使用したミッションリポジトリ。
type PostgresMissionRepo struct {
	db     *sql.DB
	runner txRunner
	writer ledgerWriter
}

// NewPostgresMissionRepo はPostgresMissionRepoを生成する。
func NewPostgresMissionRepo(db *sql.DB, ranks RankEvaluator, lowest model.Rank, policy RetryPolicy, observer ConflictObserver) *PostgresMissionRepo {
	return &PostgresMissionRepo{
		db:     db,
		runner: txRunner{db: db, policy: policy, observer: observer},
		writer: ledgerWriter{ranks: ranks, lowest: lowest},
	}
}

// Create はミッションを作成する。
func (r *PostgresMissionRepo) Create(ctx context.Context, m *model.Mission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mission_instances (id, user_id, title, frequency_type, xp_reward, status, period_key,
		     completion_seq, current_streak, previous_streak, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, $8, $9)`,
		m.ID, m.UserID, m.Title, string(m.FrequencyType), m.XPReward,
		string(m.Status), m.PeriodKey, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ミッションの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID はユーザーのミッションを取得する。見つからない場合はnilを返す。
// user_idを必ず条件に含め、他ユーザーのミッションは見えない。
func (r *PostgresMissionRepo) FindByID(ctx context.Context, userID, missionID string) (*model.Mission, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM mission_instances WHERE id = $1 AND user_id = $2`,
		missionID, userID,
	)
	m, err := scanMission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ミッションの取得に失敗しました: %w", err)
	}
	return m, nil
}

// ListByUserID はユーザーのミッション一覧を作成順に返す。
func (r *PostgresMissionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Mission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+missionColumns+` FROM mission_instances WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ミッション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var missions []*model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("ミッション行の読み取りに失敗しました: %w", err)
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ミッション一覧の走査に失敗しました: %w", err)
	}
	return missions, nil
}

// Transition はミッション行をSELECT FOR UPDATEでロックしてfnを適用し、
// 状態の更新と台帳追記を同一トランザクションでコミットする。
// 状態だけ更新されてXPが付かない（またはその逆の）中途半端な結果は残らない。
func (r *PostgresMissionRepo) Transition(
	ctx context.Context,
	userID, missionID string,
	fn MissionTransitionFunc,
) (*model.Mission, *model.AppendResult, error) {
	var mission *model.Mission
	var appended *model.AppendResult

	err := r.runner.run(ctx, func(tx *sql.Tx) error {
		mission, appended = nil, nil

		row := tx.QueryRowContext(ctx,
			`SELECT `+missionColumns+` FROM mission_instances WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			missionID, userID,
		)
		m, err := scanMission(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ミッションのロックに失敗しました: %w", err)
		}

		entry, err := fn(m)
		if err != nil {
			return err
		}
		mission = m
		if entry == nil {
			return nil
		}

		m.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE mission_instances SET
			     status = $3, period_key = $4, completion_seq = $5,
			     last_completion_date = $6, previous_completion_date = $7,
			     current_streak = $8, previous_streak = $9, updated_at = $10
			 WHERE id = $1 AND user_id = $2`,
			m.ID, m.UserID,
			string(m.Status), m.PeriodKey, m.CompletionSeq,
			m.LastCompletionDate, m.PreviousCompletionDate,
			m.CurrentStreak, m.PreviousStreak, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("ミッションの更新に失敗しました: %w", err)
		}

		appended, err = r.writer.appendTx(ctx, tx, *entry)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return mission, appended, nil
}

// Stats はユーザーの最長継続中ストリークと正味の達成回数を返す。
// ストリークはデイリーミッションのみを対象とする。
// 達成回数は台帳のミッション由来トランザクション（加算 - 取り消し）から求める。
func (r *PostgresMissionRepo) Stats(ctx context.Context, userID string) (MissionStats, error) {
	var stats MissionStats
	err := r.db.QueryRowContext(ctx,
		`SELECT
		     COALESCE((SELECT MAX(current_streak) FROM mission_instances
		               WHERE user_id = $1 AND frequency_type = $3), 0),
		     COALESCE((SELECT COUNT(*) FILTER (WHERE amount > 0) - COUNT(*) FILTER (WHERE amount < 0)
		               FROM xp_transactions WHERE user_id = $1 AND source_type = $2), 0)`,
		userID, string(model.SourceTypeMission), string(model.FrequencyDaily),
	).Scan(&stats.BestStreak, &stats.CompletedCount)
	if err != nil {
		return MissionStats{}, fmt.Errorf("failed to load mission stats: %w", err)
	}
	return stats, nil
}

// compile-time interface check
var _ MissionRepository = (*PostgresMissionRepo)(nil)
