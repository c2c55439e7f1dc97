package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/progression/internal/model"
)

// PostgresProfileRepo はprofilesテーブルを読み取るリポジトリ。
// テーブルはプロフィール・認証サービスが所有しており、このサービスからは書き込まない。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByUserID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, signup_order, joined_at FROM profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.SignupOrder, &p.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
