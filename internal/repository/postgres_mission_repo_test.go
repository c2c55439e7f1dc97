package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/rank"
)

var missionRowColumns = []string{
	"id", "user_id", "title", "frequency_type", "xp_reward", "status", "period_key", "completion_seq",
	"last_completion_date", "previous_completion_date", "current_streak", "previous_streak", "created_at", "updated_at",
}

func newTestMissionRepo(db *sql.DB) *PostgresMissionRepo {
	return NewPostgresMissionRepo(db, rank.Evaluator{}, rank.Lowest(), testRetryPolicy(), &countingObserver{})
}

func pendingMissionRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(missionRowColumns).
		AddRow("mission-1", "user-1", "朝のストレッチ", "daily", int64(15), "pending", "", 0,
			nil, nil, 0, 0, now, now)
}

func TestPostgresMissionRepo_FindByID_ScopedToUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)

	mock.ExpectQuery("FROM mission_instances WHERE id").
		WithArgs("mission-1", "other-user").
		WillReturnError(sql.ErrNoRows)

	m, err := repo.FindByID(context.Background(), "other-user", "mission-1")
	if err != nil {
		t.Fatalf("FindByID がエラーを返した: %v", err)
	}
	if m != nil {
		t.Errorf("他ユーザーのミッションは見えないはず: %+v", m)
	}
}

func TestPostgresMissionRepo_ListByUserID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	mock.ExpectQuery("FROM mission_instances WHERE user_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(missionRowColumns).
			AddRow("mission-1", "user-1", "朝のストレッチ", "daily", int64(15), "completed", "2026-10-16", 2,
				now, yesterday, 2, 1, now, now).
			AddRow("mission-2", "user-1", "週3回のジム", "weekly", int64(40), "pending", "", 0,
				nil, nil, 0, 0, now, now))

	missions, err := repo.ListByUserID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListByUserID がエラーを返した: %v", err)
	}
	if len(missions) != 2 {
		t.Fatalf("len = %d, want 2", len(missions))
	}
	first := missions[0]
	if first.FrequencyType != model.FrequencyDaily || first.Status != model.MissionStatusCompleted {
		t.Errorf("列の変換が不正: %+v", first)
	}
	if first.LastCompletionDate == nil || first.PreviousCompletionDate == nil {
		t.Error("NULLでない日付はポインタで保持されるべき")
	}
	if missions[1].LastCompletionDate != nil {
		t.Error("NULLの日付はnilであるべき")
	}
}

func TestPostgresMissionRepo_Transition_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("missing", "user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	called := false
	m, res, err := repo.Transition(context.Background(), "user-1", "missing", func(*model.Mission) (*model.LedgerEntry, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Transition がエラーを返した: %v", err)
	}
	if m != nil || res != nil {
		t.Errorf("見つからない場合はnilを返すべき: %+v %+v", m, res)
	}
	if called {
		t.Error("存在しないミッションに対してfnを呼んではならない")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// 状態の更新と台帳追記が同じトランザクションで行われること
func TestPostgresMissionRepo_Transition_UpdatesAndAppendsInOneTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("mission-1", "user-1").
		WillReturnRows(pendingMissionRow(now))
	mock.ExpectExec("UPDATE mission_instances SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO xp_transactions").
		WithArgs(sqlmock.AnyArg(), "user-1", int64(15), "mission", "mission-1:2026-10-16:1", "朝のストレッチ", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_aggregates").
		WillReturnRows(sqlmock.NewRows([]string{"total_xp", "current_rank_id", "rank_order"}).
			AddRow(int64(15), "rookie", 1))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	m, res, err := repo.Transition(context.Background(), "user-1", "mission-1", func(m *model.Mission) (*model.LedgerEntry, error) {
		m.Status = model.MissionStatusCompleted
		m.PeriodKey = "2026-10-16"
		m.CompletionSeq = 1
		m.CurrentStreak = 1
		return &model.LedgerEntry{
			UserID:      m.UserID,
			Amount:      m.XPReward,
			SourceType:  model.SourceTypeMission,
			SourceID:    "mission-1:2026-10-16:1",
			Description: m.Title,
		}, nil
	})
	if err != nil {
		t.Fatalf("Transition がエラーを返した: %v", err)
	}
	if m.Status != model.MissionStatusCompleted || m.CompletionSeq != 1 {
		t.Errorf("更新後のミッションが返るべき: %+v", m)
	}
	if res == nil || !res.Accepted || res.TotalXP != 15 {
		t.Errorf("AppendResult = %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// fnがnilエントリを返した場合は何も書き込まない
func TestPostgresMissionRepo_Transition_NoopWritesNothing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(pendingMissionRow(time.Now()))
	mock.ExpectCommit()

	m, res, err := repo.Transition(context.Background(), "user-1", "mission-1", func(*model.Mission) (*model.LedgerEntry, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Transition がエラーを返した: %v", err)
	}
	if m == nil {
		t.Fatal("ミッションは返るべき")
	}
	if res != nil {
		t.Errorf("追記しない場合はAppendResultはnil: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// fnのエラーでロールバックされ、状態も台帳も変わらない
func TestPostgresMissionRepo_Transition_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(pendingMissionRow(time.Now()))
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	_, _, err := repo.Transition(context.Background(), "user-1", "mission-1", func(*model.Mission) (*model.LedgerEntry, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("fnのエラーが返るべき: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresMissionRepo_Stats(t *testing.T) {
	db, mock := newMockDB(t)
	repo := newTestMissionRepo(db)

	mock.ExpectQuery(`MAX\(current_streak\).*frequency_type = \$3`).
		WithArgs("user-1", "mission", "daily").
		WillReturnRows(sqlmock.NewRows([]string{"best_streak", "completed"}).AddRow(7, 12))

	stats, err := repo.Stats(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Stats がエラーを返した: %v", err)
	}
	if stats.BestStreak != 7 || stats.CompletedCount != 12 {
		t.Errorf("stats = %+v", stats)
	}
}
