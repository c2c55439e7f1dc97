package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/progression/internal/model"
)

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RetryPolicy は一時的な競合に対するトランザクション再試行の設定。
type RetryPolicy struct {
	MaxAttempts int           // 最大試行回数（初回を含む）
	Backoff     time.Duration // 試行ごとに線形に伸ばす待機時間の単位
}

// DefaultRetryPolicy はデフォルトの再試行設定を返す。3回・20ms刻み。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     20 * time.Millisecond,
	}
}

// ConflictObserver は再試行と競合確定を通知されるインターフェース。
type ConflictObserver interface {
	RecordLedgerRetry()
	RecordLedgerConflict()
}

// 再試行対象のSQLSTATE
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

// isTransientConflict はPostgreSQLのエラーが再試行で解消しうる競合かを判定する。
func isTransientConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
		return true
	default:
		return false
	}
}

// txRunner はトランザクション単位の処理を再試行付きで実行する。
type txRunner struct {
	db       TxBeginner
	policy   RetryPolicy
	observer ConflictObserver
}

// run はfnを1つのトランザクションで実行する。
// fnがエラーを返した場合はロールバックする。一時的な競合の場合はfn全体を再実行し、
// 試行回数を使い切った場合はCONFLICTエラーを返す。更新を黙って捨てることはない。
func (r txRunner) run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransientConflict(err) {
			return err
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		if r.observer != nil {
			r.observer.RecordLedgerRetry()
		}
		slog.Warn("transaction conflict, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.policy.Backoff):
		}
	}

	if r.observer != nil {
		r.observer.RecordLedgerConflict()
	}
	slog.Error("transaction conflict retries exhausted",
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("%w: %v", model.NewConflictError(), lastErr)
}

func (r txRunner) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
