// Package reconcile は集計行と台帳の突き合わせジョブを提供する。
// 台帳（xp_transactions）を正とし、合計XPがずれた集計行を再計算して修復する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/progression/internal/repository"
)

// DefaultBatchSize は1回の実行で検査する不一致ユーザー数の上限。
const DefaultBatchSize = 500

// DriftRecorder は修復件数を記録するメトリクスのインターフェース。
type DriftRecorder interface {
	RecordReconcileDrift(count int)
}

// Job は集計行の不一致を検出して修復するバッチジョブ。
// 修復は台帳の合計から集計行を作り直すだけなので、何度実行しても結果は変わらない。
type Job struct {
	repo      repository.ReconcileRepository
	recorder  DriftRecorder
	logger    *slog.Logger
	BatchSize int
}

// NewJob は新しいJobを生成する。
func NewJob(repo repository.ReconcileRepository, recorder DriftRecorder, logger *slog.Logger, batchSize int) *Job {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		repo:      repo,
		recorder:  recorder,
		logger:    logger,
		BatchSize: batchSize,
	}
}

// Run は不一致を検出し、ユーザーごとに修復する。修復した件数を返す。
// 個別ユーザーの修復失敗は残りの処理を止めず、まとめてエラーとして返す。
func (j *Job) Run(ctx context.Context) (int, error) {
	start := time.Now()

	drifts, err := j.repo.FindDrift(ctx, j.BatchSize)
	if err != nil {
		j.logger.Error("集計行の不一致検出に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to find ledger drift: %w", err)
	}

	repaired := 0
	var errs []error
	for _, d := range drifts {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		fixed, err := j.repo.Repair(ctx, d.UserID)
		if err != nil {
			j.logger.Error("集計行の修復に失敗しました",
				slog.String("user_id", d.UserID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("repair %s: %w", d.UserID, err))
			continue
		}
		// 検出後に別トランザクションで整合した場合はnil
		if fixed == nil {
			continue
		}
		repaired++
		j.logger.Warn("集計行の不一致を修復しました",
			slog.String("user_id", fixed.UserID),
			slog.Int64("aggregate_xp", fixed.AggregateXP),
			slog.Int64("ledger_xp", fixed.LedgerXP),
		)
	}

	if j.recorder != nil {
		j.recorder.RecordReconcileDrift(repaired)
	}

	j.logger.Info("突き合わせジョブが完了しました",
		slog.Int("detected_count", len(drifts)),
		slog.Int("repaired_count", repaired),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return repaired, errors.Join(errs...)
}
