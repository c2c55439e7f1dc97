package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler はJobを一定間隔で実行する。
type Scheduler struct {
	job      *Job
	interval time.Duration
	logger   *slog.Logger
	sched    gocron.Scheduler
}

// NewScheduler は新しいSchedulerを生成する。intervalは正の値であること。
func NewScheduler(job *Job, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive: %s", interval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{job: job, interval: interval, logger: logger, sched: sched}, nil
}

// Start はジョブを登録して起動する。起動直後に1回実行し、
// 前回の実行が終わっていない場合は次回に回す。
// ctxはジョブ内のDB操作に渡される。停止はShutdownで行う。
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.job.Run(ctx); err != nil {
				s.logger.Error("突き合わせサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}),
		gocron.WithName("ledger-reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to register reconcile job: %w", err)
	}

	s.sched.Start()
	s.logger.Info("突き合わせスケジューラを開始しました",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.job.BatchSize),
	)
	return nil
}

// Shutdown は実行中のジョブの完了を待ってスケジューラを停止する。
func (s *Scheduler) Shutdown() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	s.logger.Info("突き合わせスケジューラを停止しました")
	return nil
}
