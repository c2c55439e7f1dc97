package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FailureRecorder は送信失敗を記録するインターフェース。metrics.Collectorが満たす。
type FailureRecorder interface {
	RecordNotifyFailure(channel string)
}

// Dispatcher はイベントを全Publisherへ非同期に送信するNotifier。
// 送信はリクエストのキャンセルから切り離され、timeoutで打ち切られる。
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	failures   FailureRecorder
	logger     *slog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(publishers []Publisher, timeout time.Duration, failures FailureRecorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		publishers: publishers,
		timeout:    timeout,
		failures:   failures,
		logger:     logger,
		now:        time.Now,
	}
}

// Notify はイベントを送信するgoroutineを起動してすぐに戻る。
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	if len(d.publishers) == 0 {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		for _, p := range d.publishers {
			if err := p.Publish(sendCtx, event); err != nil {
				d.failures.RecordNotifyFailure(p.Name())
				d.logger.Warn("進捗イベントの通知に失敗しました",
					slog.String("channel", p.Name()),
					slog.String("event", string(event.Type)),
					slog.String("user_id", event.UserID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

// Wait は送信中の通知が全て終わるまで待つ。グレースフルシャットダウン時に呼び出す。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

var _ Notifier = (*Dispatcher)(nil)
