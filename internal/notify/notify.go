// Package notify は進捗イベント（バッジ解除・ランク昇格・オンボーディング完了）の
// 外部通知を提供する。通知はコミット後に非同期で送信され、失敗しても状態は巻き戻さない。
package notify

import (
	"context"
	"time"
)

// EventType は進捗イベントの種類を表す。
type EventType string

const (
	EventBadgeUnlocked       EventType = "badge_unlocked"
	EventRankUp              EventType = "rank_up"
	EventOnboardingCompleted EventType = "onboarding_completed"
)

// Event は外部に通知する進捗イベント。
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id"`
	BadgeID    string    `json:"badge_id,omitempty"`
	RankID     string    `json:"rank_id,omitempty"`
	TotalXP    int64     `json:"total_xp,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier はサービス層が使う通知のインターフェース。
// 呼び出し元をブロックせず、エラーも返さない。
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Publisher は1つの通知チャネルへの送信を行うインターフェース。
type Publisher interface {
	// Name はメトリクスとログに使うチャネル名を返す。
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Nop は何も送信しないNotifier。
type Nop struct{}

// Notify は何もしない。
func (Nop) Notify(context.Context, Event) {}
