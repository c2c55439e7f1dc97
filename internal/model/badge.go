package model

import "time"

// Rarity はバッジのレア度を表す。
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Badge はバッジカタログの1エントリを表す。解除条件はbadgeパッケージの述語で持つ。
type Badge struct {
	ID          string
	Title       string
	Description string
	Rarity      Rarity
	XPReward    int64
}

// BadgeUnlock はユーザーのバッジ解除記録を表す。(user_id, badge_id)で一意。
type BadgeUnlock struct {
	ID         string
	UserID     string
	BadgeID    string
	UnlockedAt time.Time
}
