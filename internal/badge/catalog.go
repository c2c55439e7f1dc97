// Package badge はバッジの解除条件を評価し、解除と報酬XPの付与を行う。
package badge

import "github.com/hitoshi/progression/internal/model"

// UserState はバッジ判定に使うユーザー状態のスナップショット。
type UserState struct {
	OnboardingCompleted bool
	WelcomeVideoWatched bool
	SignupOrder         int64 // 0は不明（プロフィール未登録）
	BestStreak          int
	CompletedMissions   int
	TotalXP             int64
}

// Predicate はバッジの解除条件。副作用を持たない。
type Predicate func(UserState) bool

// Definition はバッジとその解除条件の組。
type Definition struct {
	Badge model.Badge
	Rule  Predicate
}

// バッジID
const (
	IDOnboardingComplete = "onboarding_complete"
	IDFoundingMember     = "founding_member"
	IDStreak7            = "streak_7"
	IDStreak30           = "streak_30"
	IDMissionVeteran     = "mission_veteran"
	IDXP5000             = "xp_5000"
)

// DefaultFoundingMemberLimit はfounding_memberの対象となる登録順の上限の既定値。
const DefaultFoundingMemberLimit = 100

// 解除条件の閾値
const (
	veteranMissionCount = 50
	xpMilestone         = 5000
)

func onboardingCompleted(s UserState) bool { return s.OnboardingCompleted }

func foundingMember(limit int64) Predicate {
	return func(s UserState) bool {
		return s.SignupOrder > 0 && s.SignupOrder <= limit
	}
}

func streakAtLeast(days int) Predicate {
	return func(s UserState) bool { return s.BestStreak >= days }
}

func missionVeteran(s UserState) bool { return s.CompletedMissions >= veteranMissionCount }

func xpAtLeast(xp int64) Predicate {
	return func(s UserState) bool { return s.TotalXP >= xp }
}

// NewCatalog はバッジカタログを生成する。評価はこの順序で行う。
// 報酬XPは全て正の値で、解除のたびに0でない台帳エントリが1件作られる。
func NewCatalog(foundingMemberLimit int64) []Definition {
	return []Definition{
		{
			Badge: model.Badge{
				ID:          IDOnboardingComplete,
				Title:       "Welcome Aboard",
				Description: "オンボーディングを全て完了した",
				Rarity:      model.RarityCommon,
				XPReward:    50,
			},
			Rule: onboardingCompleted,
		},
		{
			Badge: model.Badge{
				ID:          IDFoundingMember,
				Title:       "Founding Member",
				Description: "初期メンバーとして参加した",
				Rarity:      model.RarityLegendary,
				XPReward:    100,
			},
			Rule: foundingMember(foundingMemberLimit),
		},
		{
			Badge: model.Badge{
				ID:          IDStreak7,
				Title:       "On Fire",
				Description: "ミッションを7周期連続で達成した",
				Rarity:      model.RarityRare,
				XPReward:    70,
			},
			Rule: streakAtLeast(7),
		},
		{
			Badge: model.Badge{
				ID:          IDStreak30,
				Title:       "Unstoppable",
				Description: "ミッションを30周期連続で達成した",
				Rarity:      model.RarityEpic,
				XPReward:    300,
			},
			Rule: streakAtLeast(30),
		},
		{
			Badge: model.Badge{
				ID:          IDMissionVeteran,
				Title:       "Mission Veteran",
				Description: "ミッションを通算50回達成した",
				Rarity:      model.RarityEpic,
				XPReward:    150,
			},
			Rule: missionVeteran,
		},
		{
			Badge: model.Badge{
				ID:          IDXP5000,
				Title:       "Powerhouse",
				Description: "累計5000XPに到達した",
				Rarity:      model.RarityRare,
				XPReward:    250,
			},
			Rule: xpAtLeast(xpMilestone),
		},
	}
}
