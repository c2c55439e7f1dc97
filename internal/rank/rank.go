// Package rank はXP合計と解除済みバッジ数からランクを決定する。
package rank

import "github.com/hitoshi/progression/internal/model"

// catalog はランクの静的カタログ。Order昇順に並べる。
var catalog = []model.Rank{
	{ID: "rookie", Title: "Rookie", Order: 1, XPNeeded: 0, BadgesNeeded: 0},
	{ID: "apprentice", Title: "Apprentice", Order: 2, XPNeeded: 100, BadgesNeeded: 0},
	{ID: "athlete", Title: "Athlete", Order: 3, XPNeeded: 500, BadgesNeeded: 1},
	{ID: "contender", Title: "Contender", Order: 4, XPNeeded: 1500, BadgesNeeded: 2},
	{ID: "elite", Title: "Elite", Order: 5, XPNeeded: 4000, BadgesNeeded: 4},
	{ID: "legend", Title: "Legend", Order: 6, XPNeeded: 10000, BadgesNeeded: 6},
}

// Catalog はランクカタログのコピーを返す。
func Catalog() []model.Rank {
	out := make([]model.Rank, len(catalog))
	copy(out, catalog)
	return out
}

// Lowest は最下位ランクを返す。新規ユーザーの初期ランク。
func Lowest() model.Rank {
	return catalog[0]
}

// Evaluate はxp_needed <= totalXP かつ badges_needed <= badgeCount を満たす
// 最上位のランクを返す。副作用はなく、差分ではなく絶対値から計算するため何度呼んでもよい。
func Evaluate(totalXP int64, badgeCount int) model.Rank {
	best := catalog[0]
	for _, r := range catalog {
		if r.XPNeeded <= totalXP && r.BadgesNeeded <= badgeCount && r.Order > best.Order {
			best = r
		}
	}
	return best
}

// ByID はIDからランクを検索する。
func ByID(id string) (model.Rank, bool) {
	for _, r := range catalog {
		if r.ID == id {
			return r, true
		}
	}
	return model.Rank{}, false
}

// Next は指定ランクの次のランクを返す。最上位の場合はfalse。
func Next(current model.Rank) (model.Rank, bool) {
	for _, r := range catalog {
		if r.Order == current.Order+1 {
			return r, true
		}
	}
	return model.Rank{}, false
}

// Evaluator はrepository層に注入するためのEvaluateのラッパー。
type Evaluator struct{}

// Evaluate はパッケージ関数Evaluateに委譲する。
func (Evaluator) Evaluate(totalXP int64, badgeCount int) model.Rank {
	return Evaluate(totalXP, badgeCount)
}
