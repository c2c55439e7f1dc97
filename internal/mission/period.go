package mission

import (
	"fmt"
	"time"

	"github.com/hitoshi/progression/internal/model"
)

// OncePeriodKey は一度きりのミッションの周期キー。
const OncePeriodKey = "once"

// PeriodKey は時刻tが属する周期のキーを返す。境界はUTCで判定する。
//   - daily:  YYYY-MM-DD
//   - weekly: ISO週 YYYY-Www（月曜始まり）
//   - once:   "once"
func PeriodKey(t time.Time, freq model.FrequencyType) string {
	t = t.UTC()
	switch freq {
	case model.FrequencyDaily:
		return t.Format("2006-01-02")
	case model.FrequencyWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return OncePeriodKey
	}
}

// PreviousPeriodKey は時刻tが属する周期の直前の周期のキーを返す。
// onceには直前の周期がないため空文字列を返す。
func PreviousPeriodKey(t time.Time, freq model.FrequencyType) string {
	t = t.UTC()
	switch freq {
	case model.FrequencyDaily:
		return PeriodKey(t.AddDate(0, 0, -1), freq)
	case model.FrequencyWeekly:
		return PeriodKey(t.AddDate(0, 0, -7), freq)
	default:
		return ""
	}
}

// IsCompletedIn は保存されている状態が周期keyで達成済みかどうかを返す。
// 前の周期の達成は現在の周期には持ち越さない。
func IsCompletedIn(m *model.Mission, key string) bool {
	return m.Status == model.MissionStatusCompleted && m.PeriodKey == key
}

// nextStreak は今回の達成時点のストリークを返す。
// 前回の達成が直前の周期であれば継続、それ以外は1から数え直す。
func nextStreak(m *model.Mission, now time.Time) int {
	prevKey := PreviousPeriodKey(now, m.FrequencyType)
	if m.LastCompletionDate == nil || prevKey == "" {
		return 1
	}
	if PeriodKey(*m.LastCompletionDate, m.FrequencyType) == prevKey {
		return m.CurrentStreak + 1
	}
	return 1
}
