package model

import "time"

// FrequencyType はミッションの達成周期を表す。
type FrequencyType string

const (
	// FrequencyDaily は1日（UTC）ごとにリセットされるミッション。
	FrequencyDaily FrequencyType = "daily"
	// FrequencyWeekly はISO週（UTC、月曜始まり）ごとにリセットされるミッション。
	FrequencyWeekly FrequencyType = "weekly"
	// FrequencyOnce は一度だけ達成できるミッション。
	FrequencyOnce FrequencyType = "once"
)

// Valid は既知のFrequencyTypeかどうかを返す。
func (f FrequencyType) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyOnce:
		return true
	default:
		return false
	}
}

// MissionStatus は現在の周期におけるミッションの状態を表す。
type MissionStatus string

const (
	// MissionStatusPending は未達成。
	MissionStatusPending MissionStatus = "pending"
	// MissionStatusCompleted は達成済み。
	MissionStatusCompleted MissionStatus = "completed"
)

// Mission はユーザーが採用したミッションのインスタンスを表す。
// Statusは保存時点の周期（PeriodKey）についての値であり、
// 現在の周期の状態は読み取り時にPeriodKeyと比較して決まる。
type Mission struct {
	ID                     string
	UserID                 string
	Title                  string
	FrequencyType          FrequencyType
	XPReward               int64
	Status                 MissionStatus
	PeriodKey              string
	CompletionSeq          int
	LastCompletionDate     *time.Time
	PreviousCompletionDate *time.Time
	CurrentStreak          int
	PreviousStreak         int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
