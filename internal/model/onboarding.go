package model

import (
	"encoding/json"
	"time"
)

// OnboardingState はユーザーのオンボーディング進捗を表す。
// CurrentStepは単調非減少で、OnboardingCompletedはfalse→trueの一方向ラッチ。
type OnboardingState struct {
	UserID              string
	CurrentStep         int
	StepFlags           []bool
	StepPayloads        map[string]json.RawMessage
	OnboardingCompleted bool
	WelcomeVideoWatched bool
	CompletedAt         *time.Time
	UpdatedAt           time.Time
}
