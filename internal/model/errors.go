// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, onboarding, mission, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeOutOfOrder      = "OUT_OF_ORDER"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeMissionNotFound = "MISSION_NOT_FOUND"
	ErrCodeUserNotFound    = "USER_NOT_FOUND"
)

// NewValidationError は入力値不正エラーを生成する。
// 書き込み前に検出されるため、部分的な状態変更は発生しない。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してから再度お試しください。",
	}
}

// NewOutOfOrderError はオンボーディングのステップ飛ばしエラーを生成する。
func NewOutOfOrderError(requested, current int) *APIError {
	return &APIError{
		Code:     ErrCodeOutOfOrder,
		Message:  fmt.Sprintf("ステップ%dはまだ完了できません（現在のステップ: %d）", requested, current),
		Category: "onboarding",
		Action:   "現在のステップから順番に進めてください。",
	}
}

// NewConflictError は同時更新による一時的な競合エラーを生成する。
// 全エントリポイントは冪等なので、クライアントは同じリクエストを安全に再送できる。
func NewConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "他のリクエストと競合したため処理を完了できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMissionNotFoundError はミッション未検出エラーを生成する。
func NewMissionNotFoundError(missionID string) *APIError {
	return &APIError{
		Code:     ErrCodeMissionNotFound,
		Message:  fmt.Sprintf("指定されたミッションが見つかりません: %s", missionID),
		Category: "mission",
		Action:   "ミッションIDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// IsRetryable はエラーがリトライ可能な一時的競合かどうかを返す。
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCodeConflict
	}
	return false
}

// HasCode はエラーが指定コードのAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
