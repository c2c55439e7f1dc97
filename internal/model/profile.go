package model

import "time"

// Profile はプロフィール・認証側から提供されるユーザー情報。
// このサービスが必要とするのは識別子と登録順のみ。
type Profile struct {
	UserID      string
	SignupOrder int64
	JoinedAt    time.Time
}
