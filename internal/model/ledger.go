package model

import "time"

// SourceType はXPトランザクションの発生源を表す。
// source_typeとsource_idの組がユーザーごとの冪等キーになる。
type SourceType string

const (
	// SourceTypeMission はミッション完了・取り消しによるXP。
	SourceTypeMission SourceType = "mission"
	// SourceTypeBadge はバッジ解除報酬によるXP。
	SourceTypeBadge SourceType = "badge"
	// SourceTypeAdjustment は運用による補正（負の値を含む）。
	SourceTypeAdjustment SourceType = "adjustment"
)

// Valid は既知のSourceTypeかどうかを返す。
func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeMission, SourceTypeBadge, SourceTypeAdjustment:
		return true
	default:
		return false
	}
}

// XPTransaction はXP台帳の1行を表す。作成後は更新も削除もされない。
type XPTransaction struct {
	ID          string
	UserID      string
	Amount      int64
	SourceType  SourceType
	SourceID    string
	Description string
	CreatedAt   time.Time
}

// LedgerEntry は台帳への追記要求を表す。
type LedgerEntry struct {
	UserID      string
	Amount      int64
	SourceType  SourceType
	SourceID    string
	Description string
}

// LedgerAggregate はユーザーごとのXP合計のマテリアライズドビュー。
// 常にそのユーザーのXPTransactionのamount合計と一致する。
type LedgerAggregate struct {
	UserID        string
	TotalXP       int64
	CurrentRankID string
	RankOrder     int
	UpdatedAt     time.Time
}

// AppendResult は台帳追記の結果を表す。
// Acceptedがfalseの場合は同じ冪等キーのトランザクションが既に存在し、何も書き込まれていない。
type AppendResult struct {
	Accepted    bool
	TotalXP     int64
	RankID      string
	RankChanged bool
}

// Rank はランクカタログの1エントリを表す。実行時は読み取り専用。
type Rank struct {
	ID           string
	Title        string
	Order        int
	XPNeeded     int64
	BadgesNeeded int
}
