// Package memstore はrepositoryインターフェースのインメモリ実装を提供する。
// 1つのミューテックスで全テーブルを保護し、PostgreSQLの一意制約と
// トランザクション境界（1メソッド呼び出し = 1トランザクション）を再現する。
// サービス層の並行性テストで使用する。
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/repository"
)

// Store はインメモリのデータストア。
type Store struct {
	mu sync.Mutex

	ranks  repository.RankEvaluator
	lowest model.Rank

	profiles   map[string]model.Profile
	txns       []model.XPTransaction
	txnKeys    map[string]struct{}
	aggregates map[string]*model.LedgerAggregate
	missions   map[string]*model.Mission
	unlocks    map[string]map[string]model.BadgeUnlock
	onboarding map[string]*model.OnboardingState

	// UnlockErr が設定されている場合、Unlockは何も書き込まずにこのエラーを返す。
	UnlockErr error
}

// New はStoreを生成する。
func New(ranks repository.RankEvaluator, lowest model.Rank) *Store {
	return &Store{
		ranks:      ranks,
		lowest:     lowest,
		profiles:   map[string]model.Profile{},
		txnKeys:    map[string]struct{}{},
		aggregates: map[string]*model.LedgerAggregate{},
		missions:   map[string]*model.Mission{},
		unlocks:    map[string]map[string]model.BadgeUnlock{},
		onboarding: map[string]*model.OnboardingState{},
	}
}

// PutProfile はプロフィールを登録する。
func (s *Store) PutProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

// SetAggregateXP は集計行の合計XPを直接書き換える。突き合わせ処理のテスト用。
func (s *Store) SetAggregateXP(userID string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := s.aggregateLocked(userID)
	agg.TotalXP = total
}

// LedgerSum は台帳上のトランザクション合計を返す。
func (s *Store) LedgerSum(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumLocked(userID)
}

// TransactionCount はユーザーのトランザクション件数を返す。
func (s *Store) TransactionCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.txns {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

// Ledger はLedgerRepositoryとReconcileRepositoryのビューを返す。
func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

// Missions はMissionRepositoryのビューを返す。
func (s *Store) Missions() *MissionRepo { return &MissionRepo{s: s} }

// Badges はBadgeRepositoryのビューを返す。
func (s *Store) Badges() *BadgeRepo { return &BadgeRepo{s: s} }

// Onboarding はOnboardingRepositoryのビューを返す。
func (s *Store) Onboarding() *OnboardingRepo { return &OnboardingRepo{s: s} }

// Profiles はProfileRepositoryのビューを返す。
func (s *Store) Profiles() *ProfileRepo { return &ProfileRepo{s: s} }

func txnKey(userID string, sourceType model.SourceType, sourceID string) string {
	return userID + "\x00" + string(sourceType) + "\x00" + sourceID
}

func (s *Store) aggregateLocked(userID string) *model.LedgerAggregate {
	agg, ok := s.aggregates[userID]
	if !ok {
		agg = &model.LedgerAggregate{
			UserID:        userID,
			CurrentRankID: s.lowest.ID,
			RankOrder:     s.lowest.Order,
			UpdatedAt:     time.Now().UTC(),
		}
		s.aggregates[userID] = agg
	}
	return agg
}

func (s *Store) sumLocked(userID string) int64 {
	var sum int64
	for _, t := range s.txns {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum
}

// appendLocked はPostgresの台帳追記と同じ手順を呼び出し元のロック下で行う。
func (s *Store) appendLocked(entry model.LedgerEntry) *model.AppendResult {
	key := txnKey(entry.UserID, entry.SourceType, entry.SourceID)
	if _, dup := s.txnKeys[key]; dup {
		result := &model.AppendResult{Accepted: false, RankID: s.lowest.ID}
		if agg, ok := s.aggregates[entry.UserID]; ok {
			result.TotalXP = agg.TotalXP
			result.RankID = agg.CurrentRankID
		}
		return result
	}

	now := time.Now().UTC()
	s.txnKeys[key] = struct{}{}
	s.txns = append(s.txns, model.XPTransaction{
		ID:          uuid.New().String(),
		UserID:      entry.UserID,
		Amount:      entry.Amount,
		SourceType:  entry.SourceType,
		SourceID:    entry.SourceID,
		Description: entry.Description,
		CreatedAt:   now,
	})

	agg := s.aggregateLocked(entry.UserID)
	agg.TotalXP += entry.Amount
	agg.UpdatedAt = now

	result := &model.AppendResult{Accepted: true, TotalXP: agg.TotalXP, RankID: agg.CurrentRankID}
	if s.promoteLocked(agg) {
		result.RankID = agg.CurrentRankID
		result.RankChanged = true
	}
	return result
}

func (s *Store) promoteLocked(agg *model.LedgerAggregate) bool {
	next := s.ranks.Evaluate(agg.TotalXP, len(s.unlocks[agg.UserID]))
	if next.Order <= agg.RankOrder {
		return false
	}
	agg.CurrentRankID = next.ID
	agg.RankOrder = next.Order
	return true
}

// LedgerRepo はStoreの台帳ビュー。
type LedgerRepo struct{ s *Store }

// EnsureAggregate は集計行を冪等に作成する。
func (r *LedgerRepo) EnsureAggregate(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.aggregateLocked(userID)
	return nil
}

// Append はトランザクションを冪等に追記する。
func (r *LedgerRepo) Append(_ context.Context, entry model.LedgerEntry) (*model.AppendResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.appendLocked(entry), nil
}

// FindAggregate は集計行のコピーを返す。
func (r *LedgerRepo) FindAggregate(_ context.Context, userID string) (*model.LedgerAggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	agg, ok := r.s.aggregates[userID]
	if !ok {
		return nil, nil
	}
	cp := *agg
	return &cp, nil
}

// ListTransactions はトランザクションを新しい順にlimit件返す。
func (r *LedgerRepo) ListTransactions(_ context.Context, userID string, limit int) ([]*model.XPTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.XPTransaction
	for i := len(r.s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if t := r.s.txns[i]; t.UserID == userID {
			out = append(out, &t)
		}
	}
	return out, nil
}

// FindDrift は集計行と台帳合計が一致しないユーザーを返す。
func (r *LedgerRepo) FindDrift(_ context.Context, limit int) ([]repository.LedgerDrift, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var drifts []repository.LedgerDrift
	for userID, agg := range r.s.aggregates {
		if sum := r.s.sumLocked(userID); sum != agg.TotalXP {
			drifts = append(drifts, repository.LedgerDrift{UserID: userID, AggregateXP: agg.TotalXP, LedgerXP: sum})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].UserID < drifts[j].UserID })
	if len(drifts) > limit {
		drifts = drifts[:limit]
	}
	return drifts, nil
}

// Repair は集計行を台帳合計で書き戻す。
func (r *LedgerRepo) Repair(_ context.Context, userID string) (*repository.LedgerDrift, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	agg, ok := r.s.aggregates[userID]
	if !ok {
		return nil, nil
	}
	sum := r.s.sumLocked(userID)
	if sum == agg.TotalXP {
		return nil, nil
	}
	drift := &repository.LedgerDrift{UserID: userID, AggregateXP: agg.TotalXP, LedgerXP: sum}
	agg.TotalXP = sum
	r.s.promoteLocked(agg)
	return drift, nil
}

// MissionRepo はStoreのミッションビュー。
type MissionRepo struct{ s *Store }

func copyMission(m *model.Mission) *model.Mission {
	cp := *m
	if m.LastCompletionDate != nil {
		t := *m.LastCompletionDate
		cp.LastCompletionDate = &t
	}
	if m.PreviousCompletionDate != nil {
		t := *m.PreviousCompletionDate
		cp.PreviousCompletionDate = &t
	}
	return &cp
}

// Create はミッションを作成する。
func (r *MissionRepo) Create(_ context.Context, m *model.Mission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.missions[m.ID] = copyMission(m)
	return nil
}

// FindByID はユーザーのミッションを返す。
func (r *MissionRepo) FindByID(_ context.Context, userID, missionID string) (*model.Mission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.missions[missionID]
	if !ok || m.UserID != userID {
		return nil, nil
	}
	return copyMission(m), nil
}

// ListByUserID はユーザーのミッションを作成順に返す。
func (r *MissionRepo) ListByUserID(_ context.Context, userID string) ([]*model.Mission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Mission
	for _, m := range r.s.missions {
		if m.UserID == userID {
			out = append(out, copyMission(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Transition はロック下でfnを適用し、状態と台帳を同時に更新する。
func (r *MissionRepo) Transition(_ context.Context, userID, missionID string, fn repository.MissionTransitionFunc) (*model.Mission, *model.AppendResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.missions[missionID]
	if !ok || stored.UserID != userID {
		return nil, nil, nil
	}
	working := copyMission(stored)
	entry, err := fn(working)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return copyMission(stored), nil, nil
	}
	working.UpdatedAt = time.Now().UTC()
	r.s.missions[missionID] = working
	return copyMission(working), r.s.appendLocked(*entry), nil
}

// Stats はデイリーミッションの最長継続中ストリークと正味の達成回数を返す。
func (r *MissionRepo) Stats(_ context.Context, userID string) (repository.MissionStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var stats repository.MissionStats
	for _, m := range r.s.missions {
		if m.UserID != userID || m.FrequencyType != model.FrequencyDaily {
			continue
		}
		if m.CurrentStreak > stats.BestStreak {
			stats.BestStreak = m.CurrentStreak
		}
	}
	for _, t := range r.s.txns {
		if t.UserID != userID || t.SourceType != model.SourceTypeMission {
			continue
		}
		if t.Amount > 0 {
			stats.CompletedCount++
		} else if t.Amount < 0 {
			stats.CompletedCount--
		}
	}
	return stats, nil
}

// BadgeRepo はStoreのバッジビュー。
type BadgeRepo struct{ s *Store }

// Unlock は解除記録と報酬を同時に書き込む。解除済みならfalseを返す。
func (r *BadgeRepo) Unlock(_ context.Context, unlock *model.BadgeUnlock, reward *model.LedgerEntry) (bool, *model.AppendResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.UnlockErr != nil {
		return false, nil, r.s.UnlockErr
	}
	byBadge, ok := r.s.unlocks[unlock.UserID]
	if !ok {
		byBadge = map[string]model.BadgeUnlock{}
		r.s.unlocks[unlock.UserID] = byBadge
	}
	if _, exists := byBadge[unlock.BadgeID]; exists {
		return false, nil, nil
	}
	byBadge[unlock.BadgeID] = *unlock
	if reward == nil {
		return true, nil, nil
	}
	return true, r.s.appendLocked(*reward), nil
}

// ListByUserID は解除記録を解除日時順に返す。
func (r *BadgeRepo) ListByUserID(_ context.Context, userID string) ([]*model.BadgeUnlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.BadgeUnlock
	for _, u := range r.s.unlocks[userID] {
		u := u
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].UnlockedAt.Before(out[j].UnlockedAt)
		}
		return out[i].BadgeID < out[j].BadgeID
	})
	return out, nil
}

// OnboardingRepo はStoreのオンボーディングビュー。
type OnboardingRepo struct{ s *Store }

func copyOnboarding(st *model.OnboardingState) *model.OnboardingState {
	cp := *st
	cp.StepFlags = append([]bool(nil), st.StepFlags...)
	cp.StepPayloads = make(map[string]json.RawMessage, len(st.StepPayloads))
	for k, v := range st.StepPayloads {
		cp.StepPayloads[k] = append(json.RawMessage(nil), v...)
	}
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Ensure は初期状態を冪等に作成する。
func (r *OnboardingRepo) Ensure(_ context.Context, userID string, steps int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.onboarding[userID]; ok {
		return nil
	}
	r.s.onboarding[userID] = &model.OnboardingState{
		UserID:       userID,
		StepFlags:    make([]bool, steps),
		StepPayloads: map[string]json.RawMessage{},
		UpdatedAt:    time.Now().UTC(),
	}
	return nil
}

// Find はオンボーディング状態のコピーを返す。
func (r *OnboardingRepo) Find(_ context.Context, userID string) (*model.OnboardingState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.onboarding[userID]
	if !ok {
		return nil, nil
	}
	return copyOnboarding(st), nil
}

// Advance はロック下でfnを適用し、変更があれば保存する。
func (r *OnboardingRepo) Advance(_ context.Context, userID string, fn repository.OnboardingAdvanceFunc) (*model.OnboardingState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.onboarding[userID]
	if !ok {
		return nil, nil
	}
	working := copyOnboarding(stored)
	changed, err := fn(working)
	if err != nil {
		return nil, err
	}
	if !changed {
		return copyOnboarding(stored), nil
	}
	working.UpdatedAt = time.Now().UTC()
	r.s.onboarding[userID] = working
	return copyOnboarding(working), nil
}

// ProfileRepo はStoreのプロフィールビュー。
type ProfileRepo struct{ s *Store }

// FindByUserID はプロフィールを返す。
func (r *ProfileRepo) FindByUserID(_ context.Context, userID string) (*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// compile-time interface check
var (
	_ repository.LedgerRepository     = (*LedgerRepo)(nil)
	_ repository.ReconcileRepository  = (*LedgerRepo)(nil)
	_ repository.MissionRepository    = (*MissionRepo)(nil)
	_ repository.BadgeRepository      = (*BadgeRepo)(nil)
	_ repository.OnboardingRepository = (*OnboardingRepo)(nil)
	_ repository.ProfileRepository    = (*ProfileRepo)(nil)
)
