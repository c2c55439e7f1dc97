package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/mission"
	"github.com/hitoshi/progression/internal/model"
)

func TestProgressHandler_GetProgress(t *testing.T) {
	missions := &mockMissionService{
		listFn: func(ctx context.Context, userID string) ([]mission.View, error) {
			return []mission.View{
				{Mission: sampleMission(), Completed: true, PeriodKey: "2026-10-16"},
			}, nil
		},
	}
	next := model.Rank{ID: "athlete", Title: "Athlete", Order: 3}
	progress := &mockProgressService{
		summaryFn: func(ctx context.Context, userID string) (*ledger.Summary, error) {
			return &ledger.Summary{
				UserID:       userID,
				TotalXP:      165,
				Rank:         model.Rank{ID: "apprentice", Title: "Apprentice", Order: 2},
				NextRank:     &next,
				XPToNext:     335,
				BadgesToNext: 1,
			}, nil
		},
	}
	h := NewProgressHandler(missions, progress, &mockBadgeService{})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/progress", nil), "user-123")
	w := httptest.NewRecorder()
	h.GetProgress(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp progressResponse
	decodeBody(t, w, &resp)
	if resp.TotalXP != 165 || resp.Rank.ID != "apprentice" || resp.XPToNext != 335 || resp.BadgesToNext != 1 {
		t.Errorf("summary = %+v", resp.summaryResponse)
	}
	if resp.NextRank == nil || resp.NextRank.ID != "athlete" {
		t.Errorf("next_rank = %+v", resp.NextRank)
	}
	if len(resp.Missions) != 1 || resp.Missions[0].Status != "completed" || resp.Missions[0].PeriodKey != "2026-10-16" {
		t.Errorf("missions = %+v", resp.Missions)
	}
}

func TestProgressHandler_GetProgress_ServiceError(t *testing.T) {
	h := NewProgressHandler(&mockMissionService{
		listFn: func(ctx context.Context, userID string) ([]mission.View, error) {
			return nil, errors.New("db down")
		},
	}, &mockProgressService{}, &mockBadgeService{})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/progress", nil), "user-123")
	w := httptest.NewRecorder()
	h.GetProgress(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestProgressHandler_ListBadges(t *testing.T) {
	unlockedAt := time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC)
	h := NewProgressHandler(&mockMissionService{}, &mockProgressService{}, &mockBadgeService{
		listFn: func(ctx context.Context, userID string) ([]badge.UnlockedBadge, error) {
			return []badge.UnlockedBadge{
				{Badge: model.Badge{ID: "onboarding_complete", Title: "ようこそ", Rarity: model.RarityCommon, XPReward: 50}, UnlockedAt: unlockedAt},
			}, nil
		},
	})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/badges", nil), "user-123")
	w := httptest.NewRecorder()
	h.ListBadges(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Badges []unlockedBadgeResponse `json:"badges"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Badges) != 1 {
		t.Fatalf("badges = %+v", resp.Badges)
	}
	if resp.Badges[0].ID != "onboarding_complete" || !resp.Badges[0].UnlockedAt.Equal(unlockedAt) {
		t.Errorf("badge = %+v", resp.Badges[0])
	}
}
