package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/rank"
	"github.com/hitoshi/progression/internal/repository/memstore"
)

type failingBadges struct{ BadgeAdminService }

func (failingBadges) Evaluate(context.Context, string) ([]model.Badge, error) {
	return nil, errors.New("evaluate failed")
}

func newAdminFixture() (*memstore.Store, *ledger.Service, *badge.Engine) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	collector := metrics.NewCollector(prometheus.NewRegistry())
	ledgerSvc := ledger.NewService(store.Ledger(), store.Badges(), notify.Nop{}, collector)
	engine := badge.NewEngine(
		badge.NewCatalog(badge.DefaultFoundingMemberLimit),
		store.Badges(), store.Ledger(), store.Missions(), store.Onboarding(), store.Profiles(),
		notify.Nop{}, collector,
	)
	return store, ledgerSvc, engine
}

func TestAdminServiceAdapter_AdjustIsIdempotent(t *testing.T) {
	store, ledgerSvc, engine := newAdminFixture()
	adapter := NewAdminServiceAdapter(ledgerSvc, engine)
	ctx := context.Background()

	in := AdjustmentInput{Amount: 120, SourceID: "grant-1"}
	first, err := adapter.Adjust(ctx, "user-1", in)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	second, err := adapter.Adjust(ctx, "user-1", in)
	if err != nil {
		t.Fatalf("Adjust replay: %v", err)
	}

	if !first.Accepted || second.Accepted {
		t.Errorf("accepted = %v/%v, want true/false", first.Accepted, second.Accepted)
	}
	if got := store.LedgerSum("user-1"); got != 120 {
		t.Errorf("ledger sum = %d, want 120", got)
	}
	if first.RankID != "apprentice" {
		t.Errorf("rank = %q, want apprentice", first.RankID)
	}
}

func TestAdminServiceAdapter_AdjustUnlocksXPBadge(t *testing.T) {
	store, ledgerSvc, engine := newAdminFixture()
	adapter := NewAdminServiceAdapter(ledgerSvc, engine)

	result, err := adapter.Adjust(context.Background(), "user-1", AdjustmentInput{Amount: 5000, SourceID: "migration"})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}

	found := false
	for _, b := range result.NewBadges {
		if b.ID == "xp_5000" {
			found = true
		}
	}
	if !found {
		t.Fatalf("xp_5000 should unlock: %+v", result.NewBadges)
	}
	if result.TotalXP != store.LedgerSum("user-1") {
		t.Errorf("total = %d, ledger sum = %d", result.TotalXP, store.LedgerSum("user-1"))
	}
}

func TestAdminServiceAdapter_BadgeFailureKeepsAdjustment(t *testing.T) {
	store, ledgerSvc, _ := newAdminFixture()
	adapter := NewAdminServiceAdapter(ledgerSvc, failingBadges{})

	result, err := adapter.Adjust(context.Background(), "user-1", AdjustmentInput{Amount: 10, SourceID: "fix-1"})
	if err != nil {
		t.Fatalf("Adjust should succeed after commit: %v", err)
	}
	if !result.Accepted || store.LedgerSum("user-1") != 10 {
		t.Errorf("result = %+v, sum = %d", result, store.LedgerSum("user-1"))
	}
}

func TestAdminServiceAdapter_AdjustValidation(t *testing.T) {
	_, ledgerSvc, engine := newAdminFixture()
	adapter := NewAdminServiceAdapter(ledgerSvc, engine)

	_, err := adapter.Adjust(context.Background(), "user-1", AdjustmentInput{Amount: 0, SourceID: "fix-1"})
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("VALIDATION_ERROR expected: %v", err)
	}
}
