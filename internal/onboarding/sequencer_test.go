package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/mission"
	"github.com/hitoshi/progression/internal/model"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/rank"
	"github.com/hitoshi/progression/internal/repository/memstore"
	"github.com/hitoshi/progression/internal/security"
)

// mockBadgeEvaluator はBadgeEvaluatorのモック。
type mockBadgeEvaluator struct {
	evaluateFn func(ctx context.Context, userID string) ([]model.Badge, error)
	calls      int
}

func (m *mockBadgeEvaluator) Evaluate(ctx context.Context, userID string) ([]model.Badge, error) {
	m.calls++
	if m.evaluateFn != nil {
		return m.evaluateFn(ctx, userID)
	}
	return nil, nil
}

type countingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *countingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func newTestSequencer(store *memstore.Store, badges BadgeEvaluator, n notify.Notifier) *Sequencer {
	return NewSequencer(
		store.Onboarding(),
		badges,
		security.NewTextSanitizer(),
		n,
		metrics.NewCollector(prometheus.NewRegistry()),
	)
}

func newTestEngine(store *memstore.Store) *badge.Engine {
	return badge.NewEngine(
		badge.NewCatalog(badge.DefaultFoundingMemberLimit),
		store.Badges(),
		store.Ledger(),
		store.Missions(),
		store.Onboarding(),
		store.Profiles(),
		notify.Nop{},
		metrics.NewCollector(prometheus.NewRegistry()),
	)
}

func TestSequencer_CompleteStep_Advances(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})

	res, err := seq.CompleteStep(context.Background(), "user-1", 0, json.RawMessage(`{"watched_seconds":95}`))
	if err != nil {
		t.Fatalf("CompleteStep がエラーを返した: %v", err)
	}
	if !res.Success || res.Replayed || res.NextStep != 1 || res.Completed {
		t.Errorf("result = %+v", res)
	}
	if !res.State.WelcomeVideoWatched || !res.State.StepFlags[0] {
		t.Errorf("ステップ0でwelcome_video_watchedが立つべき: %+v", res.State)
	}
	if string(res.State.StepPayloads[StepWelcomeVideo]) != `{"watched_seconds":95}` {
		t.Errorf("payload = %s", res.State.StepPayloads[StepWelcomeVideo])
	}
}

func TestSequencer_CompleteStep_OutOfRange(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})

	for _, step := range []int{-1, StepCount()} {
		_, err := seq.CompleteStep(context.Background(), "user-1", step, nil)
		if !model.HasCode(err, model.ErrCodeValidation) {
			t.Errorf("step=%d: VALIDATION_ERRORが返るべき: %v", step, err)
		}
	}
	st, _ := store.Onboarding().Find(context.Background(), "user-1")
	if st != nil {
		t.Error("検証エラーでは状態を作成しない")
	}
}

func TestSequencer_CompleteStep_InvalidPayload(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})

	_, err := seq.CompleteStep(context.Background(), "user-1", 0, json.RawMessage(`{"broken"`))
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("VALIDATION_ERRORが返るべき: %v", err)
	}
}

func TestSequencer_CompleteStep_SkipIsRejected(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})
	ctx := context.Background()

	_, err := seq.CompleteStep(ctx, "user-1", 2, nil)
	if !model.HasCode(err, model.ErrCodeOutOfOrder) {
		t.Fatalf("OUT_OF_ORDERが返るべき: %v", err)
	}
	st, err := seq.State(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentStep != 0 {
		t.Errorf("スキップ要求で状態は変わらない: current_step=%d", st.CurrentStep)
	}
}

// 同じステップの再送はcurrent_stepを進めない
func TestSequencer_CompleteStep_ReplayDoesNotAdvance(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})
	ctx := context.Background()

	if _, err := seq.CompleteStep(ctx, "user-1", 0, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	res, err := seq.CompleteStep(ctx, "user-1", 0, json.RawMessage(`{"a":2}`))
	if err != nil {
		t.Fatalf("再送がエラーを返した: %v", err)
	}
	if !res.Success || !res.Replayed || res.NextStep != 1 {
		t.Errorf("result = %+v", res)
	}
	if string(res.State.StepPayloads[StepWelcomeVideo]) != `{"a":1}` {
		t.Errorf("再送でpayloadは上書きしない: %s", res.State.StepPayloads[StepWelcomeVideo])
	}
}

func TestSequencer_CompleteStep_SanitizesPayload(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})
	ctx := context.Background()

	if _, err := seq.CompleteStep(ctx, "user-1", 0, nil); err != nil {
		t.Fatal(err)
	}
	res, err := seq.CompleteStep(ctx, "user-1", 1, json.RawMessage(`{"nickname":"<script>x</script>ken"}`))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(res.State.StepPayloads[StepProfile], &got); err != nil {
		t.Fatal(err)
	}
	if got["nickname"] != "ken" {
		t.Errorf("nickname = %q", got["nickname"])
	}
}

func TestSequencer_CompleteStep_FinalStepLatches(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	badges := &mockBadgeEvaluator{}
	n := &countingNotifier{}
	seq := newTestSequencer(store, badges, n)
	ctx := context.Background()

	for i := 0; i < StepCount()-1; i++ {
		res, err := seq.CompleteStep(ctx, "user-1", i, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Completed {
			t.Fatalf("ステップ%dで完了してはいけない", i)
		}
	}
	if badges.calls != 0 {
		t.Errorf("完了前にバッジ評価は行わない: %d", badges.calls)
	}

	res, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || res.NextStep != StepCount() || res.State.CompletedAt == nil {
		t.Errorf("result = %+v", res)
	}
	if badges.calls != 1 {
		t.Errorf("完了時にバッジを評価する: %d", badges.calls)
	}
	if len(n.events) != 1 || n.events[0].Type != notify.EventOnboardingCompleted {
		t.Errorf("events = %+v", n.events)
	}

	// 再送では完了通知を出さず、バッジ評価は再度行う
	if _, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil); err != nil {
		t.Fatal(err)
	}
	if len(n.events) != 1 {
		t.Errorf("完了通知は1回だけ: %d", len(n.events))
	}
	if badges.calls != 2 {
		t.Errorf("再送でもバッジを評価する: %d", badges.calls)
	}
}

// バッジ評価の失敗は返し、再送で回復できる
func TestSequencer_CompleteStep_BadgeFailureIsRetryable(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	engine := newTestEngine(store)
	fail := true
	seq := newTestSequencer(store, &mockBadgeEvaluator{
		evaluateFn: func(ctx context.Context, userID string) ([]model.Badge, error) {
			if fail {
				return nil, errors.New("db down")
			}
			return engine.Evaluate(ctx, userID)
		},
	}, notify.Nop{})
	ctx := context.Background()

	for i := 0; i < StepCount()-1; i++ {
		if _, err := seq.CompleteStep(ctx, "user-1", i, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil); err == nil {
		t.Fatal("バッジ評価の失敗はエラーとして返るべき")
	}

	fail = false
	res, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil)
	if err != nil {
		t.Fatalf("再送がエラーを返した: %v", err)
	}
	if len(res.NewBadges) != 1 || res.NewBadges[0].ID != badge.IDOnboardingComplete {
		t.Errorf("再送でonboarding_completeが解除されるべき: %v", res.NewBadges)
	}
	if sum := store.LedgerSum("user-1"); sum != 50 {
		t.Errorf("台帳合計 = %d, want 50", sum)
	}
}

// ミッション達成(15XP)の後にオンボーディングを完了すると65XPになり、再送しても変わらない
func TestProgression_WorkedExample(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	engine := newTestEngine(store)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	tracker := mission.NewTracker(store.Missions(), store.Ledger(), engine, security.NewTextSanitizer(), notify.Nop{}, collector)
	seq := NewSequencer(store.Onboarding(), engine, security.NewTextSanitizer(), notify.Nop{}, collector)
	ctx := context.Background()

	m, err := tracker.Create(ctx, "user-1", mission.CreateInput{
		Title: "M1", FrequencyType: model.FrequencyDaily, XPReward: 15,
	})
	if err != nil {
		t.Fatal(err)
	}
	toggled, err := tracker.Toggle(ctx, "user-1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if toggled.TotalXP != 15 {
		t.Fatalf("total_xp = %d, want 15", toggled.TotalXP)
	}

	for i := 0; i < StepCount()-1; i++ {
		if _, err := seq.CompleteStep(ctx, "user-1", i, nil); err != nil {
			t.Fatal(err)
		}
	}
	final, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !final.Completed || len(final.NewBadges) != 1 || final.NewBadges[0].ID != badge.IDOnboardingComplete {
		t.Errorf("final = %+v", final)
	}
	if sum := store.LedgerSum("user-1"); sum != 65 {
		t.Errorf("total_xp = %d, want 65", sum)
	}

	replay, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Success || !replay.Completed || len(replay.NewBadges) != 0 {
		t.Errorf("replay = %+v", replay)
	}
	if sum := store.LedgerSum("user-1"); sum != 65 {
		t.Errorf("再送後のtotal_xp = %d, want 65", sum)
	}
	agg, _ := store.Ledger().FindAggregate(ctx, "user-1")
	if agg == nil || agg.TotalXP != 65 {
		t.Errorf("集計行 = %+v", agg)
	}
}

// 同じステップを同時に送っても1回だけ進む
func TestSequencer_CompleteStep_ConcurrentRetries(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	engine := newTestEngine(store)
	seq := newTestSequencer(store, engine, notify.Nop{})
	ctx := context.Background()

	for i := 0; i < StepCount()-1; i++ {
		if _, err := seq.CompleteStep(ctx, "user-1", i, nil); err != nil {
			t.Fatal(err)
		}
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	advanced, unlocked := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := seq.CompleteStep(ctx, "user-1", StepCount()-1, nil)
			if err != nil {
				t.Errorf("CompleteStep がエラーを返した: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !res.Replayed {
				advanced++
			}
			unlocked += len(res.NewBadges)
		}()
	}
	wg.Wait()

	if advanced != 1 {
		t.Errorf("進めた要求 = %d, want 1", advanced)
	}
	if unlocked != 1 {
		t.Errorf("解除されたバッジ = %d, want 1", unlocked)
	}
	st, _ := seq.State(ctx, "user-1")
	if st.CurrentStep != StepCount() || !st.OnboardingCompleted {
		t.Errorf("state = %+v", st)
	}
	if sum := store.LedgerSum("user-1"); sum != 50 {
		t.Errorf("台帳合計 = %d, want 50", sum)
	}
}

func TestSequencer_State_Default(t *testing.T) {
	store := memstore.New(rank.Evaluator{}, rank.Lowest())
	seq := newTestSequencer(store, &mockBadgeEvaluator{}, notify.Nop{})

	st, err := seq.State(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("State がエラーを返した: %v", err)
	}
	if st.CurrentStep != 0 || st.OnboardingCompleted || len(st.StepFlags) != StepCount() {
		t.Errorf("state = %+v", st)
	}
}
