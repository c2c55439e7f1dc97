package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockPublisher は受け取ったイベントを記録するテスト用Publisher。
type mockPublisher struct {
	mu     sync.Mutex
	name   string
	err    error
	events []Event
}

func (m *mockPublisher) Name() string { return m.name }

func (m *mockPublisher) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

type mockFailures struct {
	mu       sync.Mutex
	channels []string
}

func (m *mockFailures) RecordNotifyFailure(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestDispatcher_SendsToAllPublishers(t *testing.T) {
	redisPub := &mockPublisher{name: "redis"}
	webhookPub := &mockPublisher{name: "webhook"}
	var buf bytes.Buffer
	d := NewDispatcher([]Publisher{redisPub, webhookPub}, time.Second, &mockFailures{}, newTestLogger(&buf))

	d.Notify(context.Background(), Event{Type: EventBadgeUnlocked, UserID: "user-1", BadgeID: "onboarding_complete"})
	d.Wait()

	for _, p := range []*mockPublisher{redisPub, webhookPub} {
		if len(p.events) != 1 {
			t.Fatalf("%s: events = %d, want 1", p.name, len(p.events))
		}
		if p.events[0].OccurredAt.IsZero() {
			t.Errorf("%s: OccurredAtが設定されていない", p.name)
		}
	}
}

// 送信失敗はメトリクスとログに残るだけで、他のチャネルへの送信は続く
func TestDispatcher_FailureIsLoggedAndRecorded(t *testing.T) {
	failing := &mockPublisher{name: "redis", err: errors.New("connection refused")}
	ok := &mockPublisher{name: "webhook"}
	failures := &mockFailures{}
	var buf bytes.Buffer
	d := NewDispatcher([]Publisher{failing, ok}, time.Second, failures, newTestLogger(&buf))

	d.Notify(context.Background(), Event{Type: EventRankUp, UserID: "user-1", RankID: "apprentice"})
	d.Wait()

	if len(failures.channels) != 1 || failures.channels[0] != "redis" {
		t.Errorf("failures = %v", failures.channels)
	}
	if len(ok.events) != 1 {
		t.Error("失敗したチャネル以外には送信されるべき")
	}
	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("エラーがログに記録されていない: %s", buf.String())
	}
}

// リクエストのコンテキストがキャンセルされても送信は続く
func TestDispatcher_DetachedFromRequestCancel(t *testing.T) {
	pub := &mockPublisher{name: "redis"}
	var buf bytes.Buffer
	d := NewDispatcher([]Publisher{pub}, time.Second, &mockFailures{}, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, Event{Type: EventOnboardingCompleted, UserID: "user-1"})
	d.Wait()

	if len(pub.events) != 1 {
		t.Errorf("events = %d, want 1", len(pub.events))
	}
}

func TestDispatcher_NoPublishers(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(nil, time.Second, &mockFailures{}, newTestLogger(&buf))
	d.Notify(context.Background(), Event{Type: EventRankUp})
	d.Wait()
}

// fakeRedis はPublishの引数を記録するテスト用RedisClient。
type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	p := NewRedisPublisher(fake, "progression.events")

	event := Event{Type: EventBadgeUnlocked, UserID: "user-1", BadgeID: "founding_member"}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if fake.channel != "progression.events" {
		t.Errorf("channel = %q", fake.channel)
	}
	var got Event
	if err := json.Unmarshal(fake.payload, &got); err != nil {
		t.Fatalf("payloadが不正なJSON: %v", err)
	}
	if got.BadgeID != "founding_member" || got.Type != EventBadgeUnlocked {
		t.Errorf("payload = %+v", got)
	}
}

func TestRedisPublisher_PropagatesError(t *testing.T) {
	p := NewRedisPublisher(&fakeRedis{err: errors.New("READONLY")}, "progression.events")
	if err := p.Publish(context.Background(), Event{Type: EventRankUp}); err == nil {
		t.Fatal("エラーが返るべき")
	}
}

func TestWebhookPublisher_PostsJSON(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	p := NewWebhookPublisher(ts.Client(), ts.URL)
	if err := p.Publish(context.Background(), Event{Type: EventRankUp, UserID: "user-1", RankID: "athlete"}); err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if !strings.Contains(string(gotBody), `"rank_id":"athlete"`) {
		t.Errorf("body = %s", gotBody)
	}
}

func TestWebhookPublisher_Non2xxIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p := NewWebhookPublisher(ts.Client(), ts.URL)
	if err := p.Publish(context.Background(), Event{Type: EventRankUp}); err == nil {
		t.Fatal("502はエラーになるべき")
	}
}
