package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookPublisher はイベントをJSONでWebhookにPOSTする。
// 本番ではsecurity.OutboundGuardが生成するSSRF防止付きクライアントを渡す。
type WebhookPublisher struct {
	client *http.Client
	url    string
}

// NewWebhookPublisher はWebhookPublisherを生成する。
func NewWebhookPublisher(client *http.Client, url string) *WebhookPublisher {
	return &WebhookPublisher{client: client, url: url}
}

// Name はチャネル名を返す。
func (p *WebhookPublisher) Name() string { return "webhook" }

// Publish はイベントを送信する。2xx以外はエラーとする。
func (p *WebhookPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "progression-notifier/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Publisher = (*WebhookPublisher)(nil)
