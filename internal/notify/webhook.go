package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/khanghh/kguard/model"
)

type WebhookPayload struct {
	Alert     *model.SecurityAlert `json:"alert"`
	EventType string               `json:"event_type"`
	Timestamp time.Time            `json:"timestamp"`
	Source    string               `json:"source"`
}

// WebhookNotifier posts alerts as JSON to a generic webhook endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func (n *WebhookNotifier) Name() string {
	return "webhook"
}

func (n *WebhookNotifier) Deliver(ctx context.Context, alert *model.SecurityAlert) error {
	body, err := json.Marshal(WebhookPayload{
		Alert:     alert,
		EventType: "security_alert",
		Timestamp: time.Now(),
		Source:    "kguard",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return &WebhookNotifier{
		url:     url,
		headers: copied,
		client:  &http.Client{Timeout: timeout},
	}
}
