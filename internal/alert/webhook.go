package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSink posts alerts as JSON to a generic HTTP endpoint, for
// ticketing systems and custom receivers.
type WebhookSink struct {
	url    string
	client *resty.Client
}

// NewWebhookSink creates a webhook sink with a bounded request timeout
// and one retry for transient failures.
func NewWebhookSink(url string) *WebhookSink {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)
	return &WebhookSink{url: url, client: client}
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

func (w *WebhookSink) Send(ctx context.Context, severity, message string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{
			Severity:  severity,
			Message:   message,
			Timestamp: time.Now().UTC(),
			Source:    "synapse",
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook: unexpected status %s", resp.Status())
	}
	return nil
}
