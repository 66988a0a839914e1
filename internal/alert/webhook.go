package alert

import (
	"context"
	"time"

	httpclient "fundingarb/pkg/http"
)

// WebhookSink posts the raw Event JSON to an arbitrary operator-configured
// endpoint (PagerDuty relay, internal ops bus). No platform formatting; the
// receiver gets exactly the structured event the cycle emitted.
type WebhookSink struct {
	client *httpclient.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{client: httpclient.NewClient(url, 5*time.Second)}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, ev Event) error {
	_, err := w.client.Post(ctx, "", ev)
	return err
}
