package alert

import (
	"context"
	"fmt"
	"time"

	httpclient "fundingarb/pkg/http"
)

// SlackSink posts events to a Slack incoming-webhook URL as a single colored
// attachment per event.
type SlackSink struct {
	client *httpclient.Client
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{client: httpclient.NewClient(webhookURL, 5*time.Second)}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, ev Event) error {
	color := "#36a64f"
	switch ev.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range ev.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", ev.Level, ev.Title),
				"text":    ev.Message,
				"fields":  fields,
				"ts":      ev.Timestamp.Unix(),
				"footer":  "fundingarb",
			},
		},
	}

	_, err := s.client.Post(ctx, "", payload)
	return err
}
