package alert

import (
	"context"
	"fmt"
	"time"

	httpclient "fundingarb/pkg/http"
)

// TelegramSink delivers events to a chat via the Telegram bot API.
type TelegramSink struct {
	client *httpclient.Client
	token  string
	chatID string
}

func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		client: httpclient.NewClient("https://api.telegram.org", 5*time.Second),
		token:  botToken,
		chatID: chatID,
	}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, ev Event) error {
	if t.token == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch ev.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, ev.Level, ev.Title, ev.Message)
	for k, v := range ev.Fields {
		text += fmt.Sprintf("\n- *%s*: %s", k, v)
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	_, err := t.client.Post(ctx, fmt.Sprintf("/bot%s/sendMessage", t.token), payload)
	return err
}
