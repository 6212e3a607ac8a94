// Package notify delivers security alerts to the review chat.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends a plain-text alert.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop drops alerts. Used when no chat is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Telegram posts alerts to one chat. Messages go out as plain text since
// flag names contain underscores.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects to the Bot API. endpoint may be empty for the
// public API; it takes the "…/bot%s/%s" form otherwise.
func NewTelegram(token string, chatID int64, endpoint string) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat id are required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
