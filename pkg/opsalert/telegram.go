// Package opsalert pushes operational alerts (reversals, guard failures) to an
// operator Telegram chat.
package opsalert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegram caps messages at 4096 characters.
const maxMessageLength = 4000

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter sends plain-text alerts to a single chat.
type TelegramAlerter struct {
	sender messageSender
	chatID int64
}

// NewTelegramAlerter authorizes the bot token and targets chatID.
func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	if strings.TrimSpace(token) == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram alerter requires a bot token and chat id")
	}
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=opsalert msg=\"telegram bot authorized\" bot=%s chat_id=%d", bot.Self.UserName, chatID)
	return &TelegramAlerter{sender: bot, chatID: chatID}, nil
}

// Alert sends text to the operator chat. Failures are returned for logging only.
func (a *TelegramAlerter) Alert(ctx context.Context, text string) error {
	if a == nil || a.sender == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	text = truncateMessage(text, maxMessageLength)

	msg := tgbotapi.NewMessage(a.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := a.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// truncateMessage cuts text to limit characters on a rune boundary.
func truncateMessage(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "\n…"
}

// LogAlerter writes alerts to the process log when Telegram is not configured.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, text string) error {
	log.Printf("level=warn component=opsalert mode=log alert=%q", text)
	return nil
}
