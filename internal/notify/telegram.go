// Package notify delivers operator alerts (crash loops, exhausted sessions)
// to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint. Empty means api.telegram.org.
	APIURL  string
	Timeout time.Duration // default 10s
}

// Telegram sends plain-text alerts to one chat (and optional forum topic).
// It implements logx.AlertSender.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline skips the getMe round trip; the bot only ever sends.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt:  &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, t.opt)
	return err
}
