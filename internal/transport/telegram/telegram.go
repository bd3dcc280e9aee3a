// Package telegram adapts the Telegram Bot API to the notifier contract.
//
// The adapter is send-only: the board webapp owns all user interaction,
// this process just pushes reminder messages out.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"boardbot/internal/notifier"
	logx "boardbot/pkg/logx"
)

type Config struct {
	Token      string
	APITimeout time.Duration // bounds each Bot API call; 0 means default
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Send delivers one message. Delivery failures come back as a Result code,
// never as a panic; the caller decides what a failure means.
func (a *Adapter) Send(ctx context.Context, msg notifier.Message) notifier.Result {
	if msg.ChatID == 0 || strings.TrimSpace(msg.Text) == "" {
		return notifier.Result{OK: false, Code: notifier.CodeBadRequest}
	}
	if ctx.Err() != nil {
		return notifier.Result{OK: false, Code: notifier.CodeCanceled}
	}

	chat := &tele.Chat{ID: msg.ChatID}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if msg.ReplyTo != 0 {
		opts.ReplyTo = &tele.Message{ID: msg.ReplyTo, Chat: chat}
	}

	_, err := a.bot.Send(chat, msg.Text, opts)
	if err != nil {
		code := failureCode(err)
		a.log.Debug("telegram send failed",
			logx.Int64("chat_id", msg.ChatID), logx.String("code", code), logx.Err(err))
		return notifier.Result{OK: false, Code: code}
	}
	return notifier.Result{OK: true}
}

// failureCode maps a telebot error to a machine-readable failure code.
func failureCode(err error) string {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return notifier.CodeFlood
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return notifier.CodeBlocked
	}
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrKickedFromGroup) ||
		errors.Is(err, tele.ErrKickedFromSuperGroup) || errors.Is(err, tele.ErrNotStartedByUser) {
		return notifier.CodeChatNotFound
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusBadRequest:
			return notifier.CodeBadRequest
		case apiErr.Code == http.StatusForbidden:
			return notifier.CodeBlocked
		default:
			return notifier.CodeAPI
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return notifier.CodeCanceled
	}
	return notifier.CodeNetwork
}
