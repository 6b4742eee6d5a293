package sink

import (
	"context"
	"errors"

	tele "gopkg.in/telebot.v4"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

// TelegramConfig configures the push channel.
type TelegramConfig struct {
	Enabled bool
	Token   string
}

// telegramSender delivers push notifications through a Telegram bot. Each
// user's chat ID comes from their contact entry.
type telegramSender struct {
	bot *tele.Bot
	log logx.Logger
}

// NewTelegram builds the push sender. The bot is send-only: no poller, no
// handlers.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (Sender, error) {
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, log: log}, nil
}

func (t *telegramSender) Name() reminder.Channel { return reminder.ChannelPush }

func (t *telegramSender) Send(ctx context.Context, ev reminder.Event, ct Contact) error {
	if ct.TelegramChatID == 0 {
		return errors.New("user has no telegram chat on file")
	}
	// telebot has no context-aware send; watch ctx around the call.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: ct.TelegramChatID}, messageText(ev), &tele.SendOptions{
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
