package sink

import (
	"context"
	"errors"
	"strings"

	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

// SMSConfig configures the Twilio-backed sms channel.
type SMSConfig struct {
	Enabled    bool
	AccountSID string
	AuthToken  string
	From       string
}

type smsSender struct {
	client *twilio.RestClient
	from   string
	log    logx.Logger
}

// NewSMS builds the sms sender.
func NewSMS(cfg SMSConfig, log logx.Logger) (Sender, error) {
	from := normalizePhone(cfg.From)
	if from == "" {
		return nil, errors.New("sms sender number is not configured")
	}
	return &smsSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		from: from,
		log:  log,
	}, nil
}

func (s *smsSender) Name() reminder.Channel { return reminder.ChannelSMS }

func (s *smsSender) Send(ctx context.Context, ev reminder.Event, ct Contact) error {
	to := normalizePhone(ct.Phone)
	if to == "" {
		return errors.New("user has no phone number on file")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(messageText(ev))

	// The Twilio client has no context-aware call; watch ctx around it.
	done := make(chan error, 1)
	go func() {
		_, err := s.client.Api.CreateMessage(params)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizePhone(number string) string {
	n := strings.TrimSpace(number)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "+") {
		return n
	}
	return "+" + n
}
