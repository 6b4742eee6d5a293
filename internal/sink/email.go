package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

// EmailConfig configures the SMTP-backed email channel.
type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type emailSender struct {
	addr string
	host string
	auth smtp.Auth
	from string
	log  logx.Logger
}

// NewEmail builds the email sender.
func NewEmail(cfg EmailConfig, log logx.Logger) (Sender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &emailSender{
		addr: net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port)),
		host: cfg.Host,
		auth: auth,
		from: cfg.From,
		log:  log,
	}, nil
}

func (e *emailSender) Name() reminder.Channel { return reminder.ChannelEmail }

func (e *emailSender) Send(ctx context.Context, ev reminder.Event, ct Contact) error {
	to := strings.TrimSpace(ct.Email)
	if to == "" {
		return errors.New("user has no email address on file")
	}

	subject := "Reminder: " + ev.Title
	if ev.Overdue {
		subject = "Overdue: " + ev.Title
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(messageText(ev))
	b.WriteString("\r\n")

	// smtp.SendMail has no context support; watch ctx around the call.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(e.addr, e.auth, e.from, []string{to}, []byte(b.String()))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
