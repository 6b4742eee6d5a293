package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

// WebhookConfig configures the web channel: one endpoint (the companion web
// app) that receives the structured event as JSON.
type WebhookConfig struct {
	Enabled bool
	URL     string
	// Secret, when set, signs each request body (X-Remindd-Signature,
	// hex HMAC-SHA256).
	Secret string
}

type webhookSender struct {
	url    string
	secret string
	client *http.Client
	log    logx.Logger
}

// NewWebhook builds the web sender.
func NewWebhook(cfg WebhookConfig, log logx.Logger) (Sender, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is not configured")
	}
	return &webhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}, nil
}

func (w *webhookSender) Name() reminder.Channel { return reminder.ChannelWeb }

// webhookPayload is the wire form of a delivery. Meta passes through as raw
// JSON when it parses, as a string otherwise.
type webhookPayload struct {
	EventID    string          `json:"event_id"`
	ReminderID int64           `json:"reminder_id"`
	UserID     int64           `json:"user_id"`
	Title      string          `json:"title"`
	Occurrence time.Time       `json:"occurrence"`
	FireAt     time.Time       `json:"fire_at"`
	Overdue    bool            `json:"overdue"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

func (w *webhookSender) Send(ctx context.Context, ev reminder.Event, _ Contact) error {
	p := webhookPayload{
		EventID:    ev.ID,
		ReminderID: ev.ReminderID,
		UserID:     ev.UserID,
		Title:      ev.Title,
		Occurrence: ev.Occurrence,
		FireAt:     ev.FireAt,
		Overdue:    ev.Overdue,
	}
	if json.Valid(ev.Meta) {
		p.Meta = ev.Meta
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		req.Header.Set("X-Remindd-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
