package app

import (
	"strings"
	"testing"
	"time"

	"remindd/internal/config"
	logx "remindd/pkg/logx"
)

func TestMapEngineConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.ToleranceMinutes = 5
	cfg.Engine.LookAheadHours = 2
	cfg.Engine.DeliverTimeout = "3s"
	cfg.Ticks.Overdue = "every 12h"

	got, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if got.Tolerance != 5*time.Minute || got.LookAhead != 2*time.Hour || got.DeliverTimeout != 3*time.Second {
		t.Fatalf("engine config = %+v", got)
	}
	if got.OverdueRepeat != 12*time.Hour {
		t.Fatalf("OverdueRepeat = %v, want 12h", got.OverdueRepeat)
	}

	// A cron overdue schedule has no fixed interval; fall back to 6h.
	cfg.Ticks.Overdue = "0 */4 * * *"
	got, err = mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if got.OverdueRepeat != 6*time.Hour {
		t.Fatalf("OverdueRepeat = %v, want 6h fallback", got.OverdueRepeat)
	}

	cfg.Engine.DeliverTimeout = "soon"
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatal("expected bad deliver_timeout to be rejected")
	}
}

func TestMapSinkConfigContacts(t *testing.T) {
	sc := config.SinkConfig{
		Enabled: true,
		Contacts: map[string]config.ContactConfig{
			"10": {TelegramChatID: 77, Email: "dana@example.com"},
		},
	}
	got, err := mapSinkConfig(sc)
	if err != nil {
		t.Fatalf("mapSinkConfig: %v", err)
	}
	ct, ok := got.Contacts[10]
	if !ok || ct.TelegramChatID != 77 || ct.Email != "dana@example.com" {
		t.Fatalf("contacts = %+v", got.Contacts)
	}

	sc.Contacts["dana"] = config.ContactConfig{}
	if _, err := mapSinkConfig(sc); err == nil || !strings.Contains(err.Error(), "not a user id") {
		t.Fatalf("err = %v, want user id rejection", err)
	}
}

func TestMapTicksConfig(t *testing.T) {
	got, err := mapTicksConfig(config.TicksConfig{Enabled: true})
	if err != nil {
		t.Fatalf("mapTicksConfig: %v", err)
	}
	if got.Due != "1m" || got.Overdue != "every 6h" {
		t.Fatalf("defaults = %+v", got)
	}

	if _, err := mapTicksConfig(config.TicksConfig{Due: "not-a-schedule ever"}); err == nil {
		t.Fatal("expected bad due schedule to be rejected")
	}
	if _, err := mapTicksConfig(config.TicksConfig{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatal("expected bad timezone to be rejected")
	}
}

func TestBuildSenders(t *testing.T) {
	sc := config.SinkConfig{
		Webhook: &config.WebhookSinkConfig{Enabled: true, URL: "http://127.0.0.1:9/hook"},
		Email:   &config.EmailSinkConfig{Enabled: true, Host: "smtp.example.com", From: "r@example.com"},
	}
	senders, err := buildSenders(sc, logx.Nop())
	if err != nil {
		t.Fatalf("buildSenders: %v", err)
	}
	if len(senders) != 2 {
		t.Fatalf("got %d senders, want 2", len(senders))
	}

	sc.Webhook.URL = ""
	if _, err := buildSenders(sc, logx.Nop()); err == nil {
		t.Fatal("expected webhook without url to fail")
	}
}
