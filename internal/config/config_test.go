package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
engine:
  tolerance_minutes: 5
  look_ahead_hours: 1
  workers: 4
ticks:
  enabled: true
  due: "1m"
  overdue: "every 6h"
  timezone: "UTC"
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: ./remindd.log
storage:
  driver: sqlite
  path: ./remindd.db
  busy_timeout: "2s"
sink:
  enabled: true
  workers: 2
  retry_max: 3
  retry_base: "500ms"
  contacts:
    "10":
      telegram_chat_id: 12345
      email: dana@example.com
  telegram:
    enabled: true
    token: "test-token"
  webhook:
    enabled: true
    url: "http://127.0.0.1:8080/hooks/remindd"
ops:
  enabled: true
  addr: "127.0.0.1:8722"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "remindd.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.ToleranceMinutes != 5 || cfg.Engine.LookAheadHours != 1 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Ticks.Due != "1m" || cfg.Ticks.Overdue != "every 6h" {
		t.Fatalf("ticks = %+v", cfg.Ticks)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	ct, ok := cfg.Sink.Contacts["10"]
	if !ok || ct.TelegramChatID != 12345 || ct.Email != "dana@example.com" {
		t.Fatalf("contacts = %+v", cfg.Sink.Contacts)
	}
	if cfg.Sink.Telegram == nil || !cfg.Sink.Telegram.Enabled {
		t.Fatalf("telegram = %+v", cfg.Sink.Telegram)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "remindd.yaml", sampleYAML+"\nextras:\n  oops: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown top-level key to be rejected")
	}

	m = NewConfigManager(writeConfig(t, "typo.yaml", strings.Replace(sampleYAML, "tolerance_minutes", "tolerance_mins", 1)))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected misspelled key to be rejected")
	}
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		m := NewConfigManager(writeConfig(t, "remindd.yaml", sampleYAML))
		cfg, err := m.Parse()
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"negative tolerance", func(c *Config) { c.Engine.ToleranceMinutes = -1 }, "tolerance_minutes"},
		{"bad duration", func(c *Config) { c.Engine.DeliverTimeout = "fast" }, "deliver_timeout"},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"bad contact key", func(c *Config) { c.Sink.Contacts["dana"] = ContactConfig{} }, "not a user id"},
		{"telegram without token", func(c *Config) { c.Sink.Telegram.Token = " " }, "token is required"},
		{"webhook without url", func(c *Config) { c.Sink.Webhook.URL = "" }, "url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mut(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "remindd.yaml", sampleYAML))
	oldCfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	newCfg, _ := m.Parse()
	newCfg.Ticks.Overdue = "every 12h"
	newCfg.Logging.Level = "info"

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "ticks" {
		t.Fatalf("changed = %v", changed)
	}

	if changed, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("no-op change reported %v", changed)
	}
}
