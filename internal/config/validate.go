package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks everything that can be checked without starting services:
// duration syntax, required channel fields, contact keys. Schedule specs and
// timezones are validated by the ticker when it (re)starts.
func (c *Config) Validate() error {
	if c.Engine.ToleranceMinutes < 0 {
		return fmt.Errorf("engine.tolerance_minutes: must be >= 0")
	}
	if c.Engine.LookAheadHours < 0 {
		return fmt.Errorf("engine.look_ahead_hours: must be >= 0")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers: must be >= 0")
	}
	if _, err := ParseDurationField("engine.deliver_timeout", c.Engine.DeliverTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ticks.tick_timeout", c.Ticks.TickTimeout); err != nil {
		return err
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if _, err := ParseDurationField("sink.retry_base", c.Sink.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("sink.retry_max_delay", c.Sink.RetryMaxDelay); err != nil {
		return err
	}
	for key := range c.Sink.Contacts {
		if _, err := strconv.ParseInt(key, 10, 64); err != nil {
			return fmt.Errorf("sink.contacts: key %q is not a user id", key)
		}
	}
	if t := c.Sink.Telegram; t != nil && t.Enabled && strings.TrimSpace(t.Token) == "" {
		return fmt.Errorf("sink.telegram: token is required when enabled")
	}
	if s := c.Sink.SMS; s != nil && s.Enabled {
		if strings.TrimSpace(s.AccountSID) == "" || strings.TrimSpace(s.AuthToken) == "" || strings.TrimSpace(s.From) == "" {
			return fmt.Errorf("sink.sms: account_sid, auth_token and from are required when enabled")
		}
	}
	if w := c.Sink.Webhook; w != nil && w.Enabled && strings.TrimSpace(w.URL) == "" {
		return fmt.Errorf("sink.webhook: url is required when enabled")
	}
	if e := c.Sink.Email; e != nil && e.Enabled {
		if strings.TrimSpace(e.Host) == "" || strings.TrimSpace(e.From) == "" {
			return fmt.Errorf("sink.email: host and from are required when enabled")
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.write_timeout", c.Ops.WriteTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
