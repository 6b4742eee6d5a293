package app

import (
	"fmt"
	"strconv"
	"time"

	"remindd/internal/config"
	"remindd/internal/engine"
	"remindd/internal/observability/ops"
	"remindd/internal/sink"
	"remindd/internal/storage"
	"remindd/internal/ticker"
	logx "remindd/pkg/logx"
)

// The mapping layer keeps the on-disk schema (strings, human durations)
// out of the service packages, which take parsed values only.

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, nil
}

// mapEngineConfig derives the coordinator tuning. The overdue repeat
// horizon follows the overdue cadence: a reminder surfaced by one pass
// stays quiet until the next one.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	deliver, err := config.ParseDurationField("engine.deliver_timeout", cfg.Engine.DeliverTimeout)
	if err != nil {
		return engine.Config{}, err
	}

	repeat := 6 * time.Hour
	if sp, err := ticker.ParseSchedule(trimOr(cfg.Ticks.Overdue, ticker.DefaultOverdue)); err == nil && sp.Kind == ticker.SpecInterval {
		repeat = sp.Every
	}

	return engine.Config{
		Tolerance:      time.Duration(cfg.Engine.ToleranceMinutes) * time.Minute,
		LookAhead:      time.Duration(cfg.Engine.LookAheadHours) * time.Hour,
		Workers:        cfg.Engine.Workers,
		DeliverTimeout: deliver,
		OverdueRepeat:  repeat,
	}, nil
}

func mapSinkConfig(sc config.SinkConfig) (sink.Config, error) {
	retryBase, err := config.ParseDurationField("sink.retry_base", sc.RetryBase)
	if err != nil {
		return sink.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("sink.retry_max_delay", sc.RetryMaxDelay)
	if err != nil {
		return sink.Config{}, err
	}

	contacts := make(map[int64]sink.Contact, len(sc.Contacts))
	for key, ct := range sc.Contacts {
		uid, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return sink.Config{}, fmt.Errorf("sink.contacts: key %q is not a user id", key)
		}
		contacts[uid] = sink.Contact{
			TelegramChatID: ct.TelegramChatID,
			Phone:          ct.Phone,
			Email:          ct.Email,
		}
	}

	return sink.Config{
		Enabled:       sc.Enabled,
		Workers:       sc.Workers,
		QueueSize:     sc.QueueSize,
		RatePerSec:    sc.RatePerSec,
		RetryMax:      sc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		Contacts:      contacts,
	}, nil
}

// buildSenders constructs one sender per enabled channel section. A
// section that is absent or disabled simply isn't routed.
func buildSenders(sc config.SinkConfig, log logx.Logger) ([]sink.Sender, error) {
	var senders []sink.Sender

	if t := sc.Telegram; t != nil && t.Enabled {
		s, err := sink.NewTelegram(sink.TelegramConfig{Enabled: true, Token: t.Token}, log)
		if err != nil {
			return nil, fmt.Errorf("sink.telegram: %w", err)
		}
		senders = append(senders, s)
	}
	if s := sc.SMS; s != nil && s.Enabled {
		snd, err := sink.NewSMS(sink.SMSConfig{
			Enabled:    true,
			AccountSID: s.AccountSID,
			AuthToken:  s.AuthToken,
			From:       s.From,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("sink.sms: %w", err)
		}
		senders = append(senders, snd)
	}
	if w := sc.Webhook; w != nil && w.Enabled {
		snd, err := sink.NewWebhook(sink.WebhookConfig{
			Enabled: true,
			URL:     w.URL,
			Secret:  w.Secret,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("sink.webhook: %w", err)
		}
		senders = append(senders, snd)
	}
	if e := sc.Email; e != nil && e.Enabled {
		snd, err := sink.NewEmail(sink.EmailConfig{
			Enabled:  true,
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("sink.email: %w", err)
		}
		senders = append(senders, snd)
	}

	return senders, nil
}

func mapTicksConfig(tc config.TicksConfig) (ticker.Config, error) {
	due := trimOr(tc.Due, ticker.DefaultDue)
	overdue := trimOr(tc.Overdue, ticker.DefaultOverdue)
	if _, err := ticker.ParseSchedule(due); err != nil {
		return ticker.Config{}, fmt.Errorf("ticks.due: %w", err)
	}
	if _, err := ticker.ParseSchedule(overdue); err != nil {
		return ticker.Config{}, fmt.Errorf("ticks.overdue: %w", err)
	}
	if tz := trimOr(tc.Timezone, ""); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return ticker.Config{}, fmt.Errorf("ticks.timezone: invalid %q: %w", tz, err)
		}
	}
	timeout, err := config.ParseDurationField("ticks.tick_timeout", tc.TickTimeout)
	if err != nil {
		return ticker.Config{}, err
	}

	return ticker.Config{
		Enabled:     tc.Enabled,
		Due:         due,
		Overdue:     overdue,
		Timezone:    tc.Timezone,
		TickTimeout: timeout,
		HistorySize: tc.HistorySize,
	}, nil
}

func mapOpsConfig(oc config.OpsConfig) (ops.Config, error) {
	read, err := config.ParseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}

	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
