package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.tolerance_minutes", newCfg.Engine.ToleranceMinutes),
			logx.Int("engine.look_ahead_hours", newCfg.Engine.LookAheadHours),
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.deliver_timeout", strings.TrimSpace(newCfg.Engine.DeliverTimeout)),
		)
	}

	if oldCfg.Ticks != newCfg.Ticks {
		changed = append(changed, "ticks")
		attrs = append(attrs,
			logx.Bool("ticks.enabled", newCfg.Ticks.Enabled),
			logx.String("ticks.due", strings.TrimSpace(newCfg.Ticks.Due)),
			logx.String("ticks.overdue", strings.TrimSpace(newCfg.Ticks.Overdue)),
			logx.String("ticks.timezone", strings.TrimSpace(newCfg.Ticks.Timezone)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Sink holds tokens and addresses; compare deeply, log only shape.
	if !reflect.DeepEqual(oldCfg.Sink, newCfg.Sink) {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.Bool("sink.enabled", newCfg.Sink.Enabled),
			logx.Int("sink.workers", newCfg.Sink.Workers),
			logx.Int("sink.contact_count", len(newCfg.Sink.Contacts)),
			logx.Bool("sink.telegram", newCfg.Sink.Telegram != nil && newCfg.Sink.Telegram.Enabled),
			logx.Bool("sink.sms", newCfg.Sink.SMS != nil && newCfg.Sink.SMS.Enabled),
			logx.Bool("sink.webhook", newCfg.Sink.Webhook != nil && newCfg.Sink.Webhook.Enabled),
			logx.Bool("sink.email", newCfg.Sink.Email != nil && newCfg.Sink.Email.Enabled),
		)
	}

	// Ops (never log the token itself).
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
