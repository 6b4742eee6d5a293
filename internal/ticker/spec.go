package ticker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind says how a schedule string was interpreted.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed schedule.
type Spec struct {
	Kind   SpecKind
	Cron   string        // SpecCron only
	Every  time.Duration // SpecInterval only
	Source string        // "cron", "duration", "every", "hhmm"
}

// CronSpec renders the spec in the form the cron runner accepts.
func (sp Spec) CronSpec() string {
	if sp.Kind == SpecInterval {
		return "@every " + sp.Every.String()
	}
	return sp.Cron
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts several schedule notations:
//   - a five-field cron spec ("*/5 * * * *"), optionally "cron:"-prefixed
//   - a duration ("90s", "6h"), optionally "interval:"-prefixed
//   - "every <duration>" ("every 6h")
//   - "HH:MM", read as an interval of that length
func ParseSchedule(raw string) (Spec, error) {
	in := strings.TrimSpace(raw)
	if in == "" {
		return Spec{}, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(in, "cron:"); ok {
		return parseCron(rest)
	}
	if rest, ok := strings.CutPrefix(in, "interval:"); ok {
		return parseDuration(rest, "duration")
	}
	if rest, ok := strings.CutPrefix(in, "every "); ok {
		return parseDuration(rest, "every")
	}
	if rest, ok := strings.CutPrefix(in, "@every "); ok {
		return parseDuration(rest, "every")
	}

	if d, err := time.ParseDuration(in); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("schedule interval must be positive, got %q", raw)
		}
		return Spec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	if h, m, err := parseHHMM(in); err == nil {
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return Spec{}, fmt.Errorf("schedule interval must be positive, got %q", raw)
		}
		return Spec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	return parseCron(in)
}

func parseCron(in string) (Spec, error) {
	in = strings.TrimSpace(in)
	if _, err := specParser.Parse(in); err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q: %w", in, err)
	}
	return Spec{Kind: SpecCron, Cron: in, Source: "cron"}, nil
}

func parseDuration(in, source string) (Spec, error) {
	in = strings.TrimSpace(in)
	d, err := time.ParseDuration(in)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule interval %q: %w", in, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("schedule interval must be positive, got %q", in)
	}
	return Spec{Kind: SpecInterval, Every: d, Source: source}, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
