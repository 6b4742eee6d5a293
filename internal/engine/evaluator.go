package engine

import (
	"fmt"
	"sort"
	"time"

	"remindd/internal/reminder"
)

// DefaultTolerance is the width of the firing window: once a reminder's
// notify time is reached, it stays "due now" for this long.
const DefaultTolerance = 5 * time.Minute

// maxProjectionSteps bounds recurrence projection loops so a pathological
// rule (or a far-future look-ahead against a tiny interval) cannot spin.
const maxProjectionSteps = 4096

// Evaluator decides whether a reminder should fire at a given instant.
// It is a pure function of (reminder, now): no I/O, no mutation.
type Evaluator struct {
	// Tolerance overrides DefaultTolerance when > 0.
	Tolerance time.Duration
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Fire bool
	// Occurrence is the projected occurrence the decision refers to
	// (zero when the series is exhausted or the reminder is suppressed).
	Occurrence time.Time
	// NotifyAt is when the firing window for Occurrence opens.
	NotifyAt time.Time
}

func (ev Evaluator) tolerance() time.Duration {
	if ev.Tolerance > 0 {
		return ev.Tolerance
	}
	return DefaultTolerance
}

// ShouldFire reports whether a notification for r should be emitted at now.
//
// The window test is half-open: fire iff now in [notifyAt, notifyAt+tol)
// where notifyAt = occurrence - MinutesBefore. For recurring reminders the
// occurrence is first projected forward from ScheduledAt; the same window
// test then applies to the projected occurrence.
//
// Suppression (completed, inactive, notifications disabled, no usable
// channel) returns Fire=false with a nil error. A rule the projector cannot
// interpret returns a non-nil error so the caller can isolate the record.
func (ev Evaluator) ShouldFire(r reminder.Reminder, now time.Time) (Decision, error) {
	if r.Completed || !r.Active || !r.Notify.Enabled {
		return Decision{}, nil
	}
	if !hasKnownChannel(r.Notify.Channels) {
		return Decision{}, nil
	}
	if r.Notify.MinutesBefore < 0 {
		return Decision{}, fmt.Errorf("reminder %d: negative notify lead (%d minutes)", r.ID, r.Notify.MinutesBefore)
	}

	tol := ev.tolerance()
	lead := time.Duration(r.Notify.MinutesBefore) * time.Minute

	// fire iff occurrence in (now+lead-tol, now+lead]; project to the
	// earliest occurrence strictly after the lower bound and test the
	// upper bound against it.
	lower := now.Add(lead - tol)
	occ, ok, err := nextOccurrence(r, lower)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{}, nil
	}

	notifyAt := occ.Add(-lead)
	d := Decision{Occurrence: occ, NotifyAt: notifyAt}
	d.Fire = !now.Before(notifyAt) && now.Before(notifyAt.Add(tol))
	return d, nil
}

// Overdue reports whether r is past due without a remaining chance to
// fire: a non-recurring, uncompleted, active reminder whose scheduled
// time has passed. Overdue reminders are surfaced by the slow pass, never
// by the firing window.
func (ev Evaluator) Overdue(r reminder.Reminder, now time.Time) bool {
	if r.Completed || !r.Active {
		return false
	}
	if r.Recurrence.Frequency != reminder.Once && r.Recurrence.Frequency != "" {
		return false
	}
	return r.ScheduledAt.Before(now)
}

func hasKnownChannel(cs []reminder.Channel) bool {
	for _, c := range cs {
		if reminder.KnownChannel(c) {
			return true
		}
	}
	return false
}

// nextOccurrence returns the earliest occurrence of r strictly after
// "after", honoring the recurrence bounds (EndDate, MaxOccurrences).
// ok=false means the series has no occurrence past that point.
func nextOccurrence(r reminder.Reminder, after time.Time) (time.Time, bool, error) {
	rec := r.Recurrence
	sched := r.ScheduledAt

	freq := rec.Frequency
	if freq == "" {
		freq = reminder.Once
	}

	if freq == reminder.Once {
		if sched.After(after) && withinEnd(rec, sched) {
			return sched, true, nil
		}
		return time.Time{}, false, nil
	}

	step, err := stepFor(r.ID, rec)
	if err != nil {
		return time.Time{}, false, err
	}

	// Bounded-count series are cheapest to walk from the start: the walk
	// is capped by MaxOccurrences itself and the count stays exact.
	if rec.MaxOccurrences > 0 {
		return walkSeries(rec, sched, after, step)
	}
	return skipSeries(rec, sched, after, step)
}

// seriesStep describes how to advance one occurrence.
type seriesStep struct {
	days   int            // daily/custom: calendar days per step
	weeks  int            // weekly: calendar weeks per step
	months int            // monthly: calendar months per step
	set    []time.Weekday // weekly only; sorted, may be empty
}

func stepFor(id int64, rec reminder.Recurrence) (seriesStep, error) {
	interval := rec.Interval
	if interval <= 0 {
		interval = 1
	}
	switch rec.Frequency {
	case reminder.Daily:
		return seriesStep{days: interval}, nil
	case reminder.Custom:
		if rec.Interval <= 0 {
			return seriesStep{}, fmt.Errorf("reminder %d: custom recurrence requires a positive interval", id)
		}
		return seriesStep{days: rec.Interval}, nil
	case reminder.Weekly:
		set, err := normalizeWeekdays(id, rec.DaysOfWeek)
		if err != nil {
			return seriesStep{}, err
		}
		return seriesStep{weeks: interval, set: set}, nil
	case reminder.Monthly:
		return seriesStep{months: interval}, nil
	default:
		return seriesStep{}, fmt.Errorf("reminder %d: unknown recurrence frequency %q", id, rec.Frequency)
	}
}

func normalizeWeekdays(id int64, in []time.Weekday) ([]time.Weekday, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := map[time.Weekday]bool{}
	out := make([]time.Weekday, 0, len(in))
	for _, d := range in {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("reminder %d: invalid weekday %d in recurrence", id, int(d))
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func withinEnd(rec reminder.Recurrence, occ time.Time) bool {
	return rec.EndDate == nil || !occ.After(*rec.EndDate)
}

// occurrenceAt returns the k-th occurrence (0-based) of a fixed-step
// series. Only valid for day/week/month steps, not weekday sets.
func occurrenceAt(sched time.Time, step seriesStep, k int) time.Time {
	switch {
	case step.days > 0:
		return sched.AddDate(0, 0, k*step.days)
	case step.months > 0:
		return addMonthsClamped(sched, k*step.months)
	default:
		return sched.AddDate(0, 0, k*step.weeks*7)
	}
}

// walkSeries enumerates occurrences from the start of the series. Used
// when MaxOccurrences bounds the series, so the walk is short and the
// occurrence count stays exact.
func walkSeries(rec reminder.Recurrence, sched, after time.Time, step seriesStep) (time.Time, bool, error) {
	count := 0
	admit := func(occ time.Time) (time.Time, bool, bool) {
		count++
		if count > rec.MaxOccurrences || !withinEnd(rec, occ) {
			return time.Time{}, false, true // series exhausted
		}
		if occ.After(after) {
			return occ, true, true
		}
		return time.Time{}, false, false
	}

	if len(step.set) == 0 {
		for k := 0; k < maxProjectionSteps; k++ {
			if occ, ok, done := admit(occurrenceAt(sched, step, k)); done {
				return occ, ok, nil
			}
		}
		return time.Time{}, false, errProjectionOverrun()
	}

	// Weekly with a weekday set: the anchor is always the first
	// occurrence; weeks run Sunday..Saturday and each active week fires
	// on the listed weekdays at the anchor's time of day.
	if occ, ok, done := admit(sched); done {
		return occ, ok, nil
	}
	weekStart := sched.AddDate(0, 0, -int(sched.Weekday()))
	for wk, steps := 0, 0; steps < maxProjectionSteps; wk += step.weeks {
		base := weekStart.AddDate(0, 0, wk*7)
		for _, d := range step.set {
			occ := base.AddDate(0, 0, int(d))
			if !occ.After(sched) {
				continue
			}
			if res, ok, done := admit(occ); done {
				return res, ok, nil
			}
			steps++
		}
	}
	return time.Time{}, false, errProjectionOverrun()
}

// skipSeries jumps close to "after" arithmetically, then walks forward
// the last few steps. Calendar steps (AddDate) are not fixed-width, so
// the estimate deliberately undershoots and the walk finishes the job.
func skipSeries(rec reminder.Recurrence, sched, after time.Time, step seriesStep) (time.Time, bool, error) {
	if len(step.set) > 0 {
		return skipWeekdaySet(rec, sched, after, step)
	}

	k := 0
	if after.After(sched) {
		elapsed := after.Sub(sched)
		var width time.Duration
		switch {
		case step.days > 0:
			width = time.Duration(step.days) * 24 * time.Hour
		case step.months > 0:
			// Divide by an upper bound on a month's width so the
			// estimate undershoots; the forward walk cannot recover
			// from an overshoot.
			width = time.Duration(step.months) * 31 * 24 * time.Hour
		default:
			width = time.Duration(step.weeks) * 7 * 24 * time.Hour
		}
		if n := int(elapsed/width) - 1; n > 0 {
			k = n
		}
	}

	for steps := 0; steps < maxProjectionSteps; steps++ {
		occ := occurrenceAt(sched, step, k)
		if !withinEnd(rec, occ) {
			return time.Time{}, false, nil
		}
		if occ.After(after) {
			return occ, true, nil
		}
		k++
	}
	return time.Time{}, false, errProjectionOverrun()
}

func skipWeekdaySet(rec reminder.Recurrence, sched, after time.Time, step seriesStep) (time.Time, bool, error) {
	if sched.After(after) {
		if !withinEnd(rec, sched) {
			return time.Time{}, false, nil
		}
		return sched, true, nil
	}

	weekStart := sched.AddDate(0, 0, -int(sched.Weekday()))
	wk := 0
	if elapsed := after.Sub(weekStart); elapsed > 0 {
		weeks := int(elapsed / (7 * 24 * time.Hour))
		if n := weeks/step.weeks - 1; n > 0 {
			wk = n * step.weeks
		}
	}

	for steps := 0; steps < maxProjectionSteps; steps++ {
		base := weekStart.AddDate(0, 0, wk*7)
		for _, d := range step.set {
			occ := base.AddDate(0, 0, int(d))
			if !occ.After(sched) || !occ.After(after) {
				continue
			}
			if !withinEnd(rec, occ) {
				return time.Time{}, false, nil
			}
			return occ, true, nil
		}
		wk += step.weeks
	}
	return time.Time{}, false, errProjectionOverrun()
}

func errProjectionOverrun() error {
	return fmt.Errorf("recurrence projection exceeded %d steps", maxProjectionSteps)
}

// addMonthsClamped advances t by n months, clamping the day-of-month to
// the last valid day of the target month (Jan 31 + 1 month -> Feb 28/29),
// instead of Go's AddDate normalization that rolls into the next month.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	target := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	last := daysIn(target.Year(), target.Month())
	if d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
