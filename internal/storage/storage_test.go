package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "remindd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func sampleReminder(userID int64, sched time.Time) reminder.Reminder {
	return reminder.Reminder{
		UserID:      userID,
		Title:       "refill prescription",
		ScheduledAt: sched,
		Active:      true,
		Notify: reminder.Notify{
			Enabled:       true,
			MinutesBefore: 15,
			Channels:      []reminder.Channel{reminder.ChannelPush, reminder.ChannelEmail},
		},
	}
}

func TestReminderRoundTrip(t *testing.T) {
	ctx := context.Background()
	sched := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	end := sched.AddDate(0, 2, 0)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			assignee := int64(77)
			in := sampleReminder(10, sched)
			in.AssignedTo = &assignee
			in.Recurrence = reminder.Recurrence{
				Frequency:      reminder.Weekly,
				Interval:       2,
				DaysOfWeek:     []time.Weekday{time.Monday, time.Thursday},
				EndDate:        &end,
				MaxOccurrences: 8,
			}
			in.Meta = []byte(`{"note":"ask pharmacy"}`)

			id, err := st.UpsertReminder(ctx, in)
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}

			rs, err := st.ListReminders(ctx, 10, sched.Add(time.Hour))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(rs) != 1 {
				t.Fatalf("got %d reminders, want 1", len(rs))
			}
			got := rs[0]
			if got.ID != id || got.Title != in.Title || !got.ScheduledAt.Equal(sched) {
				t.Fatalf("got %+v", got)
			}
			if got.AssignedTo == nil || *got.AssignedTo != assignee {
				t.Fatalf("assignedTo = %v", got.AssignedTo)
			}
			rec := got.Recurrence
			if rec.Frequency != reminder.Weekly || rec.Interval != 2 || rec.MaxOccurrences != 8 {
				t.Fatalf("recurrence = %+v", rec)
			}
			if len(rec.DaysOfWeek) != 2 || rec.DaysOfWeek[0] != time.Monday || rec.DaysOfWeek[1] != time.Thursday {
				t.Fatalf("daysOfWeek = %v", rec.DaysOfWeek)
			}
			if rec.EndDate == nil || !rec.EndDate.Equal(end) {
				t.Fatalf("endDate = %v", rec.EndDate)
			}
			if len(got.Notify.Channels) != 2 || got.Notify.Channels[0] != reminder.ChannelPush {
				t.Fatalf("channels = %v", got.Notify.Channels)
			}
			if string(got.Meta) != `{"note":"ask pharmacy"}` {
				t.Fatalf("meta = %q", got.Meta)
			}
		})
	}
}

func TestListRemindersHorizon(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			within := sampleReminder(10, base)
			farOnce := sampleReminder(10, base.Add(48*time.Hour))
			farDaily := sampleReminder(10, base.Add(48*time.Hour))
			farDaily.Recurrence = reminder.Recurrence{Frequency: reminder.Daily}
			inactive := sampleReminder(10, base)
			inactive.Active = false
			otherUser := sampleReminder(20, base)

			for _, r := range []reminder.Reminder{within, farOnce, farDaily, inactive, otherUser} {
				if _, err := st.UpsertReminder(ctx, r); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}

			rs, err := st.ListReminders(ctx, 10, base.Add(time.Hour))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			// The one-shot inside the horizon and the recurring row; the far
			// one-shot and the inactive row stay out.
			if len(rs) != 2 {
				t.Fatalf("got %d reminders, want 2: %+v", len(rs), rs)
			}

			users, err := st.ListActiveUsers(ctx)
			if err != nil {
				t.Fatalf("users: %v", err)
			}
			if len(users) != 2 || users[0] != 10 || users[1] != 20 {
				t.Fatalf("users = %v", users)
			}
		})
	}
}

func TestCompleteReminder(t *testing.T) {
	ctx := context.Background()
	sched := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			id, err := st.UpsertReminder(ctx, sampleReminder(10, sched))
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := st.CompleteReminder(ctx, id, sched.Add(time.Hour)); err != nil {
				t.Fatalf("complete: %v", err)
			}
			rs, err := st.ListReminders(ctx, 10, sched.Add(2*time.Hour))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(rs) != 0 {
				t.Fatalf("completed reminder still listed: %+v", rs)
			}
			if err := st.CompleteReminder(ctx, id, sched); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double complete err = %v, want ErrNotFound", err)
			}
			if err := st.CompleteReminder(ctx, 9999, sched); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing id err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestNotifiedMarks(t *testing.T) {
	ctx := context.Background()
	until := time.Date(2024, 3, 10, 8, 5, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.LastNotified(ctx, "r1|occ|push"); err != nil || ok {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			if err := st.MarkNotified(ctx, "r1|occ|push", until); err != nil {
				t.Fatalf("mark: %v", err)
			}
			got, ok, err := st.LastNotified(ctx, "r1|occ|push")
			if err != nil || !ok {
				t.Fatalf("read back: ok=%v err=%v", ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until = %v, want %v", got, until)
			}

			// Re-marking moves the horizon.
			if err := st.MarkNotified(ctx, "r1|occ|push", until.Add(time.Hour)); err != nil {
				t.Fatalf("re-mark: %v", err)
			}
			got, _, _ = st.LastNotified(ctx, "r1|occ|push")
			if !got.Equal(until.Add(time.Hour)) {
				t.Fatalf("until = %v after re-mark", got)
			}

			// Empty keys are ignored, not stored.
			if err := st.MarkNotified(ctx, "", until); err != nil {
				t.Fatalf("empty key mark: %v", err)
			}
			if _, ok, _ := st.LastNotified(ctx, ""); ok {
				t.Fatal("empty key was stored")
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}
