package reminder

import (
	"time"

	"github.com/google/uuid"
)

// Frequency describes how a reminder repeats.
type Frequency string

const (
	Once    Frequency = "once"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	// Custom repeats every Recurrence.Interval days.
	Custom Frequency = "custom"
)

// Channel is a delivery route for a notification.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// KnownChannel reports whether c is one of the supported delivery routes.
func KnownChannel(c Channel) bool {
	switch c {
	case ChannelWeb, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Recurrence describes the repetition rule of a reminder.
//
// Semantics:
//   - Daily/Weekly/Monthly repeat on calendar boundaries; Interval (when > 1)
//     stretches the step (every N days/weeks/months).
//   - Weekly honors DaysOfWeek when non-empty; otherwise the weekday of
//     ScheduledAt repeats.
//   - Monthly preserves day-of-month, clamped to the last valid day of
//     short months (Jan 31 -> Feb 28/29).
//   - Custom repeats every Interval days (Interval <= 0 is malformed).
//   - EndDate and MaxOccurrences bound the series; whichever is hit first
//     stops projection.
type Recurrence struct {
	Frequency      Frequency
	Interval       int
	DaysOfWeek     []time.Weekday
	EndDate        *time.Time
	MaxOccurrences int
}

// Notify holds the notification configuration of a reminder.
type Notify struct {
	Enabled       bool
	MinutesBefore int
	Channels      []Channel
}

// Reminder is the engine's read-side view of a reminder record.
// Rows are owned by the external CRUD layer; the engine never mutates
// them (it records notified-marks in its own table instead).
type Reminder struct {
	ID          int64
	UserID      int64
	AssignedTo  *int64
	Title       string
	ScheduledAt time.Time
	Recurrence  Recurrence
	Completed   bool
	CompletedAt *time.Time
	Active      bool
	Notify      Notify

	// Meta carries caller-defined payload. The scheduling core never
	// inspects it; it is passed through to delivery channels verbatim.
	Meta []byte
}

// Event is the notification command handed to the sink. It lives for a
// single tick; persistence, if any, is the sink's concern.
type Event struct {
	ID         string
	ReminderID int64
	UserID     int64
	Title      string
	// Occurrence is the projected scheduled time the notification is for.
	Occurrence time.Time
	// FireAt is when the window opened (occurrence minus lead time).
	FireAt   time.Time
	Channels []Channel
	// Overdue marks events produced by the overdue pass rather than the
	// due-window pass.
	Overdue bool
	// SuppressUntil tells the sink how long its notified-mark for this
	// occurrence should hold: the window close for due events, the next
	// overdue pass for overdue ones.
	SuppressUntil time.Time
	Meta          []byte
}

// NewEvent builds an Event for one firing occurrence.
func NewEvent(r Reminder, occurrence, fireAt time.Time, overdue bool) Event {
	return Event{
		ID:         uuid.NewString(),
		ReminderID: r.ID,
		UserID:     r.UserID,
		Title:      r.Title,
		Occurrence: occurrence,
		FireAt:     fireAt,
		Channels:   append([]Channel(nil), r.Notify.Channels...),
		Overdue:    overdue,
		Meta:       r.Meta,
	}
}
