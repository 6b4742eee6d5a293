package engine

import (
	"context"
	"errors"
	"time"

	"remindd/internal/reminder"
)

// Defaults for Config fields left zero.
const (
	DefaultLookAhead      = time.Hour
	DefaultWorkers        = 4
	DefaultDeliverTimeout = 10 * time.Second
)

// ErrClockSkew is returned by RunTick when the supplied instant is earlier
// than the previous accepted tick. The tick is aborted without touching the
// store so a stepped-back wall clock cannot replay notifications.
var ErrClockSkew = errors.New("tick instant is before the previous tick")

// Store is the read contract the coordinator needs. The full storage layer
// implements it; tests substitute a fixture.
type Store interface {
	// ListActiveUsers returns IDs of users with at least one active reminder.
	ListActiveUsers(ctx context.Context) ([]int64, error)
	// ListReminders returns the user's active reminders scheduled up to
	// "until" plus all active recurring reminders (their next occurrence
	// cannot be derived in the query).
	ListReminders(ctx context.Context, userID int64, until time.Time) ([]reminder.Reminder, error)
}

// Sink accepts notification events for delivery. Deliver hands the event to
// the delivery pipeline; it returns quickly and must not block for the
// duration of the actual sends.
type Sink interface {
	Deliver(ctx context.Context, ev reminder.Event) error
}

// Config tunes the dispatch coordinator.
type Config struct {
	// Tolerance is the firing-window width (default 5m).
	Tolerance time.Duration
	// LookAhead bounds the store query horizon (default 1h).
	LookAhead time.Duration
	// Workers is the per-tick user fan-out (default 4).
	Workers int
	// DeliverTimeout caps one Deliver call (default 10s).
	DeliverTimeout time.Duration
	// OverdueRepeat is how long the overdue pass suppresses a reminder it
	// already surfaced (default: the overdue tick interval, set by the app).
	OverdueRepeat time.Duration
}

func (c Config) lookAhead() time.Duration {
	if c.LookAhead > 0 {
		return c.LookAhead
	}
	return DefaultLookAhead
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return DefaultWorkers
}

func (c Config) deliverTimeout() time.Duration {
	if c.DeliverTimeout > 0 {
		return c.DeliverTimeout
	}
	return DefaultDeliverTimeout
}

// FailureKind classifies an isolated per-item failure.
type FailureKind string

const (
	FailStore     FailureKind = "store"
	FailMalformed FailureKind = "malformed"
	FailDelivery  FailureKind = "delivery"
)

// ItemFailure records one isolated failure inside a tick. UserID is always
// set; ReminderID is zero for user-level (store query) failures.
type ItemFailure struct {
	UserID     int64
	ReminderID int64
	Kind       FailureKind
	Err        error
}

// TickReport summarizes one tick. A tick "succeeds" as a whole even when
// individual items failed; failures are data, not control flow.
type TickReport struct {
	At        time.Time
	Users     int
	Evaluated int
	Fired     int
	Failures  []ItemFailure
}
