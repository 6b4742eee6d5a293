package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

// Store is the persistence API used by the engine and the sink.
//
// The read side (ListActiveUsers, ListReminders) satisfies engine.Store.
// LastNotified/MarkNotified hold the per-occurrence suppression marks the
// sink consults before delivering. The write side exists for the CRUD
// surface that owns reminder rows.
type Store interface {
	ListActiveUsers(ctx context.Context) ([]int64, error)
	// ListReminders returns the user's open reminders: one-shot rows
	// scheduled up to "until" plus every recurring row (the next
	// occurrence of a series cannot be derived in the query).
	ListReminders(ctx context.Context, userID int64, until time.Time) ([]reminder.Reminder, error)

	LastNotified(ctx context.Context, key string) (until time.Time, ok bool, err error)
	MarkNotified(ctx context.Context, key string, until time.Time) error

	UpsertReminder(ctx context.Context, r reminder.Reminder) (int64, error)
	CompleteReminder(ctx context.Context, id int64, at time.Time) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
