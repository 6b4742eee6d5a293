package sink

import (
	"context"
	"errors"
	"time"

	"remindd/internal/reminder"
)

var (
	ErrDisabled  = errors.New("sink disabled")
	ErrQueueFull = errors.New("sink queue full")
	ErrStopped   = errors.New("sink stopped")
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Contacts maps a user ID to their delivery addresses. Senders that
	// need an address fail the send when the user has none on file.
	Contacts map[int64]Contact
}

// Contact is one user's delivery addresses.
type Contact struct {
	TelegramChatID int64
	Phone          string
	Email          string
}

// Sender delivers events on one channel. Implementations must be safe for
// concurrent use; the pipeline calls Send from multiple workers.
type Sender interface {
	Name() reminder.Channel
	Send(ctx context.Context, ev reminder.Event, ct Contact) error
}

// Marks is the persisted suppression state consulted before delivery. The
// storage layer implements it.
type Marks interface {
	LastNotified(ctx context.Context, key string) (until time.Time, ok bool, err error)
	MarkNotified(ctx context.Context, key string, until time.Time) error
}

// DeliveryEvent is emitted on the event bus for delivery lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	Channel    string    `json:"channel,omitempty"`
	EventID    string    `json:"event_id"`
	ReminderID int64     `json:"reminder_id"`
	UserID     int64     `json:"user_id"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

// HistoryItem is one delivered notification kept for the status surface.
type HistoryItem struct {
	At      time.Time
	Channel reminder.Channel
	UserID  int64
	Title   string
}
