package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindd/internal/reminder"
)

// memoryStore keeps everything in maps. Ephemeral by nature: notified-marks
// do not survive a restart, so it is only suitable for tests and dry runs.
type memoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rems   map[int64]reminder.Reminder
	marks  map[string]time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		nextID: 1,
		rems:   map[int64]reminder.Reminder{},
		marks:  map[string]time.Time{},
	}
}

func (m *memoryStore) ListActiveUsers(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]bool{}
	var out []int64
	for _, r := range m.rems {
		if r.Active && !r.Completed && !seen[r.UserID] {
			seen[r.UserID] = true
			out = append(out, r.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memoryStore) ListReminders(ctx context.Context, userID int64, until time.Time) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reminder.Reminder
	for _, r := range m.rems {
		if r.UserID != userID || !r.Active || r.Completed {
			continue
		}
		recurring := r.Recurrence.Frequency != "" && r.Recurrence.Frequency != reminder.Once
		if !recurring && r.ScheduledAt.After(until) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *memoryStore) UpsertReminder(ctx context.Context, r reminder.Reminder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.nextID
		m.nextID++
	} else if _, ok := m.rems[r.ID]; !ok {
		return 0, ErrNotFound
	}
	m.rems[r.ID] = r
	return r.ID, nil
}

func (m *memoryStore) CompleteReminder(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rems[id]
	if !ok || r.Completed {
		return ErrNotFound
	}
	r.Completed = true
	r.CompletedAt = &at
	m.rems[id] = r
	return nil
}

func (m *memoryStore) MarkNotified(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.marks[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) LastNotified(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	m.mu.RLock()
	until, ok := m.marks[key]
	m.mu.RUnlock()
	return until, ok, nil
}

func (m *memoryStore) Close() error { return nil }
