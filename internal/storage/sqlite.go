package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListActiveUsers(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM reminders
		  WHERE active = 1 AND completed = 0
		  ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const reminderCols = `id, user_id, assigned_to, title, scheduled_at,
	frequency, recur_interval, days_of_week, end_date, max_occurrences,
	completed, completed_at, active, notify_enabled, minutes_before, channels, meta`

func (s *sqliteStore) ListReminders(ctx context.Context, userID int64, until time.Time) ([]reminder.Reminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		  WHERE user_id = ? AND active = 1 AND completed = 0
		    AND (frequency != 'once' OR scheduled_at <= ?)
		  ORDER BY scheduled_at`,
		userID, until.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertReminder(ctx context.Context, r reminder.Reminder) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	freq := r.Recurrence.Frequency
	if freq == "" {
		freq = reminder.Once
	}
	args := []any{
		r.UserID, nullInt64(r.AssignedTo), r.Title, r.ScheduledAt.UnixMilli(),
		string(freq), r.Recurrence.Interval, encodeWeekdays(r.Recurrence.DaysOfWeek),
		nullTime(r.Recurrence.EndDate), r.Recurrence.MaxOccurrences,
		boolInt(r.Completed), nullTime(r.CompletedAt), boolInt(r.Active),
		boolInt(r.Notify.Enabled), r.Notify.MinutesBefore,
		encodeChannels(r.Notify.Channels), nullBytes(r.Meta),
	}
	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO reminders(user_id, assigned_to, title, scheduled_at,
			   frequency, recur_interval, days_of_week, end_date, max_occurrences,
			   completed, completed_at, active, notify_enabled, minutes_before, channels, meta)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET user_id=?, assigned_to=?, title=?, scheduled_at=?,
		   frequency=?, recur_interval=?, days_of_week=?, end_date=?, max_occurrences=?,
		   completed=?, completed_at=?, active=?, notify_enabled=?, minutes_before=?, channels=?, meta=?
		 WHERE id=?`, append(args, r.ID)...)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	return r.ID, nil
}

func (s *sqliteStore) CompleteReminder(ctx context.Context, id int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET completed = 1, completed_at = ? WHERE id = ? AND completed = 0`,
		at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notified_marks(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) LastNotified(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM notified_marks WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM notified_marks WHERE until < ?`, now)
	return err
}

func scanReminder(rows *sql.Rows) (reminder.Reminder, error) {
	var (
		r           reminder.Reminder
		assignedTo  sql.NullInt64
		schedMS     int64
		freq        string
		days        sql.NullString
		endMS       sql.NullInt64
		completed   int
		completedMS sql.NullInt64
		active      int
		notifyOn    int
		channels    sql.NullString
		meta        []byte
	)
	err := rows.Scan(&r.ID, &r.UserID, &assignedTo, &r.Title, &schedMS,
		&freq, &r.Recurrence.Interval, &days, &endMS, &r.Recurrence.MaxOccurrences,
		&completed, &completedMS, &active, &notifyOn, &r.Notify.MinutesBefore, &channels, &meta)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if assignedTo.Valid {
		v := assignedTo.Int64
		r.AssignedTo = &v
	}
	r.ScheduledAt = time.UnixMilli(schedMS).UTC()
	r.Recurrence.Frequency = reminder.Frequency(freq)
	if days.Valid {
		set, err := decodeWeekdays(days.String)
		if err != nil {
			return reminder.Reminder{}, fmt.Errorf("reminder %d: %w", r.ID, err)
		}
		r.Recurrence.DaysOfWeek = set
	}
	if endMS.Valid {
		v := time.UnixMilli(endMS.Int64).UTC()
		r.Recurrence.EndDate = &v
	}
	r.Completed = completed != 0
	if completedMS.Valid {
		v := time.UnixMilli(completedMS.Int64).UTC()
		r.CompletedAt = &v
	}
	r.Active = active != 0
	r.Notify.Enabled = notifyOn != 0
	if channels.Valid {
		r.Notify.Channels = decodeChannels(channels.String)
	}
	r.Meta = meta
	return r, nil
}

func encodeWeekdays(set []time.Weekday) any {
	if len(set) == 0 {
		return nil
	}
	parts := make([]string, len(set))
	for i, d := range set {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) ([]time.Weekday, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad weekday %q", p)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

func encodeChannels(cs []reminder.Channel) any {
	if len(cs) == 0 {
		return nil
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeChannels(s string) []reminder.Channel {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]reminder.Channel, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, reminder.Channel(p))
		}
	}
	return out
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
