package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/observability/metrics"
	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// Coordinator runs scheduling ticks: it pulls active users from the store,
// fans out evaluation across a bounded worker pool, and hands firing events
// to the sink. One user's failure never blocks another user's reminders;
// one reminder's failure never blocks its siblings.
type Coordinator struct {
	cfg   Config
	eval  Evaluator
	store Store
	sink  Sink
	bus   eventbus.Bus
	log   logx.Logger

	mu       sync.Mutex
	lastTick time.Time
}

func NewCoordinator(cfg Config, store Store, sink Sink, bus eventbus.Bus, log logx.Logger) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		eval:  Evaluator{Tolerance: cfg.Tolerance},
		store: store,
		sink:  sink,
		bus:   bus,
		log:   log.With(logx.String("comp", "engine")),
	}
}

// Apply swaps the tuning knobs at runtime. The monotonic tick guard is
// kept; a reload must not reopen the door to clock replay.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.eval = Evaluator{Tolerance: cfg.Tolerance}
	c.mu.Unlock()
}

// RunTick evaluates every active user's reminders against now and dispatches
// the ones whose firing window is open.
//
// The tick aborts up front on a store-wide failure (ErrClockSkew, user
// listing): nothing useful can happen without the user set. Everything past
// that point is isolated per user and per reminder; the report carries the
// failures.
func (c *Coordinator) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	rep, err := c.runPass(ctx, now, false)
	c.finishTick("due", rep, err, time.Since(start))
	return rep, err
}

// RunOverduePass surfaces non-recurring reminders whose scheduled time has
// passed without completion. It runs on a slow cadence and repeats on each
// pass until the reminder is completed or deactivated, throttled by
// Config.OverdueRepeat via the sink's suppression marks.
func (c *Coordinator) RunOverduePass(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	rep, err := c.runPass(ctx, now, true)
	c.finishTick("overdue", rep, err, time.Since(start))
	return rep, err
}

func (c *Coordinator) runPass(ctx context.Context, now time.Time, overdue bool) (TickReport, error) {
	rep := TickReport{At: now}

	cfg, eval, err := c.acceptTick(now)
	if err != nil {
		return rep, err
	}

	users, err := c.store.ListActiveUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active users: %w", err)
	}
	rep.Users = len(users)
	if len(users) == 0 {
		return rep, nil
	}

	horizon := now.Add(cfg.lookAhead())
	if overdue {
		horizon = now
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		feed = make(chan int64)
	)
	workers := cfg.workers()
	if workers > len(users) {
		workers = len(users)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for uid := range feed {
				ur := c.runUser(ctx, cfg, eval, uid, now, horizon, overdue)
				mu.Lock()
				rep.Evaluated += ur.Evaluated
				rep.Fired += ur.Fired
				rep.Failures = append(rep.Failures, ur.Failures...)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, uid := range users {
		select {
		case feed <- uid:
		case <-ctx.Done():
			break feed
		}
	}
	close(feed)
	wg.Wait()

	return rep, ctx.Err()
}

// acceptTick enforces monotonic tick instants and snapshots the current
// tuning under the same lock. Equal instants are allowed; overlapping
// cadences may legitimately observe the same now.
func (c *Coordinator) acceptTick(now time.Time) (Config, Evaluator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.lastTick) {
		return c.cfg, c.eval, fmt.Errorf("%w: got %s, last was %s", ErrClockSkew,
			now.Format(time.RFC3339), c.lastTick.Format(time.RFC3339))
	}
	c.lastTick = now
	return c.cfg, c.eval, nil
}

func (c *Coordinator) runUser(ctx context.Context, cfg Config, eval Evaluator, uid int64, now, horizon time.Time, overdue bool) TickReport {
	var rep TickReport

	rs, err := c.store.ListReminders(ctx, uid, horizon)
	if err != nil {
		c.log.Warn("user reminder query failed", logx.Int64("user", uid), logx.Err(err))
		metrics.RecordItemFailure(string(FailStore))
		rep.Failures = append(rep.Failures, ItemFailure{UserID: uid, Kind: FailStore, Err: err})
		return rep
	}

	for _, r := range rs {
		if ctx.Err() != nil {
			return rep
		}
		rep.Evaluated++
		if fail := c.runReminder(ctx, cfg, eval, r, now, overdue, &rep); fail != nil {
			metrics.RecordItemFailure(string(fail.Kind))
			rep.Failures = append(rep.Failures, *fail)
		}
	}
	metrics.RecordEvaluations(len(rs))
	return rep
}

func (c *Coordinator) runReminder(ctx context.Context, cfg Config, eval Evaluator, r reminder.Reminder, now time.Time, overdue bool, rep *TickReport) *ItemFailure {
	var ev reminder.Event
	if overdue {
		if !eval.Overdue(r, now) || !r.Notify.Enabled || !hasKnownChannel(r.Notify.Channels) {
			return nil
		}
		ev = reminder.NewEvent(r, r.ScheduledAt, now, true)
		ev.SuppressUntil = now.Add(cfg.OverdueRepeat)
	} else {
		d, err := eval.ShouldFire(r, now)
		if err != nil {
			c.log.Warn("reminder rejected by evaluator",
				logx.Int64("user", r.UserID), logx.Int64("reminder", r.ID), logx.Err(err))
			return &ItemFailure{UserID: r.UserID, ReminderID: r.ID, Kind: FailMalformed, Err: err}
		}
		if !d.Fire {
			return nil
		}
		ev = reminder.NewEvent(r, d.Occurrence, d.NotifyAt, false)
		ev.SuppressUntil = d.NotifyAt.Add(eval.tolerance())
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.deliverTimeout())
	err := c.sink.Deliver(dctx, ev)
	cancel()
	if err != nil {
		c.log.Warn("sink rejected event",
			logx.Int64("user", r.UserID), logx.Int64("reminder", r.ID), logx.Err(err))
		return &ItemFailure{UserID: r.UserID, ReminderID: r.ID, Kind: FailDelivery, Err: err}
	}

	kind := "due"
	if overdue {
		kind = "overdue"
	}
	metrics.RecordFired(kind)
	rep.Fired++
	c.log.Debug("reminder fired",
		logx.Int64("user", r.UserID), logx.Int64("reminder", r.ID),
		logx.Time("occurrence", ev.Occurrence), logx.Bool("overdue", overdue))
	return nil
}

func (c *Coordinator) finishTick(kind string, rep TickReport, err error, dur time.Duration) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(rep.Failures) > 0:
		outcome = "partial"
	}
	metrics.RecordTick(kind, outcome, dur)

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EvTickCompleted, Data: map[string]any{
			"kind":     kind,
			"at":       rep.At,
			"users":    rep.Users,
			"fired":    rep.Fired,
			"failures": len(rep.Failures),
			"outcome":  outcome,
		}})
	}

	lg := c.log.Debug
	if outcome != "ok" {
		lg = c.log.Warn
	}
	lg("tick finished",
		logx.String("kind", kind), logx.String("outcome", outcome),
		logx.Int("users", rep.Users), logx.Int("evaluated", rep.Evaluated),
		logx.Int("fired", rep.Fired), logx.Int("failures", len(rep.Failures)),
		logx.Duration("took", dur), logx.Err(err))
}
