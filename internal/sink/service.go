package sink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/eventbus"
	"remindd/internal/observability/metrics"
	"remindd/internal/reminder"
	rtsup "remindd/internal/runtime/supervisor"
	logx "remindd/pkg/logx"
)

type job struct {
	ev      reminder.Event
	channel reminder.Channel
	// markKey identifies the occurrence; computed once at enqueue time.
	markKey string
}

// Service implements the notification sink as an async pipeline:
// queue + worker pool + rate limit + retry + per-occurrence suppression.
//
// Suppression is what makes delivery at-most-once: before fanning an event
// out to channels, the occurrence is marked (in memory and in the store)
// until Event.SuppressUntil. Overlapping ticks and restarts inside that
// window see the mark and drop the event.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	marks   Marks
	senders map[reminder.Channel]Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory suppression cache: key -> suppress until.
	dmu  sync.Mutex
	seen map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, marks Marks) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "sink")),
		bus:     bus,
		marks:   marks,
		senders: map[reminder.Channel]Sender{},
		seen:    map[string]time.Time{},
	}
	for _, sd := range senders {
		if sd != nil {
			s.senders[sd.Name()] = sd
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the sink's internal supervisor (nil if not started).
// Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Delivery failures must not take down the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("sink worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
			// Workers should come back fast; a crashed worker strands
			// queued jobs until it does.
			rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight Deliver calls, then close the queue so the
		// workers can drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers mid-drain.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Deliver accepts one event for delivery on all of its channels. It returns
// once the event is marked and queued; the sends themselves are async.
//
// A second Deliver for the same occurrence inside the suppression window
// returns nil without queuing anything.
func (s *Service) Deliver(ctx context.Context, ev reminder.Event) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := markKey(ev)
	if !s.allow(ctx, key, ev.SuppressUntil) {
		if s.bus != nil {
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: eventbus.EvDeliverySuppressed, Time: now,
				Data: DeliveryEvent{EventID: ev.ID, ReminderID: ev.ReminderID, UserID: ev.UserID, Key: key, At: now}})
		}
		return nil
	}

	queued := 0
	for _, ch := range ev.Channels {
		if _, ok := s.senders[ch]; !ok {
			// Unknown or unconfigured channel; the others still go out.
			s.log.Debug("no sender for channel",
				logx.String("channel", string(ch)), logx.Int64("reminder", ev.ReminderID))
			metrics.RecordDelivery(string(ch), "unrouted")
			continue
		}
		select {
		case q <- job{ev: ev, channel: ch, markKey: key}:
			queued++
		default:
			metrics.RecordDelivery(string(ch), "dropped")
			if queued == 0 {
				// Nothing went out for this occurrence, so holding the
				// claim would silence it for the rest of the window.
				s.unclaim(ctx, key)
			}
			return ErrQueueFull
		}
	}
	metrics.SetSinkQueueDepth(len(q))
	return nil
}

// Snapshot returns recent deliveries for the status surface.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func markKey(ev reminder.Event) string {
	return fmt.Sprintf("%d|%d|%t", ev.ReminderID, ev.Occurrence.UnixMilli(), ev.Overdue)
}

// allow reports whether the occurrence may be delivered, and claims it when
// it may. The in-memory map is checked and set under one lock, so two ticks
// racing over the same occurrence in-process resolve to exactly one send;
// the stored mark extends that across restarts.
func (s *Service) allow(ctx context.Context, key string, until time.Time) bool {
	if key == "" || until.IsZero() {
		return true
	}
	now := time.Now()

	s.dmu.Lock()
	if prev, ok := s.seen[key]; ok && now.Before(prev) {
		s.dmu.Unlock()
		return false
	}
	// Check the stored mark while still holding the claim lock; the read is
	// quick (local db) and losing the lock here would reopen the race.
	if s.marks != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 250*time.Millisecond)
		prev, ok, err := s.marks.LastNotified(cctx, key)
		cancel()
		if err == nil && ok && now.Before(prev) {
			s.seen[key] = prev
			s.dmu.Unlock()
			return false
		}
	}
	s.seen[key] = until

	// Prune expired entries opportunistically.
	for k, t := range s.seen {
		if !now.Before(t) {
			delete(s.seen, k)
		}
	}
	s.dmu.Unlock()

	// Persist best-effort; a failed write only weakens restart suppression.
	if s.marks != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 250*time.Millisecond)
		if err := s.marks.MarkNotified(cctx, key, until); err != nil {
			s.log.Warn("persisting notified-mark failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
	return true
}

// unclaim releases a claim taken by allow when no send was queued for it.
// The stored mark is rewritten as already expired rather than deleted; the
// Marks interface has no delete and an expired mark reads the same.
func (s *Service) unclaim(ctx context.Context, key string) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.seen, key)
	s.dmu.Unlock()

	if s.marks != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 250*time.Millisecond)
		if err := s.marks.MarkNotified(cctx, key, time.Time{}); err != nil {
			s.log.Warn("releasing notified-mark failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
			metrics.SetSinkQueueDepth(len(q))
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sd := s.senders[j.channel]
	s.mu.Unlock()

	if sd == nil {
		return
	}
	ct := cfg.Contacts[j.ev.UserID]

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send calls so a stuck provider can't hang a worker.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := sd.Send(callCtx, j.ev, ct)
		cancel()
		if err == nil {
			metrics.RecordDelivery(string(j.channel), "ok")
			s.appendHistory(HistoryItem{At: time.Now(), Channel: j.channel, UserID: j.ev.UserID, Title: j.ev.Title})
			if s.bus != nil {
				now := time.Now()
				s.bus.Publish(eventbus.Event{Type: eventbus.EvDeliveryOK, Time: now,
					Data: DeliveryEvent{Channel: string(j.channel), EventID: j.ev.ID, ReminderID: j.ev.ReminderID, UserID: j.ev.UserID, Key: j.markKey, At: now}})
			}
			return
		}
		lastErr = err
		s.log.Debug("delivery attempt failed",
			logx.String("channel", string(j.channel)), logx.Int64("reminder", j.ev.ReminderID),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	metrics.RecordDelivery(string(j.channel), "error")
	if lastErr != nil && s.bus != nil {
		now := time.Now()
		s.bus.Publish(eventbus.Event{Type: eventbus.EvDeliveryFailed, Time: now,
			Data: DeliveryEvent{Channel: string(j.channel), EventID: j.ev.ID, ReminderID: j.ev.ReminderID, UserID: j.ev.UserID, Key: j.markKey, At: now, Error: lastErr.Error()}})
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt); the delay is for the NEXT one.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay

	// Exponential backoff: base * 2^(attempt-1).
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
