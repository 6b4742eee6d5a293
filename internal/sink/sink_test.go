package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

type fakeSender struct {
	name reminder.Channel

	mu    sync.Mutex
	sent  []reminder.Event
	fails int // fail this many sends before succeeding
}

func (f *fakeSender) Name() reminder.Channel { return f.name }

func (f *fakeSender) Send(ctx context.Context, ev reminder.Event, _ Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("provider unavailable")
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-tick.C:
		}
	}
}

func testEvent(id string, remID int64, suppressFor time.Duration) reminder.Event {
	occ := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return reminder.Event{
		ID:            id,
		ReminderID:    remID,
		UserID:        10,
		Title:         "morning meds",
		Occurrence:    occ,
		FireAt:        occ.Add(-15 * time.Minute),
		Channels:      []reminder.Channel{reminder.ChannelPush},
		SuppressUntil: time.Now().Add(suppressFor),
	}
}

func startService(t *testing.T, cfg Config, marks Marks, senders ...Sender) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, senders, logx.Nop(), eventbus.New(), marks)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDeliverSendsOnChannel(t *testing.T) {
	push := &fakeSender{name: reminder.ChannelPush}
	s := startService(t, Config{}, storage.NewMemory(), push)

	if err := s.Deliver(context.Background(), testEvent("e1", 1, time.Minute)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, "the send", func() bool { return push.count() == 1 })

	waitFor(t, "history", func() bool { return len(s.Snapshot()) == 1 })
	hist := s.Snapshot()
	if hist[0].Channel != reminder.ChannelPush || hist[0].Title != "morning meds" {
		t.Fatalf("history = %+v", hist[0])
	}
}

func TestDeliverSuppressesDuplicateOccurrence(t *testing.T) {
	push := &fakeSender{name: reminder.ChannelPush}
	s := startService(t, Config{}, storage.NewMemory(), push)

	// Two overlapping ticks hand over the same occurrence.
	ev := testEvent("e1", 1, time.Minute)
	dup := ev
	dup.ID = "e2"
	if err := s.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	if err := s.Deliver(context.Background(), dup); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}

	waitFor(t, "the send", func() bool { return push.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := push.count(); n != 1 {
		t.Fatalf("sent %d times, want exactly 1", n)
	}

	// A different occurrence of the same reminder still goes out.
	next := testEvent("e3", 1, time.Minute)
	next.Occurrence = next.Occurrence.Add(24 * time.Hour)
	if err := s.Deliver(context.Background(), next); err != nil {
		t.Fatalf("third Deliver: %v", err)
	}
	waitFor(t, "the second send", func() bool { return push.count() == 2 })
}

func TestSuppressionSurvivesRestart(t *testing.T) {
	marks := storage.NewMemory()
	push := &fakeSender{name: reminder.ChannelPush}
	s := startService(t, Config{}, marks, push)

	if err := s.Deliver(context.Background(), testEvent("e1", 1, time.Minute)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, "the send", func() bool { return push.count() == 1 })

	// A fresh pipeline over the same store sees the persisted mark.
	push2 := &fakeSender{name: reminder.ChannelPush}
	s2 := startService(t, Config{}, marks, push2)
	if err := s2.Deliver(context.Background(), testEvent("e2", 1, time.Minute)); err != nil {
		t.Fatalf("Deliver after restart: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := push2.count(); n != 0 {
		t.Fatalf("restarted pipeline sent %d times, want 0", n)
	}
}

func TestDeliverRetriesFailedSends(t *testing.T) {
	push := &fakeSender{name: reminder.ChannelPush, fails: 2}
	s := startService(t, Config{
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, storage.NewMemory(), push)

	if err := s.Deliver(context.Background(), testEvent("e1", 1, time.Minute)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, "the retried send", func() bool { return push.count() == 1 })
}

func TestDeliverSkipsUnroutedChannels(t *testing.T) {
	push := &fakeSender{name: reminder.ChannelPush}
	s := startService(t, Config{}, storage.NewMemory(), push)

	ev := testEvent("e1", 1, time.Minute)
	ev.Channels = []reminder.Channel{reminder.ChannelEmail, reminder.ChannelPush}
	if err := s.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, "the push send", func() bool { return push.count() == 1 })
}

// stallSender parks every send until release is closed, so tests can hold
// the worker pool busy and exercise the full-queue path.
type stallSender struct {
	name    reminder.Channel
	release chan struct{}
	started chan struct{}

	mu   sync.Mutex
	sent []reminder.Event
}

func (f *stallSender) Name() reminder.Channel { return f.name }

func (f *stallSender) Send(ctx context.Context, ev reminder.Event, _ Contact) error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	return nil
}

func (f *stallSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestQueueFullReleasesSuppression(t *testing.T) {
	push := &stallSender{
		name:    reminder.ChannelPush,
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := startService(t, Config{Workers: 1, QueueSize: 1}, storage.NewMemory(), push)

	// Stall the only worker, then fill the one-slot queue behind it.
	if err := s.Deliver(context.Background(), testEvent("e1", 1, time.Minute)); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	<-push.started
	if err := s.Deliver(context.Background(), testEvent("e2", 2, time.Minute)); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}

	rejected := testEvent("e3", 3, time.Minute)
	if err := s.Deliver(context.Background(), rejected); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	// The rejected occurrence never made it out, so its suppression window
	// must not hold: once the queue drains it still goes through.
	close(push.release)
	waitFor(t, "the backlog", func() bool { return push.count() == 2 })

	retry := rejected
	retry.ID = "e4"
	if err := s.Deliver(context.Background(), retry); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	waitFor(t, "the redelivered send", func() bool { return push.count() == 3 })
}

func TestDeliverLifecycleErrors(t *testing.T) {
	push := &fakeSender{name: reminder.ChannelPush}

	t.Run("disabled", func(t *testing.T) {
		s := New(Config{}, []Sender{push}, logx.Nop(), eventbus.New(), storage.NewMemory())
		if err := s.Deliver(context.Background(), testEvent("e1", 1, time.Minute)); !errors.Is(err, ErrDisabled) {
			t.Fatalf("err = %v, want ErrDisabled", err)
		}
	})

	t.Run("stopped", func(t *testing.T) {
		s := startService(t, Config{}, storage.NewMemory(), push)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		if err := s.Deliver(context.Background(), testEvent("e2", 2, time.Minute)); !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := startService(t, Config{}, storage.NewMemory(), push)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := s.Deliver(ctx, testEvent("e3", 3, time.Minute)); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestSuppressedDeliveryPublishedOnBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	push := &fakeSender{name: reminder.ChannelPush}
	cfg := Config{Enabled: true, RatePerSec: 1000}
	s := New(cfg, []Sender{push}, logx.Nop(), bus, storage.NewMemory())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	ev := testEvent("e1", 1, time.Minute)
	_ = s.Deliver(context.Background(), ev)
	_ = s.Deliver(context.Background(), ev)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == eventbus.EvDeliverySuppressed {
				return
			}
		case <-deadline:
			t.Fatal("no suppression event on the bus")
		}
	}
}
