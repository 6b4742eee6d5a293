package ticker

import (
	"context"
	"sync"
	"testing"
	"time"

	"remindd/internal/clock"
	"remindd/internal/engine"
	"remindd/internal/eventbus"
	"remindd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 */6 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "1m", kind: SpecInterval, source: "duration", duration: time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every", raw: "every 6h", kind: SpecInterval, source: "every", duration: 6 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "every nonsense", "-5m", "24:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

type fakeRunner struct {
	mu       sync.Mutex
	due      int
	overdue  int
	nows     []time.Time
	block    chan struct{} // when non-nil, RunTick blocks until closed
	panicOne bool
}

func (f *fakeRunner) RunTick(ctx context.Context, now time.Time) (engine.TickReport, error) {
	f.mu.Lock()
	f.due++
	f.nows = append(f.nows, now)
	block := f.block
	doPanic := f.panicOne
	f.panicOne = false
	f.mu.Unlock()
	if doPanic {
		panic("boom")
	}
	if block != nil {
		<-block
	}
	return engine.TickReport{At: now, Fired: 1}, nil
}

func (f *fakeRunner) RunOverduePass(ctx context.Context, now time.Time) (engine.TickReport, error) {
	f.mu.Lock()
	f.overdue++
	f.mu.Unlock()
	return engine.TickReport{At: now}, nil
}

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, f.overdue
}

func newTestService(r Runner, clk clock.Clock) *Service {
	return New(Config{Enabled: true}, r, clk, logx.Nop(), eventbus.New())
}

func TestForceTickUsesInjectedClock(t *testing.T) {
	at := time.Date(2024, 1, 1, 7, 46, 0, 0, time.UTC)
	r := &fakeRunner{}
	s := newTestService(r, clock.NewFake(at))

	rep, err := s.ForceTick(context.Background(), "due")
	if err != nil {
		t.Fatalf("ForceTick: %v", err)
	}
	if !rep.At.Equal(at) {
		t.Fatalf("tick saw now = %v, want %v", rep.At, at)
	}
	if due, overdue := r.counts(); due != 1 || overdue != 0 {
		t.Fatalf("runs = %d/%d", due, overdue)
	}

	if _, err := s.ForceTick(context.Background(), "overdue"); err != nil {
		t.Fatalf("ForceTick overdue: %v", err)
	}
	if _, err := s.ForceTick(context.Background(), "hourly"); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}

func TestTickSingleFlight(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := newTestService(r, clock.NewFake(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.ForceTick(context.Background(), "due")
	}()

	// Wait until the first run is inside the engine, then fire again.
	deadline := time.After(2 * time.Second)
	for {
		if due, _ := r.counts(); due == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never started")
		case <-time.After(time.Millisecond):
		}
	}
	if _, err := s.ForceTick(context.Background(), "due"); err != nil {
		t.Fatalf("overlapping ForceTick: %v", err)
	}
	if due, _ := r.counts(); due != 1 {
		t.Fatalf("overlapping tick reached the engine (%d runs)", due)
	}

	close(r.block)
	<-done

	// The guard releases once the first run finishes.
	r.mu.Lock()
	r.block = nil
	r.mu.Unlock()
	if _, err := s.ForceTick(context.Background(), "due"); err != nil {
		t.Fatalf("follow-up ForceTick: %v", err)
	}
	if due, _ := r.counts(); due != 2 {
		t.Fatalf("follow-up tick did not run (%d runs)", due)
	}
}

func TestTickSurvivesPanic(t *testing.T) {
	r := &fakeRunner{panicOne: true}
	s := newTestService(r, clock.NewFake(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)))

	if _, err := s.ForceTick(context.Background(), "due"); err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	// The guard is released and the next tick runs normally.
	if _, err := s.ForceTick(context.Background(), "due"); err != nil {
		t.Fatalf("tick after panic: %v", err)
	}
	if due, _ := r.counts(); due != 2 {
		t.Fatalf("runs = %d, want 2", due)
	}
}

func TestStartStop(t *testing.T) {
	r := &fakeRunner{}
	s := New(Config{Enabled: true, Due: "every 1h", Overdue: "every 6h"}, r, clock.System(), logx.Nop(), eventbus.New())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop(context.Background())

	bad := New(Config{Enabled: true, Due: "nope"}, r, clock.System(), logx.Nop(), eventbus.New())
	if err := bad.Start(context.Background()); err == nil {
		t.Fatal("expected Start to reject an invalid schedule")
	}
}
