// Package ticker drives the engine's two cadences: the fast due-window
// tick and the slow overdue pass. Cron does the waking; the engine does
// the thinking.
package ticker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/clock"
	"remindd/internal/engine"
	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

// Defaults match the expected operating point: evaluate every minute,
// sweep for overdue reminders every six hours.
const (
	DefaultDue     = "1m"
	DefaultOverdue = "every 6h"
)

// Config controls the tick cadences.
type Config struct {
	Enabled bool
	// Due and Overdue are schedules: a cron spec, a duration ("90s"),
	// or "every <duration>".
	Due     string
	Overdue string
	// Timezone is an IANA name for cron specs ("" means local time).
	Timezone string
	// TickTimeout bounds one engine pass (default 50s, under the fast
	// cadence so runs cannot pile up).
	TickTimeout time.Duration
	HistorySize int
}

// Runner is the engine side of the ticker. *engine.Coordinator implements it.
type Runner interface {
	RunTick(ctx context.Context, now time.Time) (engine.TickReport, error)
	RunOverduePass(ctx context.Context, now time.Time) (engine.TickReport, error)
}

// HistoryItem records one tick for the status surface.
type HistoryItem struct {
	Kind     string
	Started  time.Time
	Duration time.Duration
	Fired    int
	Failures int
	Error    string
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	clk    clock.Clock
	runner Runner

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context

	// Per-kind single-flight guards: a cadence never overlaps itself.
	dueBusy     atomic.Bool
	overdueBusy atomic.Bool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, runner Runner, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "ticker")),
		bus:    bus,
		clk:    clk,
		runner: runner,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration; a running service restarts its cron when
// the schedules or timezone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Due != s.cfg.Due || cfg.Overdue != s.cfg.Overdue || cfg.Timezone != s.cfg.Timezone
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if !cfg.Enabled {
		s.stopLocked()
		return
	}
	if changed {
		s.stopLocked()
		if err := s.startLocked(s.ctx); err != nil {
			s.log.Error("ticker restart failed", logx.Err(err))
		}
	}
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.ctx = ctx
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	due := s.cfg.Due
	if strings.TrimSpace(due) == "" {
		due = DefaultDue
	}
	overdue := s.cfg.Overdue
	if strings.TrimSpace(overdue) == "" {
		overdue = DefaultOverdue
	}

	if err := s.register(ctx, c, "due", due); err != nil {
		return fmt.Errorf("due schedule: %w", err)
	}
	if err := s.register(ctx, c, "overdue", overdue); err != nil {
		return fmt.Errorf("overdue schedule: %w", err)
	}

	s.c = c
	c.Start()
	s.log.Info("ticker started",
		logx.String("due", due), logx.String("overdue", overdue), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) register(ctx context.Context, c *cron.Cron, kind, raw string) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	_, err = c.AddFunc(spec.CronSpec(), func() { s.tick(ctx, kind) })
	return err
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("ticker stopped")
}

// ForceTick runs one pass immediately, outside the cadence. Used by the ops
// surface. It still respects the single-flight guard.
func (s *Service) ForceTick(ctx context.Context, kind string) (engine.TickReport, error) {
	switch kind {
	case "due", "overdue":
	default:
		return engine.TickReport{}, fmt.Errorf("unknown tick kind %q", kind)
	}
	return s.run(ctx, kind)
}

func (s *Service) tick(ctx context.Context, kind string) {
	_, _ = s.run(ctx, kind)
}

func (s *Service) run(ctx context.Context, kind string) (engine.TickReport, error) {
	busy := &s.dueBusy
	if kind == "overdue" {
		busy = &s.overdueBusy
	}
	if !busy.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped, previous run still going", logx.String("kind", kind))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "tick.skipped", Data: map[string]any{"kind": kind}})
		}
		return engine.TickReport{}, nil
	}
	defer busy.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	timeout := s.tickTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A panicking engine pass must not kill the cron goroutine.
	var (
		rep engine.TickReport
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("tick panicked: %v", p)
				s.log.Error("tick panicked", logx.String("kind", kind), logx.Any("panic", p))
			}
		}()
		now := s.clk.Now()
		start := time.Now()
		if kind == "overdue" {
			rep, err = s.runner.RunOverduePass(runCtx, now)
		} else {
			rep, err = s.runner.RunTick(runCtx, now)
		}
		s.appendHistory(kind, start, rep, err)
	}()
	return rep, err
}

func (s *Service) tickTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.TickTimeout > 0 {
		return s.cfg.TickTimeout
	}
	return 50 * time.Second
}

func (s *Service) appendHistory(kind string, start time.Time, rep engine.TickReport, err error) {
	it := HistoryItem{
		Kind:     kind,
		Started:  start,
		Duration: time.Since(start),
		Fired:    rep.Fired,
		Failures: len(rep.Failures),
	}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	keep := s.cfg.HistorySize
	if keep <= 0 {
		keep = 100
	}
	if len(s.history) > keep {
		s.history = s.history[len(s.history)-keep:]
	}
	s.hmu.Unlock()
}

// Snapshot returns recent ticks, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
