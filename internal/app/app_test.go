package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"remindd/internal/eventbus"
	rtsup "remindd/internal/runtime/supervisor"
)

const smokeConfig = `
engine:
  tolerance_minutes: 5
ticks:
  enabled: false
logging:
  level: error
  console: false
storage:
  driver: memory
sink:
  enabled: false
ops:
  enabled: false
`

func TestAppLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	if err := os.WriteFile(path, []byte(smokeConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.readiness(ctx); err != nil {
		t.Fatalf("readiness: %v", err)
	}

	// No users in an empty store; the pass completes without firing.
	rep, err := a.ForceTick(ctx, "due")
	if err != nil {
		t.Fatalf("ForceTick: %v", err)
	}
	if rep.Users != 0 || rep.Fired != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := a.ForceTick(ctx, "sideways"); err == nil {
		t.Fatal("expected unknown tick kind to be rejected")
	}

	// The status surface carries per-goroutine supervisor stats.
	st, _ := a.statusReport(ctx).(map[string]any)
	snap, ok := st["supervisor"].(rtsup.SupervisorSnapshot)
	if !ok || snap.Counters.Started == 0 || len(snap.Goroutines) == 0 {
		t.Fatalf("supervisor status = %#v", st["supervisor"])
	}

	a.Stop(ctx)
	if err := a.readiness(ctx); err == nil {
		t.Fatal("expected readiness to fail after Stop")
	}
}

func TestValidateConfigPublishesFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	if err := os.WriteFile(path, []byte(smokeConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ch, unsub := a.Bus().Subscribe(4)
	defer unsub()

	bad := *a.cfgm.Get()
	bad.Ticks.Due = "not-a-schedule ever"
	if err := a.validateConfig(context.Background(), &bad); err == nil {
		t.Fatal("expected the bad due schedule to be rejected")
	}

	select {
	case e := <-ch:
		if e.Type != eventbus.EvConfigReloadFailed {
			t.Fatalf("event = %v, want %v", e.Type, eventbus.EvConfigReloadFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload-failed event on the bus")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	bad := smokeConfig + "\nextras:\n  oops: true\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected unknown keys to be rejected")
	}
}
