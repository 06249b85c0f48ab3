package safety

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rampart-io/rampart/internal/audit"
	"github.com/rampart-io/rampart/internal/health"
)

func criticalTrigger(sustain time.Duration) health.Trigger {
	return health.Trigger{
		Metric:     health.MetricErrorRate,
		Comparator: health.CompGT,
		Threshold:  0.05,
		Sustain:    sustain,
		Severity:   health.SeverityCritical,
	}
}

func TestCriticalBreachFiresImmediately(t *testing.T) {
	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})

	var fired atomic.Int32
	listed := true
	targets := TargetsFunc(func(ctx context.Context) []Target {
		if !listed {
			return nil
		}
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(0)},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				listed = false
				return nil
			},
		}}
	})

	m := NewMonitor(Config{Targets: targets, Source: source})

	m.CheckNow(context.Background())
	if fired.Load() != 1 {
		t.Fatalf("expected one rollback, got %d", fired.Load())
	}

	// Rolled-back targets stop appearing; further passes do nothing.
	m.CheckNow(context.Background())
	if fired.Load() != 1 {
		t.Fatalf("rollback fired again after target disappeared: %d", fired.Load())
	}
}

func TestSustainWindowDelaysRollback(t *testing.T) {
	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})

	var fired atomic.Int32
	targets := TargetsFunc(func(ctx context.Context) []Target {
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(30 * time.Second)},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				return nil
			},
		}}
	})

	current := time.Unix(1700000000, 0)
	m := NewMonitor(Config{
		Targets: targets,
		Source:  source,
		Now:     func() time.Time { return current },
	})
	ctx := context.Background()

	m.CheckNow(ctx)
	if fired.Load() != 0 {
		t.Fatal("breach fired before the sustain window elapsed")
	}

	current = current.Add(10 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 0 {
		t.Fatal("breach fired at 10s of a 30s window")
	}

	current = current.Add(20 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 1 {
		t.Fatalf("expected rollback after 30s sustained breach, got %d", fired.Load())
	}
}

func TestRecoveryResetsSustainClock(t *testing.T) {
	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})

	var fired atomic.Int32
	targets := TargetsFunc(func(ctx context.Context) []Target {
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(30 * time.Second)},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				return nil
			},
		}}
	})

	current := time.Unix(1700000000, 0)
	m := NewMonitor(Config{
		Targets: targets,
		Source:  source,
		Now:     func() time.Time { return current },
	})
	ctx := context.Background()

	m.CheckNow(ctx)

	// Recovery at 10s clears the clock.
	current = current.Add(10 * time.Second)
	source.Set("checkout-v2", health.Snapshot{ErrorRate: 0.01})
	m.CheckNow(ctx)

	// Breaching again at 20s starts a fresh window.
	current = current.Add(10 * time.Second)
	source.Set("checkout-v2", health.Snapshot{ErrorRate: 0.2})
	m.CheckNow(ctx)

	current = current.Add(25 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 0 {
		t.Fatal("fired before the restarted window elapsed")
	}

	current = current.Add(5 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 1 {
		t.Fatalf("expected rollback 30s after the second breach began, got %d", fired.Load())
	}
}

func TestWarningNeverRollsBack(t *testing.T) {
	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})

	var fired atomic.Int32
	targets := TargetsFunc(func(ctx context.Context) []Target {
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{{
				Metric:     health.MetricErrorRate,
				Comparator: health.CompGT,
				Threshold:  0.05,
				Severity:   health.SeverityWarning,
			}},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				return nil
			},
		}}
	})

	m := NewMonitor(Config{Targets: targets, Source: source})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.CheckNow(ctx)
	}
	if fired.Load() != 0 {
		t.Fatalf("warning trigger rolled back %d times", fired.Load())
	}
}

type flakySource struct {
	snap    health.Snapshot
	failing bool
}

func (s *flakySource) Current(context.Context, string) (*health.Snapshot, error) {
	if s.failing {
		return nil, fmt.Errorf("collector unreachable")
	}
	snap := s.snap
	return &snap, nil
}

func TestMissingDataKeepsSustainClock(t *testing.T) {
	source := &flakySource{snap: health.Snapshot{ErrorRate: 0.2}}

	var fired atomic.Int32
	targets := TargetsFunc(func(ctx context.Context) []Target {
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(60 * time.Second)},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				return nil
			},
		}}
	})

	current := time.Unix(1700000000, 0)
	m := NewMonitor(Config{
		Targets: targets,
		Source:  source,
		Now:     func() time.Time { return current },
	})
	ctx := context.Background()

	m.CheckNow(ctx)

	// The collector flaps; the breach clock must survive.
	source.failing = true
	for i := 0; i < 4; i++ {
		current = current.Add(10 * time.Second)
		m.CheckNow(ctx)
	}
	source.failing = false

	current = current.Add(20 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 1 {
		t.Fatalf("expected rollback 60s after first sighting, got %d", fired.Load())
	}
}

func TestPruneResetsDisappearedTargets(t *testing.T) {
	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})

	var fired atomic.Int32
	listed := true
	targets := TargetsFunc(func(ctx context.Context) []Target {
		if !listed {
			return nil
		}
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(30 * time.Second)},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				return nil
			},
		}}
	})

	current := time.Unix(1700000000, 0)
	m := NewMonitor(Config{
		Targets: targets,
		Source:  source,
		Now:     func() time.Time { return current },
	})
	ctx := context.Background()

	m.CheckNow(ctx)

	// Target vanishes (say, paused) and returns 20s later.
	listed = false
	current = current.Add(10 * time.Second)
	m.CheckNow(ctx)

	listed = true
	current = current.Add(10 * time.Second)
	m.CheckNow(ctx)

	// 30s after the original sighting but only 10s after the return.
	current = current.Add(10 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 0 {
		t.Fatal("stale sustain clock survived target disappearance")
	}

	current = current.Add(20 * time.Second)
	m.CheckNow(ctx)
	if fired.Load() != 1 {
		t.Fatalf("expected rollback 30s after the target returned, got %d", fired.Load())
	}
}

func TestBreachIsAuditedOncePerEpisode(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.NewTrail(dir)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}

	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})
	targets := TargetsFunc(func(ctx context.Context) []Target {
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(time.Hour)},
			Rollback: func(ctx context.Context, reason string) error { return nil },
		}}
	})

	m := NewMonitor(Config{Targets: targets, Source: source, Trail: trail})
	ctx := context.Background()

	// A breach held across passes is one episode, one audit record.
	for i := 0; i < 3; i++ {
		m.CheckNow(ctx)
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", time.Now().Format("20060102")))
	records, err := audit.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one breach record, got %d", len(records))
	}
	if records[0].Kind != audit.KindSafetyBreach || records[0].Subject != "rollout/p1" {
		t.Errorf("unexpected record: kind=%s subject=%s", records[0].Kind, records[0].Subject)
	}
	if records[0].Fields["severity"] != "critical" {
		t.Errorf("expected critical severity, got %v", records[0].Fields["severity"])
	}
}

func TestPollingLoop(t *testing.T) {
	source := health.NewStaticSource(health.Snapshot{ErrorRate: 0.2})

	var fired atomic.Int32
	targets := TargetsFunc(func(ctx context.Context) []Target {
		return []Target{{
			ID:       "rollout/p1",
			SourceID: "checkout-v2",
			Triggers: []health.Trigger{criticalTrigger(0)},
			Rollback: func(ctx context.Context, reason string) error {
				fired.Add(1)
				return nil
			},
		}}
	})

	m := NewMonitor(Config{Targets: targets, Source: source, Interval: 5 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fired.Load() >= 1 {
			m.Stop()
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("polling loop never fired the breached trigger")
}
