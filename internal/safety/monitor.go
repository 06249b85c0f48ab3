// Package safety runs the continuous health watchdog. The monitor
// polls every registered target on a fixed interval, independent of
// rollout phase timers, and invokes the target's rollback the moment a
// critical trigger has been breached for its sustain window.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rampart-io/rampart/internal/audit"
	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/metrics"
)

// Target is one guarded subject: an active rollout plan or experiment.
// Rollback must be idempotent; the monitor may race a manual abort.
type Target struct {
	// ID identifies the target across polling passes, e.g.
	// "rollout/<plan id>". Sustain tracking is keyed on it.
	ID string

	// SourceID is the subject handed to the health source.
	SourceID string

	Triggers []health.Trigger

	Rollback func(ctx context.Context, reason string) error
}

// TargetSource yields the current set of guarded targets. The monitor
// re-lists on every pass, so targets that complete or roll back simply
// stop appearing.
type TargetSource interface {
	SafetyTargets(ctx context.Context) []Target
}

// TargetsFunc adapts a function to the TargetSource interface.
type TargetsFunc func(ctx context.Context) []Target

func (f TargetsFunc) SafetyTargets(ctx context.Context) []Target { return f(ctx) }

// Config wires the monitor. Targets and Source are required.
type Config struct {
	Targets  TargetSource
	Source   health.Source
	Interval time.Duration
	Metrics  *metrics.Metrics
	Trail    *audit.Trail
	Now      func() time.Time
}

const defaultInterval = 30 * time.Second

// Monitor is the background watchdog.
type Monitor struct {
	targets  TargetSource
	source   health.Source
	interval time.Duration
	metrics  *metrics.Metrics
	trail    *audit.Trail
	now      func() time.Time

	mu       sync.Mutex
	breaches map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor; call Start to begin polling.
func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		targets:  cfg.Targets,
		source:   cfg.Source,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		trail:    cfg.Trail,
		now:      cfg.Now,
		breaches: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start launches the polling loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
	fmt.Printf("Safety monitor started (interval %s)\n", m.interval)
}

// Stop halts the polling loop and waits for an in-flight pass.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckNow runs a single polling pass over every target. The ticker
// loop funnels here; tests call it directly.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.metrics.SafetyChecks.Inc()

	seen := make(map[string]bool)
	for _, target := range m.targets.SafetyTargets(ctx) {
		if len(target.Triggers) == 0 {
			continue
		}

		snap, err := m.source.Current(ctx, target.SourceID)
		if err != nil {
			// No data is no verdict; keep existing sustain clocks so a
			// flapping collector cannot reset a real breach.
			fmt.Printf("Warning: safety check for %s has no health data: %v\n", target.ID, err)
			for _, trigger := range target.Triggers {
				seen[breachKey(target.ID, trigger)] = true
			}
			continue
		}

		for _, trigger := range target.Triggers {
			key := breachKey(target.ID, trigger)
			seen[key] = true

			if !trigger.Breached(snap) {
				m.clear(key)
				continue
			}

			m.metrics.SafetyBreaches.WithLabelValues(string(trigger.Severity)).Inc()

			held, fresh := m.observe(key)
			if fresh {
				m.trail.Event(audit.KindSafetyBreach, target.ID, trigger.String(), map[string]any{
					"severity": string(trigger.Severity),
				})
			}

			if trigger.Severity != health.SeverityCritical {
				fmt.Printf("Warning: %s breaching %s\n", target.ID, trigger)
				continue
			}

			if held >= trigger.Sustain {
				reason := fmt.Sprintf("sustained breach: %s", trigger)
				if err := target.Rollback(ctx, reason); err != nil {
					fmt.Printf("Warning: rollback of %s failed: %v\n", target.ID, err)
				}
				m.clear(key)
			}
		}
	}

	m.prune(seen)
}

func breachKey(targetID string, trigger health.Trigger) string {
	return targetID + "\x00" + trigger.String()
}

// observe stamps the first sighting of a breach and returns how long it
// has been held, plus whether this sighting opened the episode.
func (m *Monitor) observe(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, ok := m.breaches[key]
	if !ok {
		m.breaches[key] = m.now()
		return 0, true
	}
	return m.now().Sub(first), false
}

func (m *Monitor) clear(key string) {
	m.mu.Lock()
	delete(m.breaches, key)
	m.mu.Unlock()
}

// prune drops sustain clocks for targets that are no longer listed, so
// re-created targets start from a clean slate.
func (m *Monitor) prune(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.breaches {
		if !seen[key] {
			delete(m.breaches, key)
		}
	}
}
