// Package engine assembles the control plane: experiment registry and
// allocator, event recorder, statistics, feature flags, rollout
// manager, and the safety monitor, all sharing one store and one
// health source. Callers talk to the Engine; the parts never reach
// around it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rampart-io/rampart/internal/audit"
	"github.com/rampart-io/rampart/internal/events"
	"github.com/rampart-io/rampart/internal/experiment"
	"github.com/rampart-io/rampart/internal/flags"
	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/metrics"
	"github.com/rampart-io/rampart/internal/rollout"
	"github.com/rampart-io/rampart/internal/safety"
	"github.com/rampart-io/rampart/internal/stats"
	"github.com/rampart-io/rampart/internal/store"
)

// Config wires the engine. Store and Source are required; a nil WAL
// disables event journaling and a nil Trail disables auditing.
type Config struct {
	Store  store.Store
	Source health.Source

	Metrics *metrics.Metrics
	Trail   *audit.Trail
	WAL     *events.WAL

	// BaseAttributes are ambient flag-evaluation attributes
	// (environment, region) merged under every caller's overrides.
	BaseAttributes map[string]any

	// SafetyInterval is the monitor's polling period.
	SafetyInterval time.Duration

	Now func() time.Time
}

// Engine is the single entry point for all control-plane operations.
type Engine struct {
	store       store.Store
	source      health.Source
	experiments *experiment.Registry
	allocator   *experiment.Allocator
	recorder    *events.Recorder
	flags       *flags.Registry
	rollouts    *rollout.Manager
	monitor     *safety.Monitor
	metrics     *metrics.Metrics
	trail       *audit.Trail
	wal         *events.WAL
	now         func() time.Time

	mu       sync.RWMutex
	finished map[string]*stats.Results
}

// New builds an engine; call Load to rehydrate state and Start to
// launch the safety monitor.
func New(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		store:       cfg.Store,
		source:      cfg.Source,
		experiments: experiment.NewRegistry(cfg.Store),
		allocator:   experiment.NewAllocator(cfg.Store),
		recorder:    events.NewRecorder(cfg.WAL),
		flags:       flags.NewRegistry(cfg.Store, cfg.BaseAttributes),
		metrics:     m,
		trail:       cfg.Trail,
		wal:         cfg.WAL,
		now:         now,
		finished:    make(map[string]*stats.Results),
	}

	e.rollouts = rollout.NewManager(rollout.Config{
		Store:       cfg.Store,
		Flags:       e.flags,
		Experiments: e.experiments,
		Source:      cfg.Source,
		Trail:       cfg.Trail,
		Metrics:     m,
		Now:         now,
	})

	e.monitor = safety.NewMonitor(safety.Config{
		Targets:  e,
		Source:   cfg.Source,
		Interval: cfg.SafetyInterval,
		Metrics:  m,
		Trail:    cfg.Trail,
		Now:      now,
	})

	return e
}

// Load rehydrates registries from the store and replays the event WAL.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.experiments.Load(ctx); err != nil {
		return err
	}
	if err := e.flags.Load(ctx); err != nil {
		return err
	}
	if err := e.rollouts.Load(ctx); err != nil {
		return err
	}

	if e.wal != nil {
		replayed, err := events.ReplayDir(e.wal.Dir())
		if err != nil {
			return fmt.Errorf("replay event log: %w", err)
		}
		e.recorder.Restore(replayed)
	}
	return nil
}

// Start launches the safety monitor.
func (e *Engine) Start(ctx context.Context) {
	e.monitor.Start(ctx)
}

// Close stops the safety monitor and cancels all rollout timers. The
// store, WAL, and audit trail belong to the caller.
func (e *Engine) Close() {
	e.monitor.Stop()
	e.rollouts.Close()
}

// ---- Experiments ----

// CreateExperiment validates and registers an experiment in draft.
func (e *Engine) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := e.experiments.Register(ctx, exp); err != nil {
		return err
	}
	e.trail.Event(audit.KindExperimentCreated, exp.ID, exp.Name, nil)
	return nil
}

// StartExperiment begins allocation.
func (e *Engine) StartExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	exp, err := e.experiments.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	e.trail.Event(audit.KindExperimentStarted, id, exp.Name, nil)
	return exp, nil
}

// PauseExperiment suspends new assignments; existing ones stay sticky.
func (e *Engine) PauseExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.experiments.Pause(ctx, id)
}

// StopExperiment ends the experiment, releases its assignments, and
// returns the final read-out. Stopping twice returns the same results.
func (e *Engine) StopExperiment(ctx context.Context, id, reason string) (*stats.Results, error) {
	return e.stopExperiment(ctx, id, reason, "")
}

func (e *Engine) stopExperiment(ctx context.Context, id, reason, origin string) (*stats.Results, error) {
	e.mu.RLock()
	if results, ok := e.finished[id]; ok {
		e.mu.RUnlock()
		return results, nil
	}
	e.mu.RUnlock()

	exp, err := e.experiments.Stop(ctx, id, reason)
	if err != nil {
		return nil, err
	}

	if released, err := e.allocator.Deactivate(ctx, id); err != nil {
		fmt.Printf("Warning: could not release assignments for %s: %v\n", id, err)
	} else if released > 0 {
		fmt.Printf("Released %d assignments for experiment %s\n", released, id)
	}

	results := stats.Compute(exp, e.recorder.ByExperiment(id))
	e.metrics.ResultsComputed.Inc()
	if origin != "" {
		e.metrics.RollbacksTotal.WithLabelValues(origin).Inc()
	}

	e.mu.Lock()
	e.finished[id] = results
	e.mu.Unlock()

	e.trail.Event(audit.KindExperimentStopped, id, reason, map[string]any{
		"recommendation": results.Recommend,
	})
	return results, nil
}

// GetExperiment returns one experiment.
func (e *Engine) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.experiments.Get(id)
}

// ListExperiments returns all experiments.
func (e *Engine) ListExperiments(ctx context.Context) []*experiment.Experiment {
	return e.experiments.List()
}

// ---- Assignment and tracking ----

// Assign resolves the user's variant, creating a sticky assignment on
// first exposure. A nil assignment means the user does not participate.
func (e *Engine) Assign(ctx context.Context, experimentID, userID string, attrs map[string]any) (*experiment.Assignment, error) {
	start := time.Now()
	defer func() {
		e.metrics.AssignmentDuration.Observe(time.Since(start).Seconds())
	}()

	exp, err := e.experiments.Get(experimentID)
	if err != nil {
		return nil, err
	}

	assignment, err := e.allocator.Assign(ctx, exp, userID, attrs)
	if err != nil {
		return nil, err
	}
	if assignment != nil {
		e.metrics.AssignmentsTotal.WithLabelValues(experimentID).Inc()
	}
	return assignment, nil
}

// GetAssignment returns the existing assignment without creating one.
func (e *Engine) GetAssignment(ctx context.Context, experimentID, userID string) (*experiment.Assignment, error) {
	return e.allocator.Get(ctx, experimentID, userID)
}

// ResetAssignment removes a user's assignment so the next Assign rolls
// fresh.
func (e *Engine) ResetAssignment(ctx context.Context, experimentID, userID string) error {
	return e.allocator.Reset(ctx, experimentID, userID)
}

// Track records a metric event. Events for users without an active
// assignment are dropped without error; an unknown experiment is an
// error. The bool reports whether the event was kept.
func (e *Engine) Track(ctx context.Context, experimentID, userID, eventType string, value *float64, metadata map[string]any) (bool, error) {
	if _, err := e.experiments.Get(experimentID); err != nil {
		return false, err
	}

	assignment, err := e.allocator.Get(ctx, experimentID, userID)
	if err != nil || assignment == nil || !assignment.Active {
		e.metrics.EventsDropped.Inc()
		return false, nil
	}

	err = e.recorder.Append(&events.Event{
		ExperimentID: experimentID,
		UserID:       userID,
		VariantID:    assignment.VariantID,
		Type:         eventType,
		Value:        value,
		Metadata:     metadata,
	})
	if err != nil {
		return false, err
	}
	e.metrics.EventsRecorded.Inc()
	return true, nil
}

// ComputeResults returns the statistical read-out: the frozen final
// results for a stopped experiment, a fresh interim computation
// otherwise.
func (e *Engine) ComputeResults(ctx context.Context, id string) (*stats.Results, error) {
	e.mu.RLock()
	if results, ok := e.finished[id]; ok {
		e.mu.RUnlock()
		return results, nil
	}
	e.mu.RUnlock()

	exp, err := e.experiments.Get(id)
	if err != nil {
		return nil, err
	}

	results := stats.Compute(exp, e.recorder.ByExperiment(id))
	e.metrics.ResultsComputed.Inc()
	return results, nil
}

// ---- Feature flags ----

// CreateFlag validates and registers a flag.
func (e *Engine) CreateFlag(ctx context.Context, f *flags.Flag) error {
	if err := e.flags.Create(ctx, f); err != nil {
		return err
	}
	e.trail.Event(audit.KindFlagCreated, f.Name, f.Description, nil)
	return nil
}

// GetFlag returns one flag definition.
func (e *Engine) GetFlag(ctx context.Context, name string) (*flags.Flag, error) {
	return e.flags.Get(name)
}

// ListFlags returns all flag definitions.
func (e *Engine) ListFlags(ctx context.Context) []*flags.Flag {
	return e.flags.List()
}

// IsEnabled evaluates the flag gate for one user.
func (e *Engine) IsEnabled(name, userID string, attrs map[string]any) bool {
	enabled := e.flags.IsEnabled(name, flags.Context{UserID: userID, Attributes: attrs})
	result := "disabled"
	if enabled {
		result = "enabled"
	}
	e.metrics.FlagEvaluations.WithLabelValues(name, result).Inc()
	return enabled
}

// GetVariant evaluates the gate and picks the user's flag variant.
func (e *Engine) GetVariant(name, userID string, attrs map[string]any) (string, bool) {
	variantID, ok := e.flags.GetVariant(name, flags.Context{UserID: userID, Attributes: attrs})
	if ok {
		e.metrics.FlagVariantPicks.WithLabelValues(name, variantID).Inc()
	}
	return variantID, ok
}

// ---- Rollouts ----

// CreateRolloutPlan validates and registers a rollout plan.
func (e *Engine) CreateRolloutPlan(ctx context.Context, plan *rollout.Plan) error {
	return e.rollouts.Create(ctx, plan)
}

// StartRollout begins phase 0 of a planned rollout.
func (e *Engine) StartRollout(ctx context.Context, id string) error {
	return e.rollouts.Start(ctx, id)
}

// PauseRollout holds the rollout at its current exposure.
func (e *Engine) PauseRollout(ctx context.Context, id string) error {
	return e.rollouts.Pause(ctx, id)
}

// ResumeRollout re-arms a paused rollout's phase timer.
func (e *Engine) ResumeRollout(ctx context.Context, id string) error {
	return e.rollouts.Resume(ctx, id)
}

// RollbackRollout aborts the rollout and disables its flag.
func (e *Engine) RollbackRollout(ctx context.Context, id, reason string) error {
	return e.rollouts.Rollback(ctx, id, reason)
}

// RolloutStatus returns a copy of one plan.
func (e *Engine) RolloutStatus(ctx context.Context, id string) (*rollout.Plan, error) {
	return e.rollouts.Status(ctx, id)
}

// ListRollouts returns all plans.
func (e *Engine) ListRollouts(ctx context.Context) []*rollout.Plan {
	return e.rollouts.List(ctx)
}

// ListActiveRollouts returns plans currently advancing.
func (e *Engine) ListActiveRollouts(ctx context.Context) []*rollout.Plan {
	return e.rollouts.ListActive(ctx)
}

// EvaluateRollout forces the current phase's evaluation instead of
// waiting for the timer.
func (e *Engine) EvaluateRollout(ctx context.Context, id string) error {
	return e.rollouts.Evaluate(ctx, id)
}

// ---- Safety ----

// SafetyTargets lists everything the monitor guards: active rollout
// plans and active experiments that declare rollback triggers.
func (e *Engine) SafetyTargets(ctx context.Context) []safety.Target {
	var targets []safety.Target

	for _, plan := range e.rollouts.ListActive(ctx) {
		if len(plan.Triggers) == 0 {
			continue
		}
		planID := plan.ID
		targets = append(targets, safety.Target{
			ID:       "rollout/" + planID,
			SourceID: plan.FlagName,
			Triggers: plan.Triggers,
			Rollback: func(ctx context.Context, reason string) error {
				return e.rollouts.SafetyRollback(ctx, planID, reason)
			},
		})
	}

	for _, exp := range e.experiments.Active() {
		triggers := exp.SafetyTriggers()
		if len(triggers) == 0 {
			continue
		}
		expID := exp.ID
		targets = append(targets, safety.Target{
			ID:       "experiment/" + expID,
			SourceID: expID,
			Triggers: triggers,
			Rollback: func(ctx context.Context, reason string) error {
				_, err := e.stopExperiment(ctx, expID, "safety: "+reason, "safety")
				return err
			},
		})
	}

	return targets
}

// CheckSafetyNow runs one safety pass synchronously.
func (e *Engine) CheckSafetyNow(ctx context.Context) {
	e.monitor.CheckNow(ctx)
}
