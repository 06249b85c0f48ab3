package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rampart-io/rampart/internal/audit"
	"github.com/rampart-io/rampart/internal/experiment"
	"github.com/rampart-io/rampart/internal/flags"
	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/metrics"
	"github.com/rampart-io/rampart/internal/store"
)

const keyPrefix = "rollout-"

// Origins recorded on rollbacks.
const (
	OriginManual          = "manual"
	OriginSafety          = "safety"
	OriginPhaseEvaluation = "phase_evaluation"
)

// Config wires the manager's collaborators. Store, Flags, Experiments
// and Source are required; the rest are optional.
type Config struct {
	Store       store.Store
	Flags       *flags.Registry
	Experiments *experiment.Registry
	Source      health.Source
	Trail       *audit.Trail
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Manager owns every rollout plan and its phase timer. A plan's state
// and its target flag mutate together under the manager lock; health
// fetches happen outside it.
type Manager struct {
	mu          sync.RWMutex
	store       store.Store
	plans       map[string]*Plan
	timers      map[string]*time.Timer
	flags       *flags.Registry
	experiments *experiment.Registry
	source      health.Source
	trail       *audit.Trail
	metrics     *metrics.Metrics
	now         func() time.Time
	closed      bool
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:       cfg.Store,
		plans:       make(map[string]*Plan),
		timers:      make(map[string]*time.Timer),
		flags:       cfg.Flags,
		experiments: cfg.Experiments,
		source:      cfg.Source,
		trail:       cfg.Trail,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Load rehydrates plans from the store. Active plans get their phase
// timer re-armed for the full phase duration: a restart resets the
// soak window rather than guessing at elapsed time.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("load rollout plans: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rearmed := 0
	for key, value := range records {
		var plan Plan
		if err := json.Unmarshal(value, &plan); err != nil {
			fmt.Printf("Warning: skipping corrupt rollout record %s: %v\n", key, err)
			continue
		}
		m.plans[plan.ID] = &plan

		if plan.Status == StatusActive {
			m.metrics.RolloutsActive.Inc()
			m.metrics.RolloutPercentage.WithLabelValues(plan.Name).Set(plan.CurrentPercentage)
			if plan.CurrentPhase < len(plan.Phases)-1 {
				m.scheduleLocked(&plan)
				rearmed++
			}
		}
	}

	fmt.Printf("Loaded %d rollout plans (%d timers re-armed)\n", len(m.plans), rearmed)
	return nil
}

// Create validates and registers a plan in the planned state. The
// target flag must already exist.
func (m *Manager) Create(ctx context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if _, err := m.flags.Get(plan.FlagName); err != nil {
		return &ValidationError{
			Field:   "flag_name",
			Message: fmt.Sprintf("flag %q not found", plan.FlagName),
		}
	}

	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	for i := range plan.Phases {
		if plan.Phases[i].Name == "" {
			plan.Phases[i].Name = fmt.Sprintf("phase-%d", i+1)
		}
	}
	plan.Status = StatusPlanned
	plan.CurrentPhase = 0
	plan.CurrentPercentage = 0
	plan.Transitions = nil
	plan.CreatedAt = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plans[plan.ID]; exists {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("rollout %s already exists", plan.ID)}
	}

	m.plans[plan.ID] = clonePlan(plan)
	m.persistLocked(ctx, m.plans[plan.ID])
	m.trail.Event(audit.KindRolloutCreated, plan.ID, plan.Name, map[string]any{
		"flag":   plan.FlagName,
		"phases": len(plan.Phases),
	})
	return nil
}

// Start moves a planned rollout into its first phase: captures the
// health baseline, enables the target flag, creates the mirror
// experiment, and arms the phase timer.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	if plan.Status != StatusPlanned {
		m.mu.Unlock()
		return fmt.Errorf("rollout %s: cannot start from status %s", id, plan.Status)
	}
	flagName := plan.FlagName
	m.mu.Unlock()

	// Baseline and mirror setup touch collaborators; do them before
	// re-taking the lock.
	baseline, err := m.source.Current(ctx, flagName)
	if err != nil {
		fmt.Printf("Warning: rollout %s started without a baseline snapshot: %v\n", id, err)
		baseline = nil
	}

	mirrorID, err := m.startMirror(ctx, id)
	if err != nil {
		fmt.Printf("Warning: rollout %s running without a mirror experiment: %v\n", id, err)
	}

	if err := m.flags.SetEnabled(ctx, flagName, true); err != nil {
		return fmt.Errorf("enable flag %s: %w", flagName, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok = m.plans[id]
	if !ok || plan.Status != StatusPlanned {
		if mirrorID != "" {
			if _, err := m.experiments.Stop(ctx, mirrorID, "rollout start aborted"); err != nil {
				fmt.Printf("Warning: could not stop orphaned mirror %s: %v\n", mirrorID, err)
			}
		}
		return fmt.Errorf("rollout %s changed state during start", id)
	}

	started := m.now()
	plan.StartedAt = &started
	plan.Baseline = baseline
	plan.MirrorExperimentID = mirrorID
	plan.Status = StatusActive
	m.metrics.RolloutsActive.Inc()

	return m.transitionLocked(ctx, plan, 0, "rollout started", baseline)
}

// startMirror registers and starts the shadow experiment measuring the
// rollout: control versus feature-on, weighted by the first phase.
func (m *Manager) startMirror(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.RUnlock()
		return "", fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	name := plan.Name
	pct := plan.Phases[0].Percentage
	m.mu.RUnlock()

	mirror := &experiment.Experiment{
		Name:        name + " (rollout mirror)",
		Description: "Shadow experiment tracking rollout " + id,
		Variants: []experiment.Variant{
			{ID: "control", Name: "Control", Weight: 100 - pct, Control: true},
			{ID: "feature-on", Name: "Feature on", Weight: pct},
		},
		Strategy:      experiment.StrategyDeterministic,
		Audience:      experiment.TargetAudience{Percentage: 100},
		PrimaryMetric: "success",
	}
	if err := m.experiments.Register(ctx, mirror); err != nil {
		return "", err
	}
	if _, err := m.experiments.Start(ctx, mirror.ID); err != nil {
		return mirror.ID, err
	}
	return mirror.ID, nil
}

// Pause suspends an active rollout at its current exposure.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	if plan.Status != StatusActive {
		return fmt.Errorf("rollout %s: cannot pause from status %s", id, plan.Status)
	}

	m.stopTimerLocked(id)
	plan.Status = StatusPaused
	m.metrics.RolloutsActive.Dec()
	m.persistLocked(ctx, plan)
	m.trail.Event(audit.KindRolloutPaused, id, "", map[string]any{"phase": plan.CurrentPhase})
	fmt.Printf("Rollout %s paused at phase %d (%.1f%%)\n", id, plan.CurrentPhase, plan.CurrentPercentage)
	return nil
}

// Resume re-arms a paused rollout's phase timer for the full phase
// duration. Resuming a rolled-back plan is a no-op rather than an
// error so that retried rollback-then-resume races stay harmless.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	if plan.Status == StatusRolledBack {
		return nil
	}
	if plan.Status != StatusPaused {
		return fmt.Errorf("rollout %s: cannot resume from status %s", id, plan.Status)
	}

	plan.Status = StatusActive
	m.metrics.RolloutsActive.Inc()
	if plan.CurrentPhase < len(plan.Phases)-1 {
		m.scheduleLocked(plan)
	}
	m.persistLocked(ctx, plan)
	m.trail.Event(audit.KindRolloutResumed, id, "", map[string]any{"phase": plan.CurrentPhase})
	fmt.Printf("Rollout %s resumed at phase %d (%.1f%%)\n", id, plan.CurrentPhase, plan.CurrentPercentage)
	return nil
}

// Rollback is the operator-initiated abort.
func (m *Manager) Rollback(ctx context.Context, id, reason string) error {
	return m.rollback(ctx, id, reason, OriginManual)
}

// SafetyRollback is invoked by the safety monitor when a critical
// trigger sustains.
func (m *Manager) SafetyRollback(ctx context.Context, id, reason string) error {
	return m.rollback(ctx, id, reason, OriginSafety)
}

func (m *Manager) rollback(ctx context.Context, id, reason, origin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	switch plan.Status {
	case StatusRolledBack:
		return nil
	case StatusActive, StatusPaused:
	default:
		return fmt.Errorf("rollout %s: cannot roll back from status %s", id, plan.Status)
	}

	m.stopTimerLocked(id)
	if plan.Status == StatusActive {
		m.metrics.RolloutsActive.Dec()
	}

	// The flag flip is the actual mitigation; state bookkeeping must
	// proceed even if a persistence write gripes.
	if err := m.flags.SetEnabled(ctx, plan.FlagName, false); err != nil {
		fmt.Printf("Warning: rollback of %s could not disable flag %s: %v\n", id, plan.FlagName, err)
	}
	if err := m.flags.SetRolloutPercentage(ctx, plan.FlagName, 0); err != nil {
		fmt.Printf("Warning: rollback of %s could not zero flag %s: %v\n", id, plan.FlagName, err)
	}
	if plan.MirrorExperimentID != "" {
		if _, err := m.experiments.Stop(ctx, plan.MirrorExperimentID, "rollout rolled back: "+reason); err != nil {
			fmt.Printf("Warning: could not stop mirror experiment %s: %v\n", plan.MirrorExperimentID, err)
		}
	}

	ended := m.now()
	plan.Transitions = append(plan.Transitions, Transition{
		FromPhase:      plan.CurrentPhase,
		ToPhase:        plan.CurrentPhase,
		FromPercentage: plan.CurrentPercentage,
		ToPercentage:   0,
		At:             ended,
		Reason:         reason,
	})
	plan.Status = StatusRolledBack
	plan.CurrentPercentage = 0
	plan.EndedAt = &ended

	m.metrics.RollbacksTotal.WithLabelValues(origin).Inc()
	m.metrics.RolloutPercentage.WithLabelValues(plan.Name).Set(0)
	m.persistLocked(ctx, plan)
	m.trail.Event(audit.KindRolloutRolledBack, id, reason, map[string]any{"origin": origin})
	fmt.Printf("Rollout %s rolled back (%s): %s\n", id, origin, reason)
	return nil
}

// Status returns a copy of one plan.
func (m *Manager) Status(ctx context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	return clonePlan(plan), nil
}

// List returns copies of all plans ordered by creation time.
func (m *Manager) List(ctx context.Context) []*Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		out = append(out, clonePlan(plan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListActive returns copies of plans currently in the active state.
func (m *Manager) ListActive(ctx context.Context) []*Plan {
	var out []*Plan
	for _, plan := range m.List(ctx) {
		if plan.Status == StatusActive {
			out = append(out, plan)
		}
	}
	return out
}

// Evaluate runs the phase evaluation immediately instead of waiting
// for the timer. The timer callback funnels into the same path.
func (m *Manager) Evaluate(ctx context.Context, id string) error {
	m.mu.RLock()
	plan, ok := m.plans[id]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("rollout %s: %w", id, store.ErrNotFound)
	}
	if plan.Status != StatusActive {
		m.mu.RUnlock()
		return fmt.Errorf("rollout %s: cannot evaluate from status %s", id, plan.Status)
	}
	phase := plan.CurrentPhase
	m.mu.RUnlock()

	return m.evaluatePhase(ctx, id, phase)
}

// evaluatePhase is the end-of-soak decision for one phase. The health
// fetch happens unlocked; the plan is revalidated before any mutation
// so a stale timer firing after a pause or rollback does nothing.
func (m *Manager) evaluatePhase(ctx context.Context, id string, phase int) error {
	m.mu.RLock()
	plan, ok := m.plans[id]
	if !ok || plan.Status != StatusActive || plan.CurrentPhase != phase {
		m.mu.RUnlock()
		return nil
	}
	flagName := plan.FlagName
	criteria := plan.Phases[phase].Criteria
	baseline := plan.Baseline
	triggers := append([]health.Trigger(nil), plan.Triggers...)
	m.mu.RUnlock()

	snap, err := m.source.Current(ctx, flagName)
	if err != nil {
		// No data is not a verdict. Keep the phase and try again after
		// another full soak window.
		fmt.Printf("Warning: rollout %s phase %d evaluation has no health data: %v\n", id, phase, err)
		m.mu.Lock()
		if plan, ok := m.plans[id]; ok && plan.Status == StatusActive && plan.CurrentPhase == phase {
			m.scheduleLocked(plan)
		}
		m.mu.Unlock()
		return nil
	}

	for _, trigger := range triggers {
		if trigger.Severity == health.SeverityCritical && trigger.Breached(snap) {
			return m.rollback(ctx, id, trigger.String(), OriginPhaseEvaluation)
		}
	}

	ok, reason := criteria.Satisfied(snap, baseline)

	m.mu.Lock()
	defer m.mu.Unlock()

	plan, exists := m.plans[id]
	if !exists || plan.Status != StatusActive || plan.CurrentPhase != phase {
		return nil
	}

	if !ok {
		m.stopTimerLocked(id)
		plan.Status = StatusPaused
		m.metrics.RolloutsActive.Dec()
		m.persistLocked(ctx, plan)
		m.trail.Event(audit.KindRolloutPaused, id, reason, map[string]any{"phase": phase})
		fmt.Printf("Rollout %s paused for review: %s\n", id, reason)
		return nil
	}

	return m.transitionLocked(ctx, plan, phase+1, "criteria satisfied", snap)
}

// transitionLocked moves the plan to phase idx, mirrors the exposure
// onto the flag, and either completes the plan (last phase) or arms
// the next timer. Caller holds m.mu.
func (m *Manager) transitionLocked(ctx context.Context, plan *Plan, idx int, reason string, snap *health.Snapshot) error {
	target := plan.Phases[idx]

	if err := m.flags.SetRolloutPercentage(ctx, plan.FlagName, target.Percentage); err != nil {
		// Exposure did not change, so the plan must not pretend it did.
		m.stopTimerLocked(plan.ID)
		plan.Status = StatusPaused
		m.metrics.RolloutsActive.Dec()
		m.persistLocked(ctx, plan)
		m.trail.Event(audit.KindRolloutPaused, plan.ID, "flag update failed", nil)
		return fmt.Errorf("rollout %s: update flag %s: %w", plan.ID, plan.FlagName, err)
	}

	plan.Transitions = append(plan.Transitions, Transition{
		FromPhase:      plan.CurrentPhase,
		ToPhase:        idx,
		FromPercentage: plan.CurrentPercentage,
		ToPercentage:   target.Percentage,
		At:             m.now(),
		Reason:         reason,
		Snapshot:       snap,
	})
	plan.CurrentPhase = idx
	plan.CurrentPercentage = target.Percentage
	m.metrics.RolloutTransitions.WithLabelValues(plan.Name).Inc()
	m.metrics.RolloutPercentage.WithLabelValues(plan.Name).Set(target.Percentage)

	last := idx == len(plan.Phases)-1
	if last {
		m.stopTimerLocked(plan.ID)
		ended := m.now()
		plan.Status = StatusCompleted
		plan.EndedAt = &ended
		m.metrics.RolloutsActive.Dec()
		if plan.MirrorExperimentID != "" {
			if _, err := m.experiments.Stop(ctx, plan.MirrorExperimentID, "rollout completed"); err != nil {
				fmt.Printf("Warning: could not stop mirror experiment %s: %v\n", plan.MirrorExperimentID, err)
			}
		}
		m.persistLocked(ctx, plan)
		m.trail.Event(audit.KindRolloutCompleted, plan.ID, "", map[string]any{"phases": len(plan.Phases)})
		fmt.Printf("Rollout %s completed at 100%%\n", plan.ID)
		return nil
	}

	m.scheduleLocked(plan)
	m.persistLocked(ctx, plan)
	kind := audit.KindRolloutAdvanced
	if idx == 0 {
		kind = audit.KindRolloutStarted
	}
	m.trail.Event(kind, plan.ID, reason, map[string]any{
		"phase":      idx,
		"percentage": target.Percentage,
	})
	fmt.Printf("Rollout %s entered phase %d (%s) at %.1f%%\n", plan.ID, idx, target.Name, target.Percentage)
	return nil
}

// scheduleLocked arms the evaluation timer for the plan's current
// phase, replacing any previous one. Caller holds m.mu.
func (m *Manager) scheduleLocked(plan *Plan) {
	if m.closed {
		return
	}
	m.stopTimerLocked(plan.ID)

	id := plan.ID
	phase := plan.CurrentPhase
	m.timers[id] = time.AfterFunc(plan.Phases[phase].Duration, func() {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return
		}
		if err := m.evaluatePhase(context.Background(), id, phase); err != nil {
			fmt.Printf("Warning: rollout %s phase %d evaluation failed: %v\n", id, phase, err)
		}
	})
}

func (m *Manager) stopTimerLocked(id string) {
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) persistLocked(ctx context.Context, plan *Plan) {
	data, err := json.Marshal(plan)
	if err != nil {
		fmt.Printf("Warning: failed to encode rollout %s: %v\n", plan.ID, err)
		return
	}
	if err := m.store.Put(ctx, keyPrefix+plan.ID, data); err != nil {
		fmt.Printf("Warning: failed to persist rollout %s: %v\n", plan.ID, err)
	}
}

// Close cancels every timer. Plans stay queryable but nothing advances.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

func clonePlan(p *Plan) *Plan {
	cp := *p
	cp.Phases = append([]Phase(nil), p.Phases...)
	cp.Triggers = append([]health.Trigger(nil), p.Triggers...)
	cp.Transitions = append([]Transition(nil), p.Transitions...)
	return &cp
}
