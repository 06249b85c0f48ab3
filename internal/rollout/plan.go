// Package rollout drives progressive feature delivery: a plan walks a
// feature flag through an ordered series of exposure phases, advancing
// only while the health signal stays inside the success criteria and
// rolling the flag back the moment a critical trigger fires.
package rollout

import (
	"fmt"
	"time"

	"github.com/rampart-io/rampart/internal/health"
)

// Status is the lifecycle state of a rollout plan.
type Status string

const (
	// StatusPlanned means the plan exists but the flag is untouched.
	StatusPlanned Status = "planned"
	// StatusActive means a phase is running and its timer is armed.
	StatusActive Status = "active"
	// StatusPaused holds the current exposure with no timer armed.
	StatusPaused Status = "paused"
	// StatusCompleted means the final phase was reached and the flag
	// is pinned at full exposure.
	StatusCompleted Status = "completed"
	// StatusRolledBack means the flag was disabled. Terminal.
	StatusRolledBack Status = "rolled_back"
)

// Bound is an inclusive range check on a custom health metric. A nil
// side is unconstrained.
type Bound struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// SuccessCriteria are the conditions a phase must satisfy at the end
// of its soak window before the plan advances. Nil fields are not
// checked.
type SuccessCriteria struct {
	MinSuccessRate    *float64         `json:"min_success_rate,omitempty"`
	MaxErrorRate      *float64         `json:"max_error_rate,omitempty"`
	MaxLatencyDeltaMs *float64         `json:"max_latency_delta_ms,omitempty"`
	MinSatisfaction   *float64         `json:"min_satisfaction,omitempty"`
	Custom            map[string]Bound `json:"custom,omitempty"`
}

// Satisfied checks the criteria against a health snapshot. The latency
// delta compares against the baseline captured when the plan started;
// with no baseline the delta check is skipped since there is nothing
// to compare to. A metric the snapshot does not carry fails the check.
func (c SuccessCriteria) Satisfied(snap, baseline *health.Snapshot) (bool, string) {
	if snap == nil {
		return false, "no health snapshot available"
	}

	if c.MinSuccessRate != nil && snap.SuccessRate < *c.MinSuccessRate {
		return false, fmt.Sprintf("success_rate %.4f below minimum %.4f", snap.SuccessRate, *c.MinSuccessRate)
	}
	if c.MaxErrorRate != nil && snap.ErrorRate > *c.MaxErrorRate {
		return false, fmt.Sprintf("error_rate %.4f above maximum %.4f", snap.ErrorRate, *c.MaxErrorRate)
	}
	if c.MaxLatencyDeltaMs != nil && baseline != nil {
		delta := snap.LatencyMs - baseline.LatencyMs
		if delta > *c.MaxLatencyDeltaMs {
			return false, fmt.Sprintf("latency delta %.1fms above maximum %.1fms", delta, *c.MaxLatencyDeltaMs)
		}
	}
	if c.MinSatisfaction != nil && snap.UserSatisfaction < *c.MinSatisfaction {
		return false, fmt.Sprintf("user_satisfaction %.4f below minimum %.4f", snap.UserSatisfaction, *c.MinSatisfaction)
	}

	for name, bound := range c.Custom {
		value, ok := snap.Metric(name)
		if !ok {
			return false, fmt.Sprintf("metric %s missing from snapshot", name)
		}
		if bound.Min != nil && value < *bound.Min {
			return false, fmt.Sprintf("%s %.4f below minimum %.4f", name, value, *bound.Min)
		}
		if bound.Max != nil && value > *bound.Max {
			return false, fmt.Sprintf("%s %.4f above maximum %.4f", name, value, *bound.Max)
		}
	}

	return true, ""
}

// Phase is one step of a plan: hold the flag at Percentage for
// Duration, then check Criteria.
type Phase struct {
	Name       string          `json:"name"`
	Percentage float64         `json:"percentage"`
	Duration   time.Duration   `json:"duration"`
	Criteria   SuccessCriteria `json:"criteria"`
}

// Transition records one movement through the phase machine.
type Transition struct {
	FromPhase      int              `json:"from_phase"`
	ToPhase        int              `json:"to_phase"`
	FromPercentage float64          `json:"from_percentage"`
	ToPercentage   float64          `json:"to_percentage"`
	At             time.Time        `json:"at"`
	Reason         string           `json:"reason"`
	Snapshot       *health.Snapshot `json:"snapshot,omitempty"`
}

// Plan is a progressive rollout of one feature flag.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// FlagName is the feature flag this plan drives. The flag must
	// exist before the plan is created.
	FlagName string `json:"flag_name"`

	Phases []Phase `json:"phases"`

	// Triggers are watched by the safety monitor for the whole life of
	// the plan, independent of phase timers.
	Triggers []health.Trigger `json:"triggers,omitempty"`

	Status            Status       `json:"status"`
	CurrentPhase      int          `json:"current_phase"`
	CurrentPercentage float64      `json:"current_percentage"`
	Transitions       []Transition `json:"transitions,omitempty"`

	// MirrorExperimentID names the shadow experiment that measures the
	// rollout as a control-vs-treatment comparison.
	MirrorExperimentID string `json:"mirror_experiment_id,omitempty"`

	// Baseline is the health snapshot captured when the plan started,
	// used for delta criteria.
	Baseline *health.Snapshot `json:"baseline,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ValidationError describes an invalid plan definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rollout validation error [%s]: %s", e.Field, e.Message)
}

// Validate checks a plan definition before registration.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if p.FlagName == "" {
		return &ValidationError{Field: "flag_name", Message: "target flag is required"}
	}
	if len(p.Phases) == 0 {
		return &ValidationError{Field: "phases", Message: "at least one phase is required"}
	}

	prev := 0.0
	for i, phase := range p.Phases {
		field := fmt.Sprintf("phases[%d]", i)
		if phase.Percentage <= 0 || phase.Percentage > 100 {
			return &ValidationError{Field: field, Message: fmt.Sprintf("percentage %.2f must be in (0, 100]", phase.Percentage)}
		}
		if phase.Percentage < prev {
			return &ValidationError{Field: field, Message: fmt.Sprintf("percentage %.2f decreases from %.2f", phase.Percentage, prev)}
		}
		prev = phase.Percentage

		last := i == len(p.Phases)-1
		if last && phase.Percentage != 100 {
			return &ValidationError{Field: field, Message: "final phase must reach 100%"}
		}
		if !last && phase.Duration <= 0 {
			return &ValidationError{Field: field, Message: "non-final phases need a positive duration"}
		}
	}

	for i, trigger := range p.Triggers {
		if err := trigger.Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("triggers[%d]", i), Message: err.Error()}
		}
	}

	return nil
}

// Terminal reports whether the plan can never move again.
func (p *Plan) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusRolledBack
}

// ActivePhase returns the currently running phase definition.
func (p *Plan) ActivePhase() Phase {
	return p.Phases[p.CurrentPhase]
}
