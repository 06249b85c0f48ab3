// Package experiment defines A/B experiments, their lifecycle registry,
// and the variant allocator that hands users sticky assignments.
package experiment

import (
	"fmt"
	"math"
	"time"

	"github.com/rampart-io/rampart/internal/health"
)

// Status is the lifecycle state of an experiment. Only active experiments
// allocate variants or accept events.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Strategy selects how users are spread across variants.
type Strategy string

const (
	// StrategyRandom rolls fresh randomness per first exposure. Stickiness
	// comes from the persisted assignment, not the roll.
	StrategyRandom Strategy = "random"

	// StrategyDeterministic buckets on hash(userID, salt), so the same
	// user computes the same variant on every replica even before the
	// assignment is persisted.
	StrategyDeterministic Strategy = "deterministic"

	// StrategyGradual ramps the share of users leaving the control
	// variant over time, following the experiment's ramp schedule.
	StrategyGradual Strategy = "gradual"
)

// Variant is one arm of an experiment. Weight is in percentage points;
// an experiment's weights must sum to 100.
type Variant struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Weight  float64        `json:"weight"`
	Config  map[string]any `json:"config,omitempty"`
	Control bool           `json:"control,omitempty"`
}

// TargetAudience gates who is eligible for an experiment before any
// variant is considered.
type TargetAudience struct {
	// Percentage of the population admitted, 0..100. The roll is a
	// deterministic bucket so a user's eligibility never flaps.
	Percentage float64 `json:"percentage"`

	// Criteria are attribute equality checks; every entry must match the
	// user's attributes.
	Criteria map[string]any `json:"criteria,omitempty"`

	// Excluded lists user IDs that never participate.
	Excluded []string `json:"excluded,omitempty"`
}

// GradualRamp schedules how fast a gradual experiment admits users into
// non-control variants: initial + floor(elapsed/interval)*increment,
// capped at max.
type GradualRamp struct {
	InitialPercentage   float64 `json:"initial_percentage"`
	IncrementPercentage float64 `json:"increment_percentage"`
	IntervalHours       float64 `json:"interval_hours"`
	MaxPercentage       float64 `json:"max_percentage"`
}

// Safeguards are optional hard bounds on live service health while the
// experiment runs. A violated bound is treated as a critical rollback
// condition with no sustain window.
type Safeguards struct {
	MaxErrorRate   *float64 `json:"max_error_rate,omitempty"`
	MinSuccessRate *float64 `json:"min_success_rate,omitempty"`
	MaxLatencyMs   *float64 `json:"max_latency_ms,omitempty"`
}

// Triggers converts the configured bounds into health triggers.
func (s Safeguards) Triggers() []health.Trigger {
	var out []health.Trigger
	if s.MaxErrorRate != nil {
		out = append(out, health.Trigger{
			Metric:     health.MetricErrorRate,
			Comparator: health.CompGT,
			Threshold:  *s.MaxErrorRate,
			Severity:   health.SeverityCritical,
		})
	}
	if s.MinSuccessRate != nil {
		out = append(out, health.Trigger{
			Metric:     health.MetricSuccessRate,
			Comparator: health.CompLT,
			Threshold:  *s.MinSuccessRate,
			Severity:   health.SeverityCritical,
		})
	}
	if s.MaxLatencyMs != nil {
		out = append(out, health.Trigger{
			Metric:     health.MetricLatencyMs,
			Comparator: health.CompGT,
			Threshold:  *s.MaxLatencyMs,
			Severity:   health.SeverityCritical,
		})
	}
	return out
}

// Experiment is a controlled comparison of variants over a target
// audience, with the statistical configuration needed to read it out.
type Experiment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Variants []Variant      `json:"variants"`
	Audience TargetAudience `json:"audience"`
	Strategy Strategy       `json:"strategy"`
	Ramp     *GradualRamp   `json:"ramp,omitempty"`

	// Salt feeds the bucketing hash. Defaults to the experiment ID;
	// override it to keep bucketing stable across re-created experiments.
	Salt string `json:"salt,omitempty"`

	// PrimaryMetric is the event type driving conversion and significance.
	PrimaryMetric    string   `json:"primary_metric"`
	SecondaryMetrics []string `json:"secondary_metrics,omitempty"`

	// Confidence is informational; significance itself is read at the
	// fixed 95% level.
	Confidence float64 `json:"confidence,omitempty"`

	Safeguards       Safeguards       `json:"safeguards,omitempty"`
	RollbackTriggers []health.Trigger `json:"rollback_triggers,omitempty"`

	Status        Status     `json:"status"`
	StoppedReason string     `json:"stopped_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// ValidationError reports a rejected experiment definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("experiment validation error [%s]: %s", e.Field, e.Message)
}

// weightSumTolerance absorbs float drift when weights are computed
// upstream (e.g. 33.33 * 3).
const weightSumTolerance = 0.01

// Validate checks an experiment definition at creation time. A nil error
// means the experiment can be registered.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}

	if len(e.Variants) == 0 {
		return &ValidationError{Field: "variants", Message: "at least one variant is required"}
	}

	seen := make(map[string]bool, len(e.Variants))
	controls := 0
	sum := 0.0
	for i, v := range e.Variants {
		if v.ID == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("variants[%d].id", i),
				Message: "variant id is required",
			}
		}
		if seen[v.ID] {
			return &ValidationError{
				Field:   fmt.Sprintf("variants[%d].id", i),
				Message: fmt.Sprintf("duplicate variant id %q", v.ID),
			}
		}
		seen[v.ID] = true

		if v.Weight < 0 || v.Weight > 100 {
			return &ValidationError{
				Field:   fmt.Sprintf("variants[%d].weight", i),
				Message: fmt.Sprintf("weight %g outside [0, 100]", v.Weight),
			}
		}
		sum += v.Weight

		if v.Control {
			controls++
		}
	}

	if math.Abs(sum-100) > weightSumTolerance {
		return &ValidationError{
			Field:   "variants",
			Message: fmt.Sprintf("variant weights sum to %g, want 100", sum),
		}
	}
	if controls > 1 {
		return &ValidationError{
			Field:   "variants",
			Message: fmt.Sprintf("%d control variants, at most one allowed", controls),
		}
	}

	if e.Audience.Percentage < 0 || e.Audience.Percentage > 100 {
		return &ValidationError{
			Field:   "audience.percentage",
			Message: fmt.Sprintf("percentage %g outside [0, 100]", e.Audience.Percentage),
		}
	}

	switch e.Strategy {
	case StrategyRandom, StrategyDeterministic:
	case StrategyGradual:
		if e.Ramp == nil {
			return &ValidationError{Field: "ramp", Message: "gradual strategy requires a ramp schedule"}
		}
		if controls == 0 {
			return &ValidationError{
				Field:   "variants",
				Message: "gradual strategy requires a control variant to hold un-ramped users",
			}
		}
		if err := e.Ramp.validate(); err != nil {
			return err
		}
	default:
		return &ValidationError{
			Field:   "strategy",
			Message: fmt.Sprintf("unknown strategy %q", e.Strategy),
		}
	}

	if e.Confidence != 0 && (e.Confidence <= 0 || e.Confidence >= 1) {
		return &ValidationError{
			Field:   "confidence",
			Message: fmt.Sprintf("confidence %g outside (0, 1)", e.Confidence),
		}
	}

	for i, tr := range e.RollbackTriggers {
		if err := tr.Validate(); err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("rollback_triggers[%d]", i),
				Message: err.Error(),
			}
		}
	}

	return nil
}

func (r *GradualRamp) validate() error {
	if r.InitialPercentage < 0 || r.InitialPercentage > 100 {
		return &ValidationError{
			Field:   "ramp.initial_percentage",
			Message: fmt.Sprintf("initial percentage %g outside [0, 100]", r.InitialPercentage),
		}
	}
	if r.MaxPercentage < r.InitialPercentage || r.MaxPercentage > 100 {
		return &ValidationError{
			Field:   "ramp.max_percentage",
			Message: fmt.Sprintf("max percentage %g outside [initial, 100]", r.MaxPercentage),
		}
	}
	if r.IncrementPercentage <= 0 {
		return &ValidationError{Field: "ramp.increment_percentage", Message: "increment must be positive"}
	}
	if r.IntervalHours <= 0 {
		return &ValidationError{Field: "ramp.interval_hours", Message: "interval must be positive"}
	}
	return nil
}

// CurrentPercentage returns the ramp's admitted share at time now for an
// experiment started at started.
func (r *GradualRamp) CurrentPercentage(started, now time.Time) float64 {
	if now.Before(started) {
		return r.InitialPercentage
	}

	steps := math.Floor(now.Sub(started).Hours() / r.IntervalHours)
	pct := r.InitialPercentage + steps*r.IncrementPercentage
	if pct > r.MaxPercentage {
		return r.MaxPercentage
	}
	return pct
}

// ControlVariant returns the control arm, or nil if none is marked.
func (e *Experiment) ControlVariant() *Variant {
	for i := range e.Variants {
		if e.Variants[i].Control {
			return &e.Variants[i]
		}
	}
	return nil
}

// VariantByID returns the named arm, or nil.
func (e *Experiment) VariantByID(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// SafetyTriggers merges explicit rollback triggers with the safeguard
// bounds, which monitor as zero-sustain critical conditions.
func (e *Experiment) SafetyTriggers() []health.Trigger {
	out := make([]health.Trigger, 0, len(e.RollbackTriggers)+3)
	out = append(out, e.RollbackTriggers...)
	out = append(out, e.Safeguards.Triggers()...)
	return out
}

// Assignment pins a user to a variant of one experiment. Assignments are
// immutable once written; Active flips to false when the experiment ends.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
	Active       bool      `json:"active"`
}
