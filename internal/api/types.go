package api

import (
	"fmt"
	"time"

	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/rollout"
)

// AssignRequest asks for a variant assignment.
type AssignRequest struct {
	ExperimentID string         `json:"experiment_id"`
	UserID       string         `json:"user_id"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Validate performs basic structural validation
func (r *AssignRequest) Validate() error {
	if r.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// AssignResponse carries the assignment outcome. Assigned is false when
// the user is ineligible or the experiment is not running.
type AssignResponse struct {
	Assigned     bool       `json:"assigned"`
	ExperimentID string     `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    string     `json:"variant_id,omitempty"`
	VariantName  string     `json:"variant_name,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
}

// TrackRequest records a metric event against an assignment.
type TrackRequest struct {
	ExperimentID string         `json:"experiment_id"`
	UserID       string         `json:"user_id"`
	Type         string         `json:"type"`
	Value        *float64       `json:"value,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate performs basic structural validation
func (r *TrackRequest) Validate() error {
	if r.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Type == "" {
		return fmt.Errorf("type is required")
	}
	return nil
}

// TrackResponse reports whether the event was kept. Events from users
// without an active assignment are dropped, not errors.
type TrackResponse struct {
	Accepted bool `json:"accepted"`
}

// EvaluateFlagRequest evaluates one flag for one user.
type EvaluateFlagRequest struct {
	Flag       string         `json:"flag"`
	UserID     string         `json:"user_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate performs basic structural validation
func (r *EvaluateFlagRequest) Validate() error {
	if r.Flag == "" {
		return fmt.Errorf("flag is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// EvaluateFlagResponse is the gate verdict plus the variant pick when
// the flag defines variants.
type EvaluateFlagResponse struct {
	Flag       string `json:"flag"`
	Enabled    bool   `json:"enabled"`
	VariantID  string `json:"variant_id,omitempty"`
	HasVariant bool   `json:"has_variant"`
}

// StopExperimentRequest ends an experiment with a recorded reason.
type StopExperimentRequest struct {
	Reason string `json:"reason"`
}

// RolloutActionRequest parameterizes rollback; pause/resume ignore it.
type RolloutActionRequest struct {
	Reason string `json:"reason"`
}

// TriggerSpec is the wire form of a rollback trigger; sustain is given
// in seconds.
type TriggerSpec struct {
	Metric         string  `json:"metric"`
	Comparator     string  `json:"comparator"`
	Threshold      float64 `json:"threshold"`
	SustainSeconds int64   `json:"sustain_seconds"`
	Severity       string  `json:"severity"`
}

// ToTrigger converts the wire form to the domain trigger.
func (s TriggerSpec) ToTrigger() health.Trigger {
	return health.Trigger{
		Metric:     s.Metric,
		Comparator: health.Comparator(s.Comparator),
		Threshold:  s.Threshold,
		Sustain:    time.Duration(s.SustainSeconds) * time.Second,
		Severity:   health.Severity(s.Severity),
	}
}

// PhaseSpec is the wire form of a rollout phase; duration is given in
// seconds.
type PhaseSpec struct {
	Name            string                  `json:"name"`
	Percentage      float64                 `json:"percentage"`
	DurationSeconds int64                   `json:"duration_seconds"`
	Criteria        rollout.SuccessCriteria `json:"criteria"`
}

// CreateRolloutRequest defines a new rollout plan.
type CreateRolloutRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	FlagName    string        `json:"flag_name"`
	Phases      []PhaseSpec   `json:"phases"`
	Triggers    []TriggerSpec `json:"triggers,omitempty"`
}

// ToPlan converts the wire form to a domain plan; Validate on the plan
// does the real checking.
func (r *CreateRolloutRequest) ToPlan() *rollout.Plan {
	plan := &rollout.Plan{
		Name:        r.Name,
		Description: r.Description,
		FlagName:    r.FlagName,
	}
	for _, p := range r.Phases {
		plan.Phases = append(plan.Phases, rollout.Phase{
			Name:       p.Name,
			Percentage: p.Percentage,
			Duration:   time.Duration(p.DurationSeconds) * time.Second,
			Criteria:   p.Criteria,
		})
	}
	for _, t := range r.Triggers {
		plan.Triggers = append(plan.Triggers, t.ToTrigger())
	}
	return plan
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
