package health

import (
	"fmt"
	"time"
)

// Severity classifies what happens when a trigger's condition holds for
// its sustain window: critical forces a rollback, warning only alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Comparator is the relation a trigger applies between the observed
// metric and its threshold.
type Comparator string

const (
	CompGT  Comparator = "gt"
	CompGTE Comparator = "gte"
	CompLT  Comparator = "lt"
	CompLTE Comparator = "lte"
)

// Trigger is a threshold condition on one metric. Sustain is how long
// the condition must hold continuously before the trigger fires; zero
// fires on the first breached observation.
type Trigger struct {
	Metric     string        `json:"metric"`
	Comparator Comparator    `json:"comparator"`
	Threshold  float64       `json:"threshold"`
	Sustain    time.Duration `json:"sustain"`
	Severity   Severity      `json:"severity"`
}

// Validate rejects triggers that could never be evaluated.
func (t Trigger) Validate() error {
	if t.Metric == "" {
		return fmt.Errorf("trigger metric is required")
	}

	switch t.Comparator {
	case CompGT, CompGTE, CompLT, CompLTE:
	default:
		return fmt.Errorf("unknown trigger comparator %q", t.Comparator)
	}

	switch t.Severity {
	case SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("unknown trigger severity %q", t.Severity)
	}

	if t.Sustain < 0 {
		return fmt.Errorf("trigger sustain must not be negative")
	}

	return nil
}

// Breached reports whether the snapshot violates the trigger's condition.
// A metric absent from the snapshot never breaches.
func (t Trigger) Breached(s *Snapshot) bool {
	v, ok := s.Metric(t.Metric)
	if !ok {
		return false
	}

	switch t.Comparator {
	case CompGT:
		return v > t.Threshold
	case CompGTE:
		return v >= t.Threshold
	case CompLT:
		return v < t.Threshold
	case CompLTE:
		return v <= t.Threshold
	}

	return false
}

// String renders the condition for logs and audit records.
func (t Trigger) String() string {
	return fmt.Sprintf("%s %s %g for %s (%s)", t.Metric, t.Comparator, t.Threshold, t.Sustain, t.Severity)
}
