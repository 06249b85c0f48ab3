// Package health defines the live service metrics consumed by phase
// evaluation and the safety monitor, the trigger predicates evaluated
// against them, and the sources that produce them.
package health

import (
	"time"
)

// Canonical metric names resolvable by Snapshot.Metric. Triggers and
// success criteria reference metrics by these names; anything else is
// looked up in the snapshot's custom map.
const (
	MetricSuccessRate      = "success_rate"
	MetricErrorRate        = "error_rate"
	MetricLatencyMs        = "latency_ms"
	MetricUserSatisfaction = "user_satisfaction"
)

// Snapshot is a point-in-time reading of the metrics for one monitored
// subject (a feature under rollout or a running experiment).
type Snapshot struct {
	SuccessRate      float64            `json:"success_rate"`
	ErrorRate        float64            `json:"error_rate"`
	LatencyMs        float64            `json:"latency_ms"`
	UserSatisfaction float64            `json:"user_satisfaction"`
	Custom           map[string]float64 `json:"custom,omitempty"`
	CollectedAt      time.Time          `json:"collected_at"`
}

// Metric resolves a named metric from the snapshot. Canonical names map
// to the struct fields; unknown names fall through to the custom map.
func (s *Snapshot) Metric(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}

	switch name {
	case MetricSuccessRate:
		return s.SuccessRate, true
	case MetricErrorRate:
		return s.ErrorRate, true
	case MetricLatencyMs:
		return s.LatencyMs, true
	case MetricUserSatisfaction:
		return s.UserSatisfaction, true
	}

	v, ok := s.Custom[name]
	return v, ok
}
