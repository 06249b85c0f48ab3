package api

import (
	"strings"
	"testing"
	"time"

	"github.com/rampart-io/rampart/internal/health"
)

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr string
	}{
		{"assign ok", (&AssignRequest{ExperimentID: "e1", UserID: "u1"}).Validate(), ""},
		{"assign missing experiment", (&AssignRequest{UserID: "u1"}).Validate(), "experiment_id"},
		{"assign missing user", (&AssignRequest{ExperimentID: "e1"}).Validate(), "user_id"},
		{"track ok", (&TrackRequest{ExperimentID: "e1", UserID: "u1", Type: "purchase"}).Validate(), ""},
		{"track missing type", (&TrackRequest{ExperimentID: "e1", UserID: "u1"}).Validate(), "type"},
		{"evaluate ok", (&EvaluateFlagRequest{Flag: "f1", UserID: "u1"}).Validate(), ""},
		{"evaluate missing flag", (&EvaluateFlagRequest{UserID: "u1"}).Validate(), "flag"},
		{"evaluate missing user", (&EvaluateFlagRequest{Flag: "f1"}).Validate(), "user_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr == "" {
				if tt.err != nil {
					t.Fatalf("expected valid, got %v", tt.err)
				}
				return
			}
			if tt.err == nil || !strings.Contains(tt.err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, tt.err)
			}
		})
	}
}

func TestCreateRolloutRequestToPlan(t *testing.T) {
	req := &CreateRolloutRequest{
		Name:     "checkout rollout",
		FlagName: "checkout-v2",
		Phases: []PhaseSpec{
			{Name: "canary", Percentage: 5, DurationSeconds: 3600},
			{Name: "full", Percentage: 100},
		},
		Triggers: []TriggerSpec{
			{Metric: "error_rate", Comparator: "gt", Threshold: 0.05, SustainSeconds: 30, Severity: "critical"},
		},
	}

	plan := req.ToPlan()
	if err := plan.Validate(); err != nil {
		t.Fatalf("converted plan invalid: %v", err)
	}
	if plan.Phases[0].Duration != time.Hour {
		t.Errorf("expected 1h duration, got %s", plan.Phases[0].Duration)
	}
	if plan.Triggers[0].Sustain != 30*time.Second {
		t.Errorf("expected 30s sustain, got %s", plan.Triggers[0].Sustain)
	}
	if plan.Triggers[0].Severity != health.SeverityCritical {
		t.Errorf("expected critical severity, got %s", plan.Triggers[0].Severity)
	}
}
