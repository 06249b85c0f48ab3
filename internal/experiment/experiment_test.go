package experiment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rampart-io/rampart/internal/health"
	"github.com/rampart-io/rampart/internal/store"
)

func validExperiment() *Experiment {
	return &Experiment{
		Name: "checkout-button",
		Variants: []Variant{
			{ID: "control", Weight: 50, Control: true},
			{ID: "treatment", Weight: 50},
		},
		Audience:      TargetAudience{Percentage: 100},
		Strategy:      StrategyDeterministic,
		PrimaryMetric: "purchase",
	}
}

func TestExperimentValidate(t *testing.T) {
	f := 0.5

	tests := []struct {
		name      string
		mutate    func(e *Experiment)
		wantField string
	}{
		{"valid", func(e *Experiment) {}, ""},
		{"missing name", func(e *Experiment) { e.Name = "" }, "name"},
		{"no variants", func(e *Experiment) { e.Variants = nil }, "variants"},
		{"missing variant id", func(e *Experiment) { e.Variants[1].ID = "" }, "variants[1].id"},
		{"duplicate variant id", func(e *Experiment) { e.Variants[1].ID = "control" }, "variants[1].id"},
		{"negative weight", func(e *Experiment) { e.Variants[0].Weight = -1; e.Variants[1].Weight = 101 }, "variants[0].weight"},
		{"weights must sum to 100", func(e *Experiment) { e.Variants[0].Weight = 30 }, "variants"},
		{
			"two controls",
			func(e *Experiment) { e.Variants[1].Control = true },
			"variants",
		},
		{
			"weight drift within tolerance",
			func(e *Experiment) {
				e.Variants = []Variant{
					{ID: "a", Weight: 33.33, Control: true},
					{ID: "b", Weight: 33.33},
					{ID: "c", Weight: 33.34},
				}
			},
			"",
		},
		{"audience percentage out of range", func(e *Experiment) { e.Audience.Percentage = 120 }, "audience.percentage"},
		{"unknown strategy", func(e *Experiment) { e.Strategy = "round-robin" }, "strategy"},
		{"gradual without ramp", func(e *Experiment) { e.Strategy = StrategyGradual }, "ramp"},
		{
			"gradual without control",
			func(e *Experiment) {
				e.Strategy = StrategyGradual
				e.Ramp = &GradualRamp{InitialPercentage: 5, IncrementPercentage: 5, IntervalHours: 1, MaxPercentage: 50}
				e.Variants[0].Control = false
			},
			"variants",
		},
		{
			"ramp increment must be positive",
			func(e *Experiment) {
				e.Strategy = StrategyGradual
				e.Ramp = &GradualRamp{InitialPercentage: 5, IncrementPercentage: 0, IntervalHours: 1, MaxPercentage: 50}
			},
			"ramp.increment_percentage",
		},
		{
			"ramp max below initial",
			func(e *Experiment) {
				e.Strategy = StrategyGradual
				e.Ramp = &GradualRamp{InitialPercentage: 50, IncrementPercentage: 5, IntervalHours: 1, MaxPercentage: 20}
			},
			"ramp.max_percentage",
		},
		{"confidence out of range", func(e *Experiment) { e.Confidence = 1.5 }, "confidence"},
		{
			"safeguards are not validated as triggers",
			func(e *Experiment) { e.Safeguards = Safeguards{MaxErrorRate: &f} },
			"",
		},
		{
			"bad rollback trigger",
			func(e *Experiment) {
				e.RollbackTriggers = []health.Trigger{{Metric: "error_rate", Comparator: "above", Threshold: 0.1, Severity: health.SeverityCritical}}
			},
			"rollback_triggers[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := validExperiment()
			tt.mutate(exp)

			err := exp.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Validate() field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestGradualRampCurrentPercentage(t *testing.T) {
	ramp := &GradualRamp{InitialPercentage: 5, IncrementPercentage: 10, IntervalHours: 2, MaxPercentage: 50}
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    float64
	}{
		{"at start", 0, 5},
		{"mid interval", 90 * time.Minute, 5},
		{"one interval", 2 * time.Hour, 15},
		{"several intervals", 7 * time.Hour, 35},
		{"capped at max", 48 * time.Hour, 50},
		{"before start", -time.Hour, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ramp.CurrentPercentage(started, started.Add(tt.elapsed))
			if got != tt.want {
				t.Errorf("CurrentPercentage(+%s) = %g, want %g", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestSafeguardsTriggers(t *testing.T) {
	maxErr, minSucc, maxLat := 0.05, 0.95, 500.0
	s := Safeguards{MaxErrorRate: &maxErr, MinSuccessRate: &minSucc, MaxLatencyMs: &maxLat}

	triggers := s.Triggers()
	if len(triggers) != 3 {
		t.Fatalf("got %d triggers, want 3", len(triggers))
	}
	for _, tr := range triggers {
		if tr.Severity != health.SeverityCritical {
			t.Errorf("safeguard trigger %s severity = %s, want critical", tr.Metric, tr.Severity)
		}
		if tr.Sustain != 0 {
			t.Errorf("safeguard trigger %s sustain = %s, want 0", tr.Metric, tr.Sustain)
		}
	}

	if got := (Safeguards{}).Triggers(); len(got) != 0 {
		t.Errorf("empty safeguards produced %d triggers", len(got))
	}
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryStore(""))

	exp := validExperiment()
	if err := reg.Register(ctx, exp); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if exp.ID == "" {
		t.Error("Register should default a missing ID")
	}
	if exp.Salt != exp.ID {
		t.Errorf("Salt = %q, want defaulted to ID %q", exp.Salt, exp.ID)
	}
	if exp.Confidence != 0.95 {
		t.Errorf("Confidence = %g, want defaulted 0.95", exp.Confidence)
	}
	if exp.Status != StatusDraft {
		t.Errorf("Status = %s, want draft", exp.Status)
	}

	// Duplicate registration is rejected.
	dup := validExperiment()
	dup.ID = exp.ID
	if err := reg.Register(ctx, dup); err == nil {
		t.Error("Register of duplicate ID should fail")
	}

	started, err := reg.Start(ctx, exp.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.Status != StatusActive || started.StartedAt == nil {
		t.Errorf("after Start: status=%s startedAt=%v", started.Status, started.StartedAt)
	}

	paused, err := reg.Pause(ctx, exp.ID)
	if err != nil || paused.Status != StatusPaused {
		t.Fatalf("Pause = (%v, %v), want paused", paused, err)
	}

	resumed, err := reg.Start(ctx, exp.ID)
	if err != nil || resumed.Status != StatusActive {
		t.Fatalf("resume = (%v, %v), want active", resumed, err)
	}
	if !resumed.StartedAt.Equal(*started.StartedAt) {
		t.Error("resume should not move StartedAt")
	}

	stopped, err := reg.Stop(ctx, exp.ID, "enough data")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Status != StatusCompleted || stopped.EndedAt == nil || stopped.StoppedReason != "enough data" {
		t.Errorf("after Stop: %+v", stopped)
	}

	// Completed is terminal except for idempotent Stop.
	if _, err := reg.Start(ctx, exp.ID); err == nil {
		t.Error("Start on completed experiment should fail")
	}
	again, err := reg.Stop(ctx, exp.ID, "ignored")
	if err != nil {
		t.Fatalf("idempotent Stop failed: %v", err)
	}
	if again.StoppedReason != "enough data" {
		t.Errorf("idempotent Stop overwrote reason: %q", again.StoppedReason)
	}
}

func TestRegistryInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryStore(""))

	if _, err := reg.Start(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Start missing experiment = %v, want ErrNotFound", err)
	}

	exp := validExperiment()
	reg.Register(ctx, exp)

	if _, err := reg.Pause(ctx, exp.ID); err == nil {
		t.Error("Pause on draft experiment should fail")
	} else if !strings.Contains(err.Error(), "cannot move from draft to paused") {
		t.Errorf("Pause error = %v, want transition message", err)
	}

	if _, err := reg.Stop(ctx, exp.ID, "abandoned"); err == nil {
		t.Error("Stop on draft experiment should fail")
	}
}

func TestRegistryLoad(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")

	first := NewRegistry(st)
	exp := validExperiment()
	if err := first.Register(ctx, exp); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := first.Start(ctx, exp.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	second := NewRegistry(st)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := second.Get(exp.ID)
	if err != nil {
		t.Fatalf("Get after Load failed: %v", err)
	}
	if got.Status != StatusActive || got.Name != "checkout-button" {
		t.Errorf("rehydrated experiment = %+v", got)
	}

	if n := len(second.Active()); n != 1 {
		t.Errorf("Active() returned %d, want 1", n)
	}
}
