package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSnapshotMetric(t *testing.T) {
	snap := &Snapshot{
		SuccessRate:      0.99,
		ErrorRate:        0.01,
		LatencyMs:        120,
		UserSatisfaction: 4.2,
		Custom:           map[string]float64{"cache_hit_rate": 0.87},
	}

	tests := []struct {
		name   string
		metric string
		want   float64
		wantOK bool
	}{
		{"success rate", MetricSuccessRate, 0.99, true},
		{"error rate", MetricErrorRate, 0.01, true},
		{"latency", MetricLatencyMs, 120, true},
		{"satisfaction", MetricUserSatisfaction, 4.2, true},
		{"custom metric", "cache_hit_rate", 0.87, true},
		{"unknown metric", "queue_depth", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := snap.Metric(tt.metric)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Metric(%q) = (%v, %v), want (%v, %v)", tt.metric, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := (*Snapshot)(nil).Metric(MetricErrorRate); ok {
		t.Error("nil snapshot should resolve no metrics")
	}
}

func TestTriggerBreached(t *testing.T) {
	snap := &Snapshot{ErrorRate: 0.08, LatencyMs: 250}

	tests := []struct {
		name    string
		trigger Trigger
		want    bool
	}{
		{"gt breached", Trigger{Metric: MetricErrorRate, Comparator: CompGT, Threshold: 0.05}, true},
		{"gt holds", Trigger{Metric: MetricErrorRate, Comparator: CompGT, Threshold: 0.10}, false},
		{"gte at threshold", Trigger{Metric: MetricErrorRate, Comparator: CompGTE, Threshold: 0.08}, true},
		{"lt breached", Trigger{Metric: MetricLatencyMs, Comparator: CompLT, Threshold: 300}, true},
		{"lte holds", Trigger{Metric: MetricLatencyMs, Comparator: CompLTE, Threshold: 200}, false},
		{"missing metric never breaches", Trigger{Metric: "queue_depth", Comparator: CompGT, Threshold: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.trigger.Breached(snap); got != tt.want {
				t.Errorf("Breached() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"valid", Trigger{Metric: MetricErrorRate, Comparator: CompGT, Threshold: 0.05, Severity: SeverityCritical}, false},
		{"valid with sustain", Trigger{Metric: MetricErrorRate, Comparator: CompGT, Threshold: 0.05, Sustain: time.Minute, Severity: SeverityWarning}, false},
		{"missing metric", Trigger{Comparator: CompGT, Threshold: 0.05, Severity: SeverityCritical}, true},
		{"bad comparator", Trigger{Metric: MetricErrorRate, Comparator: "above", Threshold: 0.05, Severity: SeverityCritical}, true},
		{"bad severity", Trigger{Metric: MetricErrorRate, Comparator: CompGT, Threshold: 0.05, Severity: "fatal"}, true},
		{"negative sustain", Trigger{Metric: MetricErrorRate, Comparator: CompGT, Threshold: 0.05, Sustain: -time.Second, Severity: SeverityCritical}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(Snapshot{SuccessRate: 0.99, ErrorRate: 0.01})

	snap, err := src.Current(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if snap.SuccessRate != 0.99 {
		t.Errorf("default success rate = %v, want 0.99", snap.SuccessRate)
	}
	if snap.CollectedAt.IsZero() {
		t.Error("CollectedAt should be stamped")
	}

	src.Set("checkout", Snapshot{SuccessRate: 0.5, ErrorRate: 0.5})
	snap, _ = src.Current(context.Background(), "checkout")
	if snap.SuccessRate != 0.5 {
		t.Errorf("override success rate = %v, want 0.5", snap.SuccessRate)
	}

	other, _ := src.Current(context.Background(), "search")
	if other.SuccessRate != 0.99 {
		t.Errorf("unrelated subject got %v, want default 0.99", other.SuccessRate)
	}

	src.Clear("checkout")
	snap, _ = src.Current(context.Background(), "checkout")
	if snap.SuccessRate != 0.99 {
		t.Errorf("cleared override = %v, want default 0.99", snap.SuccessRate)
	}
}

func TestHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics/checkout":
			json.NewEncoder(w).Encode(Snapshot{SuccessRate: 0.97, ErrorRate: 0.03, LatencyMs: 180})
		default:
			http.Error(w, "unknown subject", http.StatusNotFound)
		}
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, 2*time.Second)

	snap, err := src.Current(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if snap.ErrorRate != 0.03 || snap.LatencyMs != 180 {
		t.Errorf("got snapshot %+v, want error_rate 0.03 latency 180", snap)
	}

	if _, err := src.Current(context.Background(), "missing"); err == nil {
		t.Error("expected error for non-200 response")
	}
}
