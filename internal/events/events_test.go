package events

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestRecorderAppend(t *testing.T) {
	r := NewRecorder(nil)

	value := 42.5
	e := &Event{
		ExperimentID: "exp-1",
		UserID:       "user-1",
		VariantID:    "treatment",
		Type:         "purchase",
		Value:        &value,
	}
	if err := r.Append(e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if e.ID == "" {
		t.Error("Append should default the event ID")
	}
	if e.OccurredAt.IsZero() {
		t.Error("Append should default the timestamp")
	}

	if r.Count("exp-1") != 1 {
		t.Errorf("Count = %d, want 1", r.Count("exp-1"))
	}
	if r.Count("exp-2") != 0 {
		t.Errorf("Count for unknown experiment = %d, want 0", r.Count("exp-2"))
	}

	got := r.ByExperiment("exp-1")
	if len(got) != 1 || got[0].Type != "purchase" || *got[0].Value != 42.5 {
		t.Errorf("ByExperiment = %+v", got)
	}
}

func TestRecorderAppendValidation(t *testing.T) {
	r := NewRecorder(nil)

	tests := []struct {
		name  string
		event *Event
	}{
		{"missing experiment", &Event{UserID: "u", Type: "view"}},
		{"missing user", &Event{ExperimentID: "e", Type: "view"}},
		{"missing type", &Event{ExperimentID: "e", UserID: "u"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Append(tt.event); err == nil {
				t.Error("Append should reject incomplete event")
			}
		})
	}
}

func TestRecorderByExperimentReturnsCopy(t *testing.T) {
	r := NewRecorder(nil)
	r.Append(&Event{ExperimentID: "exp-1", UserID: "u1", Type: "view"})
	r.Append(&Event{ExperimentID: "exp-1", UserID: "u2", Type: "view"})

	got := r.ByExperiment("exp-1")
	got[0] = nil

	again := r.ByExperiment("exp-1")
	if again[0] == nil {
		t.Error("mutating the returned slice corrupted the recorder")
	}
}

func TestRecorderConcurrentAppend(t *testing.T) {
	r := NewRecorder(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Append(&Event{ExperimentID: "exp-1", UserID: "u", Type: "view"})
				r.ByExperiment("exp-1")
			}
		}()
	}
	wg.Wait()

	if r.Count("exp-1") != 1000 {
		t.Errorf("Count = %d, want 1000", r.Count("exp-1"))
	}
	if r.Total() != 1000 {
		t.Errorf("Total = %d, want 1000", r.Total())
	}
}

func TestRecorderDrop(t *testing.T) {
	r := NewRecorder(nil)
	r.Append(&Event{ExperimentID: "exp-1", UserID: "u", Type: "view"})
	r.Append(&Event{ExperimentID: "exp-2", UserID: "u", Type: "view"})

	r.Drop("exp-1")
	if r.Count("exp-1") != 0 {
		t.Error("Drop did not clear the experiment's events")
	}
	if r.Count("exp-2") != 1 {
		t.Error("Drop touched an unrelated experiment")
	}
}

func TestWALRoundTrip(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL failed: %v", err)
	}

	r := NewRecorder(wal)
	value := 3.0
	r.Append(&Event{ExperimentID: "exp-1", UserID: "u1", VariantID: "control", Type: "purchase", Value: &value})
	r.Append(&Event{ExperimentID: "exp-1", UserID: "u2", VariantID: "treatment", Type: "purchase"})
	r.Append(&Event{ExperimentID: "exp-2", UserID: "u1", VariantID: "a", Type: "view"})

	if err := wal.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.WALErrors() != 0 {
		t.Fatalf("WALErrors = %d, want 0", r.WALErrors())
	}

	replayed, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir failed: %v", err)
	}
	if len(replayed) != 3 {
		t.Fatalf("replayed %d events, want 3", len(replayed))
	}

	fresh := NewRecorder(nil)
	fresh.Restore(replayed)
	if fresh.Count("exp-1") != 2 || fresh.Count("exp-2") != 1 {
		t.Errorf("restored counts = %d/%d, want 2/1", fresh.Count("exp-1"), fresh.Count("exp-2"))
	}

	got := fresh.ByExperiment("exp-1")
	if got[0].UserID != "u1" || got[0].Value == nil || *got[0].Value != 3.0 {
		t.Errorf("replayed event = %+v", got[0])
	}
}

func TestReplayFileSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events-20260101.wal")

	content := `{"id":"1","experiment_id":"exp-1","user_id":"u1","type":"view","occurred_at":"2026-01-01T00:00:00Z"}
this is not json
{"id":"2","experiment_id":"exp-1","user_id":"u2","type":"view","occurred_at":"2026-01-01T00:01:00Z"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	events, err := ReplayFile(path)
	if err != nil {
		t.Fatalf("ReplayFile failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("replayed %d events, want 2", len(events))
	}
	if events[1].ID != "2" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestWALAppendAfterEngineRestart(t *testing.T) {
	dir := t.TempDir()

	first, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL failed: %v", err)
	}
	first.Append(&Event{ID: "a", ExperimentID: "exp-1", UserID: "u1", Type: "view", OccurredAt: time.Now()})
	first.Close()

	// Reopening the same day appends rather than truncating.
	second, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	second.Append(&Event{ID: "b", ExperimentID: "exp-1", UserID: "u2", Type: "view", OccurredAt: time.Now()})
	second.Close()

	events, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("replayed %d events, want 2", len(events))
	}
	if events[0].ID != "a" || events[1].ID != "b" {
		t.Errorf("replay order = %s, %s; want a, b", events[0].ID, events[1].ID)
	}
}
