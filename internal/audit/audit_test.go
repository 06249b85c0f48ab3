package audit

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestTrailWriteAndRead(t *testing.T) {
	dir := t.TempDir()

	trail, err := NewTrail(dir)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}

	trail.Event(KindRolloutStarted, "plan-1", "checkout rollout", map[string]any{"percentage": 5.0})
	trail.Event(KindRolloutAdvanced, "plan-1", "", map[string]any{"phase": 1})
	trail.Record(&Record{Kind: KindSafetyBreach, Subject: "plan-1", Detail: "error_rate gt 0.05"})

	if err := trail.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", time.Now().Format("20060102")))
	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Kind != KindRolloutStarted {
		t.Errorf("expected first record %s, got %s", KindRolloutStarted, records[0].Kind)
	}
	if records[0].ID == "" {
		t.Error("expected record ID to be assigned")
	}
	if records[0].At.IsZero() {
		t.Error("expected record timestamp to be stamped")
	}
	if records[2].Detail != "error_rate gt 0.05" {
		t.Errorf("unexpected detail: %s", records[2].Detail)
	}
	if records[0].Fields["percentage"] != 5.0 {
		t.Errorf("expected percentage field 5.0, got %v", records[0].Fields["percentage"])
	}
}

func TestNilTrailIsSafe(t *testing.T) {
	var trail *Trail

	trail.Event(KindRolloutPaused, "plan-9", "", nil)
	trail.Record(&Record{Kind: KindRolloutPaused})

	if trail.Dropped() != 0 {
		t.Error("nil trail should report zero drops")
	}
	if err := trail.Close(); err != nil {
		t.Errorf("nil trail Close should be a no-op, got %v", err)
	}
}

func TestTrailReopenAppends(t *testing.T) {
	dir := t.TempDir()

	first, err := NewTrail(dir)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}
	first.Event(KindExperimentCreated, "exp-1", "", nil)
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewTrail(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	second.Event(KindExperimentStarted, "exp-1", "", nil)
	if err := second.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", time.Now().Format("20060102")))
	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after reopen, got %d", len(records))
	}
	if records[0].Kind != KindExperimentCreated || records[1].Kind != KindExperimentStarted {
		t.Errorf("records out of order: %s, %s", records[0].Kind, records[1].Kind)
	}
}
