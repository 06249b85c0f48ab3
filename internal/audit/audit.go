// Package audit writes an append-only JSONL trail of control-plane
// decisions: lifecycle transitions, phase advances, safety breaches,
// rollbacks. Writes are asynchronous so the decision paths never block
// on disk.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Record kinds written by the engine and rollout manager.
const (
	KindExperimentCreated = "experiment_created"
	KindExperimentStarted = "experiment_started"
	KindExperimentStopped = "experiment_stopped"
	KindFlagCreated       = "flag_created"
	KindRolloutCreated    = "rollout_created"
	KindRolloutStarted    = "rollout_started"
	KindRolloutAdvanced   = "rollout_advanced"
	KindRolloutPaused     = "rollout_paused"
	KindRolloutResumed    = "rollout_resumed"
	KindRolloutCompleted  = "rollout_completed"
	KindRolloutRolledBack = "rollout_rolled_back"
	KindSafetyBreach      = "safety_breach"
)

// Record is one audit entry.
type Record struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Detail  string         `json:"detail,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Trail is the asynchronous writer. A nil *Trail is valid and drops
// everything, so callers never need to guard their Record calls.
type Trail struct {
	queue   chan *Record
	stopCh  chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	mu   sync.Mutex
	file *os.File
}

// NewTrail opens (or creates) a daily audit file under dir and starts
// the writer goroutine.
func NewTrail(dir string) (*Trail, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", time.Now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	t := &Trail{
		queue:  make(chan *Record, 1024),
		stopCh: make(chan struct{}),
		file:   file,
	}

	t.wg.Add(1)
	go t.writeLoop()

	fmt.Printf("Audit trail started: %s\n", path)
	return t, nil
}

// Record enqueues an entry without blocking. When the queue is full the
// entry is dropped and counted; auditing never backpressures rollouts.
func (t *Trail) Record(rec *Record) {
	if t == nil {
		return
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	select {
	case t.queue <- rec:
	default:
		t.dropped.Add(1)
	}
}

// Event is a convenience wrapper building a Record in one call.
func (t *Trail) Event(kind, subject, detail string, fields map[string]any) {
	t.Record(&Record{Kind: kind, Subject: subject, Detail: detail, Fields: fields})
}

// Dropped returns how many records were lost to a full queue.
func (t *Trail) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Close drains the queue, syncs, and closes the file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}

	close(t.stopCh)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}

func (t *Trail) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case rec := <-t.queue:
			t.write(rec)
		case <-t.stopCh:
			// Drain whatever is still queued before shutting down.
			for {
				select {
				case rec := <-t.queue:
					t.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) write(rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		fmt.Printf("Warning: failed to encode audit record %s: %v\n", rec.ID, err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.file.Write(append(data, '\n')); err != nil {
		fmt.Printf("Warning: failed to write audit record %s: %v\n", rec.ID, err)
	}
}

// ReadFile loads every record from one audit file, skipping malformed
// lines. Used by the CLI to inspect a node's trail.
func ReadFile(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}

	var records []*Record
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
	}
	return records, nil
}
