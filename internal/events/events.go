// Package events records experiment exposure and conversion events. The
// working set lives in memory for fast aggregation; an append-only log
// on disk lets a restarted node rebuild it.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one observation tied to an assigned user: a conversion, a
// metric sample, or any custom occurrence an experiment tracks.
type Event struct {
	ID           string         `json:"id"`
	ExperimentID string         `json:"experiment_id"`
	UserID       string         `json:"user_id"`
	VariantID    string         `json:"variant_id"`
	Type         string         `json:"type"`
	Value        *float64       `json:"value,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Recorder buffers events per experiment. Appends are cheap and never
// fail the caller: log trouble is absorbed and counted.
type Recorder struct {
	mu     sync.RWMutex
	events map[string][]*Event
	wal    *WAL

	walErrors atomic.Uint64
}

// NewRecorder creates a recorder. wal may be nil for purely in-memory
// operation (tests, the simulator).
func NewRecorder(wal *WAL) *Recorder {
	return &Recorder{
		events: make(map[string][]*Event),
		wal:    wal,
	}
}

// Append records an event, defaulting its ID and timestamp.
func (r *Recorder) Append(e *Event) error {
	if e.ExperimentID == "" || e.UserID == "" || e.Type == "" {
		return fmt.Errorf("event requires experiment_id, user_id, and type")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	r.mu.Lock()
	r.events[e.ExperimentID] = append(r.events[e.ExperimentID], e)
	r.mu.Unlock()

	if r.wal != nil {
		if err := r.wal.Append(e); err != nil {
			r.walErrors.Add(1)
			fmt.Printf("Warning: event %s not journaled: %v\n", e.ID, err)
		}
	}
	return nil
}

// Restore loads replayed events without touching the log.
func (r *Recorder) Restore(events []*Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if e.ExperimentID == "" {
			continue
		}
		r.events[e.ExperimentID] = append(r.events[e.ExperimentID], e)
	}
}

// ByExperiment returns a copy of the experiment's event list in arrival
// order.
func (r *Recorder) ByExperiment(experimentID string) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[experimentID]
	out := make([]*Event, len(events))
	copy(out, events)
	return out
}

// Count returns how many events an experiment has accumulated.
func (r *Recorder) Count(experimentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events[experimentID])
}

// Total returns the number of events held across all experiments.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, events := range r.events {
		total += len(events)
	}
	return total
}

// WALErrors returns how many events failed to journal.
func (r *Recorder) WALErrors() uint64 {
	return r.walErrors.Load()
}

// Drop releases an experiment's events, once its results are archived.
func (r *Recorder) Drop(experimentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, experimentID)
}
