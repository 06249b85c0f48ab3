package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rampart-io/rampart/internal/store"
)

// keyPrefix namespaces experiment records in the store.
const keyPrefix = "experiment-"

func experimentKey(id string) string {
	return keyPrefix + id
}

// Registry holds all known experiments, keeps them persisted, and owns
// their lifecycle transitions.
//
// Mutations replace the stored struct rather than editing it in place, so
// pointers handed out by Get stay internally consistent for readers that
// captured them before a transition.
type Registry struct {
	mu          sync.RWMutex
	store       store.Store
	experiments map[string]*Experiment
	now         func() time.Time
}

// NewRegistry creates a registry persisting through st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:       st,
		experiments: make(map[string]*Experiment),
		now:         time.Now,
	}
}

// Load rehydrates the registry from the store. Called once at startup
// before the engine serves traffic.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, data := range records {
		var exp Experiment
		if err := json.Unmarshal(data, &exp); err != nil {
			fmt.Printf("Warning: skipping corrupt experiment record %s: %v\n", key, err)
			continue
		}
		r.experiments[exp.ID] = &exp
	}

	fmt.Printf("Loaded %d experiments\n", len(r.experiments))
	return nil
}

// Register validates and stores a new experiment. The definition always
// enters in draft status; missing ID, salt, and confidence are defaulted.
func (r *Registry) Register(ctx context.Context, exp *Experiment) error {
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	if exp.Salt == "" {
		exp.Salt = exp.ID
	}
	if exp.Confidence == 0 {
		exp.Confidence = 0.95
	}

	if err := exp.Validate(); err != nil {
		return err
	}

	exp.Status = StatusDraft
	exp.StartedAt = nil
	exp.EndedAt = nil
	exp.CreatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experiments[exp.ID]; exists {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("experiment %s already exists", exp.ID)}
	}

	r.experiments[exp.ID] = exp
	r.persistLocked(ctx, exp)
	return nil
}

// Get returns the experiment, or a wrapped store.ErrNotFound.
func (r *Registry) Get(id string) (*Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, ok := r.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, store.ErrNotFound)
	}
	return exp, nil
}

// List returns all experiments, in no particular order.
func (r *Registry) List() []*Experiment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Experiment, 0, len(r.experiments))
	for _, exp := range r.experiments {
		out = append(out, exp)
	}
	return out
}

// Active returns the experiments currently allocating traffic.
func (r *Registry) Active() []*Experiment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Experiment
	for _, exp := range r.experiments {
		if exp.Status == StatusActive {
			out = append(out, exp)
		}
	}
	return out
}

// Start moves an experiment into active status and stamps StartedAt,
// which anchors gradual ramp schedules.
func (r *Registry) Start(ctx context.Context, id string) (*Experiment, error) {
	return r.transition(ctx, id, StatusActive, "")
}

// Pause suspends allocation without ending the experiment.
func (r *Registry) Pause(ctx context.Context, id string) (*Experiment, error) {
	return r.transition(ctx, id, StatusPaused, "")
}

// Stop completes an experiment. Stopping an already-completed experiment
// is a no-op so results can be re-read idempotently.
func (r *Registry) Stop(ctx context.Context, id, reason string) (*Experiment, error) {
	return r.transition(ctx, id, StatusCompleted, reason)
}

func (r *Registry) transition(ctx context.Context, id string, next Status, reason string) (*Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, store.ErrNotFound)
	}

	if current.Status == next {
		return current, nil
	}
	if !statusTransitionAllowed(current.Status, next) {
		return nil, fmt.Errorf("experiment %s: cannot move from %s to %s", id, current.Status, next)
	}

	updated := *current
	updated.Status = next
	switch next {
	case StatusActive:
		if updated.StartedAt == nil {
			t := r.now()
			updated.StartedAt = &t
		}
	case StatusCompleted:
		t := r.now()
		updated.EndedAt = &t
		updated.StoppedReason = reason
	}

	r.experiments[id] = &updated
	r.persistLocked(ctx, &updated)

	fmt.Printf("Experiment %s: %s -> %s\n", id, current.Status, next)
	return &updated, nil
}

func statusTransitionAllowed(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusActive
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted
	case StatusPaused:
		return to == StatusActive || to == StatusCompleted
	}
	return false
}

// persistLocked writes through to the store. A store failure is logged
// and absorbed; the in-memory registry remains the source of truth and
// the record is rewritten on the next transition.
func (r *Registry) persistLocked(ctx context.Context, exp *Experiment) {
	data, err := json.Marshal(exp)
	if err != nil {
		fmt.Printf("Warning: failed to encode experiment %s: %v\n", exp.ID, err)
		return
	}
	if err := r.store.Put(ctx, experimentKey(exp.ID), data); err != nil {
		fmt.Printf("Warning: failed to persist experiment %s: %v\n", exp.ID, err)
	}
}
