package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rampart-io/rampart/internal/store"
)

const keyPrefix = "flag-"

func flagKey(name string) string {
	return keyPrefix + name
}

// Registry holds all flags and evaluates them against a base attribute
// context merged with per-call overrides. Evaluation methods never
// return errors: an unknown flag, or any unresolvable input, is off.
type Registry struct {
	mu    sync.RWMutex
	store store.Store
	flags map[string]*Flag
	base  map[string]any
	now   func() time.Time
}

// NewRegistry creates a registry persisting through st. base supplies
// ambient attributes (environment, region) present on every evaluation.
func NewRegistry(st store.Store, base map[string]any) *Registry {
	if base == nil {
		base = map[string]any{}
	}
	return &Registry{
		store: st,
		flags: make(map[string]*Flag),
		base:  base,
		now:   time.Now,
	}
}

// Load rehydrates the registry from the store.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, data := range records {
		var f Flag
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Printf("Warning: skipping corrupt flag record %s: %v\n", key, err)
			continue
		}
		r.flags[f.Name] = &f
	}

	fmt.Printf("Loaded %d flags\n", len(r.flags))
	return nil
}

// Create validates and stores a new flag.
func (r *Registry) Create(ctx context.Context, f *Flag) error {
	if err := f.Validate(); err != nil {
		return err
	}

	f.CreatedAt = r.now()
	f.UpdatedAt = f.CreatedAt

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flags[f.Name]; exists {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("flag %s already exists", f.Name)}
	}

	r.flags[f.Name] = f
	r.persistLocked(ctx, f)
	return nil
}

// Get returns the flag, or a wrapped store.ErrNotFound.
func (r *Registry) Get(name string) (*Flag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.flags[name]
	if !ok {
		return nil, fmt.Errorf("flag %s: %w", name, store.ErrNotFound)
	}
	return f, nil
}

// List returns all flags, in no particular order.
func (r *Registry) List() []*Flag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Flag, 0, len(r.flags))
	for _, f := range r.flags {
		out = append(out, f)
	}
	return out
}

// SetEnabled flips the flag's kill switch.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return r.mutate(ctx, name, func(f *Flag) { f.Enabled = enabled })
}

// SetRolloutPercentage writes a new exposure percentage. The rollout
// manager drives this as phases advance.
func (r *Registry) SetRolloutPercentage(ctx context.Context, name string, pct float64) error {
	if pct < 0 || pct > 100 {
		return &ValidationError{
			Field:   "rollout_percentage",
			Message: fmt.Sprintf("percentage %g outside [0, 100]", pct),
		}
	}
	return r.mutate(ctx, name, func(f *Flag) { f.RolloutPercentage = pct })
}

// mutate clones the flag, applies fn, and swaps it in, so concurrent
// evaluations read either the old or new definition, never a torn one.
func (r *Registry) mutate(ctx context.Context, name string, fn func(*Flag)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.flags[name]
	if !ok {
		return fmt.Errorf("flag %s: %w", name, store.ErrNotFound)
	}

	updated := *current
	fn(&updated)
	updated.UpdatedAt = r.now()

	r.flags[name] = &updated
	r.persistLocked(ctx, &updated)
	return nil
}

// IsEnabled resolves the flag for one user. Unknown flags are off.
func (r *Registry) IsEnabled(name string, evalCtx Context) bool {
	r.mu.RLock()
	f, ok := r.flags[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	return f.evaluate(evalCtx.UserID, r.mergedAttrs(evalCtx.Attributes))
}

// GetVariant returns the user's variant for a multivariate flag. The
// second return is false when the flag is off for this user or has no
// variants.
func (r *Registry) GetVariant(name string, evalCtx Context) (string, bool) {
	r.mu.RLock()
	f, ok := r.flags[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	if !f.evaluate(evalCtx.UserID, r.mergedAttrs(evalCtx.Attributes)) {
		return "", false
	}
	return f.pickVariant(evalCtx.UserID)
}

func (r *Registry) mergedAttrs(overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(r.base)+len(overrides))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func (r *Registry) persistLocked(ctx context.Context, f *Flag) {
	data, err := json.Marshal(f)
	if err != nil {
		fmt.Printf("Warning: failed to encode flag %s: %v\n", f.Name, err)
		return
	}
	if err := r.store.Put(ctx, flagKey(f.Name), data); err != nil {
		fmt.Printf("Warning: failed to persist flag %s: %v\n", f.Name, err)
	}
}
