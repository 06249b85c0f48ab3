package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"github.com/rampart-io/rampart/internal/cache"
	"github.com/rampart-io/rampart/internal/cohort"
	"github.com/rampart-io/rampart/internal/store"
)

const assignmentPrefix = "assignment-"

func assignmentKey(experimentID, userID string) string {
	return assignmentPrefix + experimentID + "-" + userID
}

// Allocator hands out variant assignments. An assignment is computed
// once per (experiment, user) and then pinned: the store's atomic
// first-write-wins settles races between replicas, and a bounded TTL
// cache keeps the hot path off the store.
type Allocator struct {
	store store.Store
	cache *cache.TTL[string, Assignment]
	now   func() time.Time
	roll  func() float64
}

// NewAllocator creates an allocator persisting assignments through st.
func NewAllocator(st store.Store) *Allocator {
	return &Allocator{
		store: st,
		cache: cache.NewTTL[string, Assignment](100_000, time.Hour),
		now:   time.Now,
		roll:  func() float64 { return rand.Float64() * 100 },
	}
}

// Assign returns the user's assignment for the experiment, creating one
// if the user is eligible and none exists yet. A nil assignment with nil
// error means the user does not participate: the experiment is not
// allocating, the user failed the audience gate, or they are excluded.
func (a *Allocator) Assign(ctx context.Context, exp *Experiment, userID string, attrs map[string]any) (*Assignment, error) {
	if userID == "" {
		return nil, fmt.Errorf("assign: user id is required")
	}

	// Sticky first: an existing assignment always wins, even if the
	// experiment has since been paused.
	if existing := a.lookup(ctx, exp.ID, userID); existing != nil && existing.Active {
		return existing, nil
	}

	if exp.Status != StatusActive {
		return nil, nil
	}

	if !a.eligible(exp, userID, attrs) {
		return nil, nil
	}

	variant := a.pick(exp, userID)
	if variant == nil {
		return nil, nil
	}

	asg := &Assignment{
		UserID:       userID,
		ExperimentID: exp.ID,
		VariantID:    variant.ID,
		AssignedAt:   a.now(),
		Active:       true,
	}

	data, err := json.Marshal(asg)
	if err != nil {
		return nil, fmt.Errorf("encode assignment: %w", err)
	}

	stored, won, err := a.store.PutIfAbsent(ctx, assignmentKey(exp.ID, userID), data)
	if err != nil {
		// Store trouble must not break the caller's request. Serve the
		// computed variant now and leave it uncached so the next call
		// retries the write.
		fmt.Printf("Warning: failed to persist assignment %s/%s: %v\n", exp.ID, userID, err)
		return asg, nil
	}

	if !won {
		var winner Assignment
		if err := json.Unmarshal(stored, &winner); err != nil {
			return nil, fmt.Errorf("decode winning assignment: %w", err)
		}
		asg = &winner
	}

	a.cache.Set(cacheKey(exp.ID, userID), *asg)
	return asg, nil
}

// Get returns the persisted assignment, or a wrapped store.ErrNotFound.
func (a *Allocator) Get(ctx context.Context, experimentID, userID string) (*Assignment, error) {
	if asg := a.lookup(ctx, experimentID, userID); asg != nil {
		return asg, nil
	}
	return nil, fmt.Errorf("assignment %s/%s: %w", experimentID, userID, store.ErrNotFound)
}

// Reset deletes a user's assignment so their next exposure re-allocates.
func (a *Allocator) Reset(ctx context.Context, experimentID, userID string) error {
	if err := a.store.Delete(ctx, assignmentKey(experimentID, userID)); err != nil {
		return fmt.Errorf("reset assignment %s/%s: %w", experimentID, userID, err)
	}
	a.cache.Remove(cacheKey(experimentID, userID))
	return nil
}

// Deactivate marks every assignment of an ended experiment inactive and
// purges them from the cache. Returns the number touched.
func (a *Allocator) Deactivate(ctx context.Context, experimentID string) (int, error) {
	records, err := a.store.ScanPrefix(ctx, assignmentPrefix+experimentID+"-")
	if err != nil {
		return 0, fmt.Errorf("scan assignments for %s: %w", experimentID, err)
	}

	touched := 0
	for key, data := range records {
		var asg Assignment
		if err := json.Unmarshal(data, &asg); err != nil {
			fmt.Printf("Warning: skipping corrupt assignment record %s: %v\n", key, err)
			continue
		}
		if !asg.Active {
			continue
		}

		asg.Active = false
		updated, err := json.Marshal(&asg)
		if err != nil {
			continue
		}
		if err := a.store.Put(ctx, key, updated); err != nil {
			fmt.Printf("Warning: failed to deactivate assignment %s: %v\n", key, err)
			continue
		}
		a.cache.Remove(cacheKey(asg.ExperimentID, asg.UserID))
		touched++
	}

	return touched, nil
}

// CacheStats exposes assignment cache effectiveness.
func (a *Allocator) CacheStats() cache.Stats {
	return a.cache.Stats()
}

func cacheKey(experimentID, userID string) string {
	return experimentID + "/" + userID
}

// lookup checks cache then store. Store errors degrade to a miss.
func (a *Allocator) lookup(ctx context.Context, experimentID, userID string) *Assignment {
	if asg, ok := a.cache.Get(cacheKey(experimentID, userID)); ok {
		return &asg
	}

	data, err := a.store.Get(ctx, assignmentKey(experimentID, userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		fmt.Printf("Warning: assignment lookup %s/%s failed: %v\n", experimentID, userID, err)
		return nil
	}

	var asg Assignment
	if err := json.Unmarshal(data, &asg); err != nil {
		fmt.Printf("Warning: corrupt assignment record %s/%s: %v\n", experimentID, userID, err)
		return nil
	}

	if asg.Active {
		a.cache.Set(cacheKey(experimentID, userID), asg)
	}
	return &asg
}

// eligible applies the audience gate: exclusion list, deterministic
// percentage roll, then attribute criteria.
func (a *Allocator) eligible(exp *Experiment, userID string, attrs map[string]any) bool {
	for _, excluded := range exp.Audience.Excluded {
		if excluded == userID {
			return false
		}
	}

	if exp.Audience.Percentage < 100 {
		if cohort.Bucket(userID, exp.Salt+":audience") >= exp.Audience.Percentage {
			return false
		}
	}

	for key, want := range exp.Audience.Criteria {
		got, ok := attrs[key]
		if !ok || !equalValue(got, want) {
			return false
		}
	}

	return true
}

// pick chooses a variant per the experiment's strategy. Returns nil only
// when a gradual experiment holds the user back and no control exists,
// which validation prevents.
func (a *Allocator) pick(exp *Experiment, userID string) *Variant {
	weights := make([]float64, len(exp.Variants))
	for i, v := range exp.Variants {
		weights[i] = v.Weight
	}

	switch exp.Strategy {
	case StrategyRandom:
		return &exp.Variants[cohort.PickWeighted(a.roll(), weights)]

	case StrategyDeterministic:
		roll := cohort.Bucket(userID, exp.Salt)
		return &exp.Variants[cohort.PickWeighted(roll, weights)]

	case StrategyGradual:
		started := exp.CreatedAt
		if exp.StartedAt != nil {
			started = *exp.StartedAt
		}
		admitted := exp.Ramp.CurrentPercentage(started, a.now())

		// A fresh roll above the ramped share pins the user to control;
		// the persisted assignment keeps either outcome sticky. The ramp
		// only governs first exposure.
		if a.roll() >= admitted {
			return exp.ControlVariant()
		}
		return &exp.Variants[cohort.PickWeighted(a.roll(), weights)]
	}

	return nil
}

// equalValue compares attribute values loosely: JSON decoding yields
// float64 for every number, so numeric kinds are compared by value.
func equalValue(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
