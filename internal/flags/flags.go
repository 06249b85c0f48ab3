// Package flags implements percentage- and condition-gated feature
// flags. Evaluation is pure computation over the flag definition and the
// caller's attribute context: no locks on the decide path beyond the
// registry read, no persisted per-user state, and no errors. Anything
// unresolvable evaluates to off.
package flags

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/rampart-io/rampart/internal/cohort"
)

// Operator is the relation a condition applies between the user's
// attribute and the configured value.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
	OpGt    Operator = "gt"
	OpLt    Operator = "lt"
)

// Condition is one attribute check. All of a flag's conditions must hold
// for the flag to be on.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// Matches evaluates the condition against an attribute map. A missing
// attribute never matches, whatever the operator: an unverifiable
// condition fails closed.
func (c Condition) Matches(attrs map[string]any) bool {
	got, ok := attrs[c.Attribute]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return equalValue(got, c.Value)
	case OpNe:
		return !equalValue(got, c.Value)
	case OpIn:
		return containsValue(c.Value, got)
	case OpNotIn:
		return !containsValue(c.Value, got)
	case OpGt:
		a, aok := toFloat(got)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLt:
		a, aok := toFloat(got)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	}

	return false
}

// Variant is one weighted arm of a multivariate flag.
type Variant struct {
	ID     string         `json:"id"`
	Weight float64        `json:"weight"`
	Config map[string]any `json:"config,omitempty"`
}

// Flag is a named behavior switch. Enabled and RolloutPercentage are the
// only fields another component mutates: the rollout manager writes them
// as phases advance.
type Flag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Enabled           bool    `json:"enabled"`
	RolloutPercentage float64 `json:"rollout_percentage"`

	// Audiences are labels; a user must carry at least one of them when
	// any are configured.
	Audiences []string `json:"audiences,omitempty"`

	// Conditions are conjunctive attribute checks.
	Conditions []Condition `json:"conditions,omitempty"`

	// Variants, when present, split enabled users into weighted arms.
	Variants []Variant `json:"variants,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidationError reports a rejected flag definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flag validation error [%s]: %s", e.Field, e.Message)
}

const weightSumTolerance = 0.01

// Validate checks a flag definition at creation time.
func (f *Flag) Validate() error {
	if f.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}

	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return &ValidationError{
			Field:   "rollout_percentage",
			Message: fmt.Sprintf("percentage %g outside [0, 100]", f.RolloutPercentage),
		}
	}

	for i, c := range f.Conditions {
		if c.Attribute == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("conditions[%d].attribute", i),
				Message: "attribute is required",
			}
		}
		switch c.Operator {
		case OpEq, OpNe, OpGt, OpLt:
		case OpIn, OpNotIn:
			if reflect.ValueOf(c.Value).Kind() != reflect.Slice {
				return &ValidationError{
					Field:   fmt.Sprintf("conditions[%d].value", i),
					Message: fmt.Sprintf("%s requires a list value", c.Operator),
				}
			}
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("conditions[%d].operator", i),
				Message: fmt.Sprintf("unknown operator %q", c.Operator),
			}
		}
	}

	if len(f.Variants) > 0 {
		seen := make(map[string]bool, len(f.Variants))
		sum := 0.0
		for i, v := range f.Variants {
			if v.ID == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("variants[%d].id", i),
					Message: "variant id is required",
				}
			}
			if seen[v.ID] {
				return &ValidationError{
					Field:   fmt.Sprintf("variants[%d].id", i),
					Message: fmt.Sprintf("duplicate variant id %q", v.ID),
				}
			}
			seen[v.ID] = true

			if v.Weight < 0 || v.Weight > 100 {
				return &ValidationError{
					Field:   fmt.Sprintf("variants[%d].weight", i),
					Message: fmt.Sprintf("weight %g outside [0, 100]", v.Weight),
				}
			}
			sum += v.Weight
		}
		if math.Abs(sum-100) > weightSumTolerance {
			return &ValidationError{
				Field:   "variants",
				Message: fmt.Sprintf("variant weights sum to %g, want 100", sum),
			}
		}
	}

	return nil
}

// Context carries the identity and attributes of one evaluation call.
type Context struct {
	UserID     string
	Attributes map[string]any
}

// evaluate runs the gate chain: enabled, percentage roll, audience
// labels, then every condition. attrs is the already-merged context.
func (f *Flag) evaluate(userID string, attrs map[string]any) bool {
	if !f.Enabled {
		return false
	}

	// Deterministic roll in [0, 100): a user is inside an N% rollout iff
	// their bucket is below N, so 0% is nobody and 100% is everybody.
	if cohort.Bucket(userID, f.Name+":rollout") >= f.RolloutPercentage {
		return false
	}

	if len(f.Audiences) > 0 && !audienceMatch(f.Audiences, attrs) {
		return false
	}

	for _, c := range f.Conditions {
		if !c.Matches(attrs) {
			return false
		}
	}

	return true
}

// pickVariant deterministically selects one of the flag's arms, keyed by
// userID and flag name so the pick is stable without persisted state.
func (f *Flag) pickVariant(userID string) (string, bool) {
	if len(f.Variants) == 0 {
		return "", false
	}

	weights := make([]float64, len(f.Variants))
	for i, v := range f.Variants {
		weights[i] = v.Weight
	}

	roll := cohort.Bucket(userID, f.Name)
	return f.Variants[cohort.PickWeighted(roll, weights)].ID, true
}

// audienceMatch reports whether the user carries at least one required
// audience label. Labels are read from the "audiences" attribute, which
// may be a string, []string, or []any of strings.
func audienceMatch(required []string, attrs map[string]any) bool {
	raw, ok := attrs["audiences"]
	if !ok {
		return false
	}

	var labels []string
	switch v := raw.(type) {
	case string:
		labels = []string{v}
	case []string:
		labels = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	for _, want := range required {
		for _, have := range labels {
			if want == have {
				return true
			}
		}
	}
	return false
}

func containsValue(list any, candidate any) bool {
	rv := reflect.ValueOf(list)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValue(rv.Index(i).Interface(), candidate) {
			return true
		}
	}
	return false
}

// equalValue compares attribute values loosely: JSON decoding yields
// float64 for every number, so numeric kinds compare by value.
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
