// Package stats turns raw experiment events into per-variant aggregates
// and a control-versus-treatment significance readout.
package stats

import (
	"fmt"
	"math"
	"time"

	"github.com/rampart-io/rampart/internal/events"
	"github.com/rampart-io/rampart/internal/experiment"
)

// Recommendation is the action suggested by the significance readout.
type Recommendation string

const (
	// RecommendationInconclusive means keep collecting data.
	RecommendationInconclusive Recommendation = "inconclusive"

	// RecommendationWinner means the best treatment beats control.
	RecommendationWinner Recommendation = "winner"

	// RecommendationRollback means the best treatment is significantly
	// worse than control.
	RecommendationRollback Recommendation = "rollback"
)

// alpha is the fixed significance level; zCI the matching two-sided
// interval multiplier.
const (
	alpha = 0.05
	zCI   = 1.96
)

// VariantStats aggregates one arm of an experiment.
type VariantStats struct {
	VariantID string `json:"variant_id"`
	Name      string `json:"name,omitempty"`
	IsControl bool   `json:"is_control"`

	// SampleSize counts distinct users with at least one event on this
	// variant; Conversions counts primary-metric events.
	SampleSize     int     `json:"sample_size"`
	EventCount     int     `json:"event_count"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`

	// Mean and the derived interval are over primary-metric event
	// values, with a missing value counting as 1.
	Mean          float64 `json:"mean"`
	StandardError float64 `json:"standard_error"`
	CILower       float64 `json:"ci_lower"`
	CIUpper       float64 `json:"ci_upper"`
}

// Results is the full readout for one experiment.
type Results struct {
	ExperimentID string         `json:"experiment_id"`
	GeneratedAt  time.Time      `json:"generated_at"`
	TotalUsers   int            `json:"total_users"`
	Variants     []VariantStats `json:"variants"`

	ControlID   string `json:"control_id,omitempty"`
	TreatmentID string `json:"treatment_id,omitempty"`

	ZScore      float64        `json:"z_score"`
	PValue      float64        `json:"p_value"`
	Significant bool           `json:"significant"`
	Recommend   Recommendation `json:"recommendation"`
	Reason      string         `json:"reason"`
}

// Compute aggregates events into per-variant statistics and compares
// control against the strongest treatment. It never fails: experiments
// that cannot be compared get a neutral readout (z=0, p=1, inconclusive)
// with the reason spelled out.
func Compute(exp *experiment.Experiment, evs []*events.Event) *Results {
	res := &Results{
		ExperimentID: exp.ID,
		GeneratedAt:  time.Now(),
		ZScore:       0,
		PValue:       1,
		Recommend:    RecommendationInconclusive,
	}

	aggregates := aggregate(exp, evs)

	allUsers := make(map[string]struct{})
	for _, e := range evs {
		allUsers[e.UserID] = struct{}{}
	}
	res.TotalUsers = len(allUsers)

	res.Variants = make([]VariantStats, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		agg := aggregates[v.ID]
		res.Variants = append(res.Variants, agg.finish(v))
	}

	if len(exp.Variants) < 2 {
		res.Reason = "fewer than two variants, nothing to compare"
		return res
	}

	control := exp.ControlVariant()
	if control == nil {
		res.Reason = "no control variant marked"
		return res
	}
	res.ControlID = control.ID

	best := bestTreatment(res.Variants, control.ID)
	if best == nil {
		res.Reason = "no treatment variant to compare against control"
		return res
	}
	res.TreatmentID = best.VariantID

	var controlStats *VariantStats
	for i := range res.Variants {
		if res.Variants[i].VariantID == control.ID {
			controlStats = &res.Variants[i]
		}
	}

	denom := math.Sqrt(controlStats.StandardError*controlStats.StandardError +
		best.StandardError*best.StandardError)
	if denom == 0 {
		res.Reason = fmt.Sprintf(
			"zero variance between %s and %s, need more data", control.ID, best.VariantID)
		return res
	}

	res.ZScore = (best.Mean - controlStats.Mean) / denom
	res.PValue = twoTailedP(res.ZScore)
	res.Significant = res.PValue < alpha

	switch {
	case !res.Significant:
		res.Reason = fmt.Sprintf(
			"difference between %s (mean %.4f) and %s (mean %.4f) is not significant (p=%.4f)",
			control.ID, controlStats.Mean, best.VariantID, best.Mean, res.PValue)
	case res.ZScore > 0:
		res.Recommend = RecommendationWinner
		res.Reason = fmt.Sprintf(
			"%s beats %s: mean %.4f vs %.4f (p=%.4f)",
			best.VariantID, control.ID, best.Mean, controlStats.Mean, res.PValue)
	default:
		res.Recommend = RecommendationRollback
		res.Reason = fmt.Sprintf(
			"%s underperforms %s: mean %.4f vs %.4f (p=%.4f)",
			best.VariantID, control.ID, best.Mean, controlStats.Mean, res.PValue)
	}

	return res
}

// variantAggregate accumulates raw observations for one variant.
type variantAggregate struct {
	users      map[string]struct{}
	eventCount int
	values     []float64
}

func aggregate(exp *experiment.Experiment, evs []*events.Event) map[string]*variantAggregate {
	out := make(map[string]*variantAggregate, len(exp.Variants))
	for _, v := range exp.Variants {
		out[v.ID] = &variantAggregate{users: make(map[string]struct{})}
	}

	for _, e := range evs {
		agg, ok := out[e.VariantID]
		if !ok {
			continue
		}
		agg.users[e.UserID] = struct{}{}
		agg.eventCount++

		if e.Type == exp.PrimaryMetric {
			value := 1.0
			if e.Value != nil {
				value = *e.Value
			}
			agg.values = append(agg.values, value)
		}
	}

	return out
}

func (a *variantAggregate) finish(v experiment.Variant) VariantStats {
	vs := VariantStats{
		VariantID: v.ID,
		Name:      v.Name,
		IsControl: v.Control,
	}
	if a == nil {
		return vs
	}

	vs.SampleSize = len(a.users)
	vs.EventCount = a.eventCount
	vs.Conversions = len(a.values)
	if vs.SampleSize > 0 {
		vs.ConversionRate = float64(vs.Conversions) / float64(vs.SampleSize)
	}

	vs.Mean = mean(a.values)
	vs.StandardError = standardError(a.values)
	vs.CILower = vs.Mean - zCI*vs.StandardError
	vs.CIUpper = vs.Mean + zCI*vs.StandardError
	return vs
}

// bestTreatment picks the non-control variant with the highest mean;
// ties keep the earliest declared.
func bestTreatment(variants []VariantStats, controlID string) *VariantStats {
	var best *VariantStats
	for i := range variants {
		if variants[i].VariantID == controlID {
			continue
		}
		if best == nil || variants[i].Mean > best.Mean {
			best = &variants[i]
		}
	}
	return best
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// standardError is the sample standard deviation over sqrt(n). Fewer
// than two observations give no variance estimate, so 0.
func standardError(values []float64) float64 {
	n := len(values)
	if n <= 1 {
		return 0
	}

	m := mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	sd := math.Sqrt(sumSq / float64(n-1))
	return sd / math.Sqrt(float64(n))
}

// twoTailedP is the two-sided p-value of a z score under the standard
// normal.
func twoTailedP(z float64) float64 {
	p := 2 * (1 - normalCDF(math.Abs(z)))
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + erf(z/math.Sqrt2))
}

// erf is the Abramowitz & Stegun 7.1.26 polynomial approximation,
// accurate to ~1.5e-7.
func erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}

	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	t := 1 / (1 + p*x)
	y := 1 - (((((a5*t+a4)*t+a3)*t+a2)*t+a1)*t)*math.Exp(-x*x)
	return sign * y
}
