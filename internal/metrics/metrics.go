package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the control plane.
type Metrics struct {
	AssignmentsTotal   *prometheus.CounterVec
	EventsRecorded     prometheus.Counter
	EventsDropped      prometheus.Counter
	ResultsComputed    prometheus.Counter
	AssignmentDuration prometheus.Histogram

	FlagEvaluations  *prometheus.CounterVec
	FlagVariantPicks *prometheus.CounterVec

	RolloutsActive     prometheus.Gauge
	RolloutPercentage  *prometheus.GaugeVec
	RolloutTransitions *prometheus.CounterVec
	RollbacksTotal     *prometheus.CounterVec

	SafetyChecks   prometheus.Counter
	SafetyBreaches *prometheus.CounterVec
}

// New creates and registers all metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// Nop creates metrics backed by a private registry. Components that
// accept an optional *Metrics use this when the caller passes nil.
func Nop() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith creates and registers all metrics on the given registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AssignmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmp_assignments_total",
				Help: "Number of variant assignments made per experiment",
			},
			[]string{"experiment_id"},
		),
		EventsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "rmp_events_recorded_total",
			Help: "Number of metric events accepted into the event log",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "rmp_events_dropped_total",
			Help: "Number of metric events dropped for users without an active assignment",
		}),
		ResultsComputed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rmp_results_computed_total",
			Help: "Number of statistical result computations",
		}),
		AssignmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rmp_assignment_duration_seconds",
			Help:    "Latency of variant assignment including store writes",
			Buckets: prometheus.DefBuckets,
		}),

		FlagEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmp_flag_evaluations_total",
				Help: "Number of flag evaluations per flag and result",
			},
			[]string{"flag", "result"},
		),
		FlagVariantPicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmp_flag_variant_picks_total",
				Help: "Number of flag variant selections per flag and variant",
			},
			[]string{"flag", "variant"},
		),

		RolloutsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rmp_rollouts_active",
			Help: "Number of rollout plans currently active",
		}),
		RolloutPercentage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rmp_rollout_percentage",
				Help: "Current exposure percentage per rollout plan",
			},
			[]string{"plan"},
		),
		RolloutTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmp_rollout_transitions_total",
				Help: "Number of rollout phase transitions per plan",
			},
			[]string{"plan"},
		),
		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmp_rollbacks_total",
				Help: "Number of rollbacks per origin (manual, safety, phase_evaluation)",
			},
			[]string{"origin"},
		),

		SafetyChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rmp_safety_checks_total",
			Help: "Number of safety monitor evaluation passes",
		}),
		SafetyBreaches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmp_safety_breaches_total",
				Help: "Number of trigger breaches observed per severity",
			},
			[]string{"severity"},
		),
	}
}
