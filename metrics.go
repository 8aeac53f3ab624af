package arbor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Walk triggers, used as the "trigger" label.
const (
	triggerLoad           = "load"
	triggerFirstExecution = "first_execution"
	triggerAttach         = "attach"
	triggerDispose        = "dispose"
	triggerNodeInserted   = "node_inserted"
	triggerSources        = "sources"
	triggerVisitSections  = "visit_sections"
)

type metrics struct {
	walks            *prometheus.CounterVec
	walksSkipped     *prometheus.CounterVec
	walkDuration     prometheus.Histogram
	materializations prometheus.Counter
	wrappersInserted prometheus.Counter
	wrappersRemoved  prometheus.Counter
	invalidations    prometheus.Counter
	chainBuilds      prometheus.Counter
	listenerFailures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		walks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_walks_total",
			Help: "Tree walks performed, by trigger",
		}, []string{"trigger"}),
		walksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_walks_skipped_total",
			Help: "Tree walks rejected by the root fast path, by trigger",
		}, []string{"trigger"}),
		walkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbor_walk_duration_seconds",
			Help:    "Time spent walking a root while holding its lock",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		materializations: f.NewCounter(prometheus.CounterOpts{
			Name: "arbor_materializations_total",
			Help: "Nodes replaced by a materialized equivalent",
		}),
		wrappersInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "arbor_wrappers_inserted_total",
			Help: "Interception wrappers inserted",
		}),
		wrappersRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "arbor_wrappers_removed_total",
			Help: "Interception wrappers removed after their chain became empty",
		}),
		invalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "arbor_probe_invalidations_total",
			Help: "Event chains invalidated",
		}),
		chainBuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "arbor_chain_builds_total",
			Help: "Event chains built",
		}),
		listenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_listener_failures_total",
			Help: "Listener callbacks that returned an error or panicked, by event",
		}, []string{"event"}),
	}
}
