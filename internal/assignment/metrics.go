package assignment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("experiment-engine.assignment")

var (
	// outcomesTotal counts successful lookups by how they were satisfied:
	// existing, created or conflict_recovered.
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_assignment_outcomes_total",
		Help: "Assignment requests by outcome",
	}, []string{"outcome"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_assignment_cache_lookups_total",
		Help: "Assignment and experiment cache lookups by namespace and result",
	}, []string{"namespace", "result"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_assignment_errors_total",
		Help: "Failed assignment requests by reason",
	}, []string{"reason"})
)

func recordLookup(namespace string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}
