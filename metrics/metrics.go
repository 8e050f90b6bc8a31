package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	retrieverLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hrask_retriever_latency_ms",
		Help:    "Latency of evidence source calls in milliseconds",
		Buckets: []float64{10, 25, 50, 75, 100, 150, 200, 300, 500, 800, 1200, 3000},
	}, []string{"type"})

	retrieverResults = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hrask_retriever_results",
		Help:    "Number of evidence records returned by a source",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	}, []string{"type"})

	stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hrask_stage_latency_ms",
		Help:    "Latency of pipeline stages in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 100000},
	}, []string{"stage"})

	queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hrask_queries_total",
		Help: "Processed queries by outcome",
	}, []string{"outcome"})

	routes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hrask_route_total",
		Help: "Routing decisions by query type",
	}, []string{"query_type"})

	modelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hrask_model_calls_total",
		Help: "Model backend calls by provider and status",
	}, []string{"provider", "status"})

	backendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hrask_backend_errors_total",
		Help: "Recovered backend failures",
	}, []string{"backend"})

	filteredOut = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hrask_evidence_filtered_out",
		Help:    "Evidence records dropped by the access filter per query",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler serves the default registry with every hrask collector registered.
func Handler() http.Handler {
	ensureRegistered()
	return promhttp.Handler()
}

// ObserveRetriever records latency and result size for an evidence source.
func ObserveRetriever(typ string, start time.Time, results int) {
	ensureRegistered()
	retrieverLatency.WithLabelValues(typ).Observe(float64(time.Since(start).Milliseconds()))
	retrieverResults.WithLabelValues(typ).Observe(float64(results))
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, start time.Time) {
	ensureRegistered()
	stageLatency.WithLabelValues(stage).Observe(float64(time.Since(start).Milliseconds()))
}

// IncQuery counts a finished query: success, failure, no_evidence or dropped.
func IncQuery(outcome string) {
	ensureRegistered()
	queries.WithLabelValues(outcome).Inc()
}

func IncRoute(queryType string) {
	ensureRegistered()
	routes.WithLabelValues(queryType).Inc()
}

func IncModelCall(provider, status string) {
	ensureRegistered()
	modelCalls.WithLabelValues(provider, status).Inc()
}

func IncBackendError(backend string) {
	ensureRegistered()
	backendErrors.WithLabelValues(backend).Inc()
}

func ObserveFilteredOut(n int) {
	ensureRegistered()
	if n >= 0 {
		filteredOut.Observe(float64(n))
	}
}

// Collectors exposes all collectors for external registration with a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		retrieverLatency, retrieverResults, stageLatency, queries, routes, modelCalls, backendErrors, filteredOut,
	}
}
