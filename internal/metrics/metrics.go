// Package metrics provides Prometheus metrics for the personalization service
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Retrieval metrics
	RecommendationRequests *prometheus.CounterVec
	RecommendationDuration prometheus.Histogram
	RecommendationResults  prometheus.Histogram
	PredictionRequests     prometheus.Counter
	TrainingRuns           *prometheus.CounterVec
	VariantAssignments     *prometheus.CounterVec

	// Upstream metrics
	EmbeddingTexts      prometheus.Counter
	EmbeddingFailures   prometheus.Counter
	VectorStoreErrors   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Clustering metrics
	ClusterRecalculations        *prometheus.CounterVec
	ClusterRecalculationDuration prometheus.Histogram

	// Re-ranking and cost tracking
	RerankRequests   prometheus.Counter
	RerankFallbacks  *prometheus.CounterVec
	RerankTokens     *prometheus.CounterVec
	EstimatedCostUSD prometheus.Gauge
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecommendationRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_recommendation_requests_total",
			Help: "Total number of recommendation requests by ranking algorithm",
		}, []string{"algorithm"}),
		RecommendationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "postrank_recommendation_duration_seconds",
			Help:    "Duration of recommendation requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RecommendationResults: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "postrank_recommendation_results",
			Help:    "Number of posts returned per recommendation request",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		PredictionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "postrank_prediction_requests_total",
			Help: "Total number of prediction requests",
		}),
		TrainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_training_runs_total",
			Help: "Total number of training runs by result",
		}, []string{"result"}),
		VariantAssignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_variant_assignments_total",
			Help: "Total number of experiment variant lookups by variant",
		}, []string{"variant"}),
		EmbeddingTexts: f.NewCounter(prometheus.CounterOpts{
			Name: "postrank_embedding_texts_total",
			Help: "Total number of texts submitted to the embedding provider",
		}),
		EmbeddingFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "postrank_embedding_failures_total",
			Help: "Total number of embedding batches that failed or returned unusable vectors",
		}),
		VectorStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_vectorstore_errors_total",
			Help: "Total number of vector store errors by operation",
		}, []string{"operation"}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postrank_circuit_breaker_open",
			Help: "Whether a circuit breaker is open (1) or not (0)",
		}, []string{"name"}),
		ClusterRecalculations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_cluster_recalculations_total",
			Help: "Total number of cluster recalculations by status",
		}, []string{"status"}),
		ClusterRecalculationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "postrank_cluster_recalculation_duration_seconds",
			Help:    "Duration of cluster recalculation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RerankRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "postrank_rerank_requests_total",
			Help: "Total number of LLM re-ranking requests",
		}),
		RerankFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_rerank_fallbacks_total",
			Help: "Total number of re-rankings that fell back to the original order",
		}, []string{"reason"}),
		RerankTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postrank_rerank_tokens_total",
			Help: "Total number of LLM tokens used for re-ranking",
		}, []string{"kind"}),
		EstimatedCostUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "postrank_rerank_estimated_cost_usd",
			Help: "Estimated accumulated LLM re-ranking cost in USD",
		}),
	}
}

// NewNop returns metrics registered with a private registry that is never exported.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
