package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	activeGenerations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "musicgen_active_generations",
		Help: "Number of generation requests in flight",
	})

	generationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicgen_requests_total",
		Help: "Generation requests by variant and outcome (success or error kind)",
	}, []string{"variant", "outcome"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "musicgen_stage_duration_seconds",
		Help:    "Pipeline stage latency in seconds",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage", "variant"})

	// Model cache metrics
	modelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicgen_model_loads_total",
		Help: "Model loads by variant and status",
	}, []string{"variant", "status"})

	modelCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicgen_model_cache_hits_total",
		Help: "Resolutions served from the resident model cache",
	}, []string{"variant"})

	residentModels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "musicgen_resident_models",
		Help: "Number of loaded models held by the cache",
	})

	modelEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicgen_model_evictions_total",
		Help: "Models unloaded to stay within the resident budget",
	}, []string{"variant"})

	// Output metrics
	audioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "musicgen_audio_bytes_total",
		Help: "Encoded WAV bytes produced",
	})

	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicgen_publish_total",
		Help: "Artifact uploads by backend and status",
	}, []string{"backend", "status"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "musicgen_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Stage names used for latency metrics and logs
const (
	StageValidate = "validate"
	StageResolve  = "resolve"
	StageGenerate = "generate"
	StageEncode   = "encode"
	StagePublish  = "publish"
)

// RequestMetrics tracks one generation request
type RequestMetrics struct {
	variant   string
	startTime time.Time
}

// NewRequestMetrics starts tracking a request
func NewRequestMetrics() *RequestMetrics {
	activeGenerations.Inc()
	return &RequestMetrics{startTime: time.Now()}
}

// SetVariant labels later observations once the request is validated
func (m *RequestMetrics) SetVariant(variant string) {
	m.variant = variant
}

// ObserveStage records how long a stage took
func (m *RequestMetrics) ObserveStage(stage string, started time.Time) {
	stageLatency.WithLabelValues(stage, m.label()).Observe(time.Since(started).Seconds())
}

// Finish records the request outcome: "success" or an error kind
func (m *RequestMetrics) Finish(outcome string) {
	activeGenerations.Dec()
	generationRequests.WithLabelValues(m.label(), outcome).Inc()
}

func (m *RequestMetrics) label() string {
	if m.variant == "" {
		return "unknown"
	}
	return m.variant
}

// RecordModelLoad records a finished load attempt
func RecordModelLoad(variant string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	modelLoads.WithLabelValues(variant, status).Inc()
}

// RecordModelCacheHit records a resolution served from memory
func RecordModelCacheHit(variant string) {
	modelCacheHits.WithLabelValues(variant).Inc()
}

// RecordModelEviction records an unload caused by the resident budget
func RecordModelEviction(variant string) {
	modelEvictions.WithLabelValues(variant).Inc()
}

// SetResidentModels reports the number of loaded models
func SetResidentModels(n int) {
	residentModels.Set(float64(n))
}

// RecordAudioBytes records encoded output size
func RecordAudioBytes(n int) {
	audioBytes.Add(float64(n))
}

// RecordPublish records an upload attempt
func RecordPublish(backend string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	publishResults.WithLabelValues(backend, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
