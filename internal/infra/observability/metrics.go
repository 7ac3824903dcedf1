package observability

import (
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the hub.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	tokensUsed        *prometheus.CounterVec
	aiCalls           *prometheus.CounterVec
	verdicts          *prometheus.CounterVec
	ruleFailures      *prometheus.CounterVec
	endpointChecks    *prometheus.CounterVec
	endpointLatency   *prometheus.HistogramVec
	endpointHealthy   *prometheus.GaugeVec
	sweeps            prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adminhub_operation_duration_seconds",
				Help:    "Duration of internal operations (validate, sweep).",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_llm_tokens_total",
				Help: "Total LLM tokens consumed.",
			},
			[]string{"type"},
		),
		aiCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_ai_calls_total",
				Help: "AI gate call attempts by outcome (success, error, capped, disabled).",
			},
			[]string{"outcome"},
		),
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_verdicts_total",
				Help: "Validator verdicts by truth status.",
			},
			[]string{"truth_status"},
		),
		ruleFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_rule_failures_total",
				Help: "Failed rule checks by rule.",
			},
			[]string{"rule"},
		),
		endpointChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adminhub_endpoint_checks_total",
				Help: "Upstream endpoint polls by endpoint and resulting health status.",
			},
			[]string{"api", "status"},
		),
		endpointLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adminhub_endpoint_latency_seconds",
				Help:    "Latency of upstream endpoint polls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api"},
		),
		endpointHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adminhub_endpoint_healthy",
				Help: "1 when the endpoint's last poll was healthy, 0 otherwise.",
			},
			[]string{"api"},
		),
		sweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "adminhub_sweeps_total",
				Help: "Completed monitoring sweeps.",
			},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrAICall counts one AI gate call attempt.
func (m *Metrics) IncrAICall(outcome string) {
	m.aiCalls.WithLabelValues(outcome).Inc()
}

// IncrVerdict counts one validator verdict.
func (m *Metrics) IncrVerdict(status domain.TruthStatus) {
	m.verdicts.WithLabelValues(string(status)).Inc()
}

// IncrRuleFailure counts one failed rule check.
func (m *Metrics) IncrRuleFailure(rule string) {
	m.ruleFailures.WithLabelValues(rule).Inc()
}

// RecordEndpointCheck records the outcome of one endpoint poll.
func (m *Metrics) RecordEndpointCheck(apiID string, status domain.HealthState, latency time.Duration) {
	m.endpointChecks.WithLabelValues(apiID, string(status)).Inc()
	m.endpointLatency.WithLabelValues(apiID).Observe(latency.Seconds())

	healthy := 0.0
	if status == domain.HealthHealthy {
		healthy = 1
	}
	m.endpointHealthy.WithLabelValues(apiID).Set(healthy)
}

// TrackInFlight exports the number of slots currently held in the named
// bulkhead. inFlight is read on every scrape.
func (m *Metrics) TrackInFlight(name string, inFlight func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "adminhub_bulkhead_in_flight",
			Help:        "Slots currently held in a bulkhead.",
			ConstLabels: prometheus.Labels{"bulkhead": name},
		},
		func() float64 { return float64(inFlight()) },
	))
}

// IncrSweep counts one completed sweep.
func (m *Metrics) IncrSweep() {
	m.sweeps.Inc()
}

// VerdictCounts returns the verdict distribution since start,
// used by GET /healthz.
func (m *Metrics) VerdictCounts() domain.VerdictSummary {
	return domain.VerdictSummary{
		Verified: int64(getCounterValue(m.verdicts, string(domain.TruthVerified))),
		Suspect:  int64(getCounterValue(m.verdicts, string(domain.TruthSuspect))),
		Invalid:  int64(getCounterValue(m.verdicts, string(domain.TruthInvalid))),
	}
}

// AICallCount returns the number of AI gate attempts with the given outcome.
func (m *Metrics) AICallCount(outcome string) float64 {
	return getCounterValue(m.aiCalls, outcome)
}

// RuleFailureCount returns how often rule has failed.
func (m *Metrics) RuleFailureCount(rule string) float64 {
	return getCounterValue(m.ruleFailures, rule)
}

// CacheHitCount returns the hit counter for the named cache.
func (m *Metrics) CacheHitCount(cache string) float64 {
	return getCounterValue(m.cacheHits, cache)
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
