package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Health rates at or above these thresholds map to healthy/degraded.
const (
	healthyRate  = 1.0
	degradedRate = 0.5
)

// Monitor is the read side of the API sentinel.
type Monitor interface {
	GetApis() []domain.RegisteredAPI
	GetApi(id string) (domain.RegisteredAPI, error)
	GetOverallStats() domain.OverallStats
}

// AIStatsProvider exposes the AI gate's usage statistics and call log.
type AIStatsProvider interface {
	Stats() domain.AIStats
	Records() []domain.AICallRecord
}

type aiReport struct {
	Stats domain.AIStats        `json:"stats"`
	Calls []domain.AICallRecord `json:"calls"`
}

// NewRouter creates the operational HTTP router. gate may be nil when the
// AI gate is not wired.
func NewRouter(monitor Monitor, gate AIStatsProvider, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(monitor, gate, metrics))
	r.Get("/healthz/apis/{apiId}", apiHealthHandler(monitor, logger))
	if gate != nil {
		r.Get("/healthz/ai", aiHandler(gate))
	}
	r.Get("/readyz", readyzHandler(monitor))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

func healthzHandler(monitor Monitor, gate AIStatsProvider, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := monitor.GetOverallStats()
		apis := monitor.GetApis()

		services := make([]domain.ServiceHealth, 0, len(apis))
		for _, a := range apis {
			sh := domain.ServiceHealth{
				Name:        a.ID,
				Status:      a.Health.Status,
				LatencyMs:   int64(a.Stats.AvgResponseTime),
				ErrorRate:   a.Stats.ErrorRate,
				TruthStatus: a.Health.TruthStatus,
				Confidence:  a.Health.Confidence,
			}
			if !a.Health.LastCheck.IsZero() {
				sh.LastChecked = a.Health.LastCheck.Format(time.RFC3339)
			}
			services = append(services, sh)
		}

		resp := domain.HealthStatus{
			Status:     overallStatus(stats.HealthRate),
			HealthRate: stats.HealthRate,
			Services:   services,
			Verdicts:   metrics.VerdictCounts(),
		}
		if gate != nil {
			ai := gate.Stats()
			resp.AI = &ai
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func overallStatus(rate float64) string {
	switch {
	case rate >= healthyRate:
		return "healthy"
	case rate >= degradedRate:
		return "degraded"
	default:
		return "unhealthy"
	}
}

func apiHealthHandler(monitor Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /healthz/apis/{apiId}")
		defer span.End()

		id := chi.URLParam(r, "apiId")
		span.SetAttributes(attribute.String("api.id", id))

		api, err := monitor.GetApi(id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, api)
	}
}

func aiHandler(gate AIStatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, aiReport{Stats: gate.Stats(), Calls: gate.Records()})
	}
}

func readyzHandler(monitor Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if monitor.GetOverallStats().TotalApis == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no apis registered"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
