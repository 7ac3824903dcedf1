package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/handler"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/cache"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/client"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/resilience"
	"github.com/boddenberg/pigeon-admin-hub/internal/port"
	"github.com/boddenberg/pigeon-admin-hub/internal/service"

	"go.uber.org/zap"
)

// newUpstream serves the built-in catalogue paths. Unlisted paths 404.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	routes := map[string]any{
		"/api/news/latest": map[string]any{"id": 1, "title": "Spring derby opens", "publishTime": "2026-05-01T08:00:00Z"},
		"/api/races/live": []map[string]any{
			{"raceId": "r1", "status": "未开始", "timestamp": "2026-05-01T10:00:00Z"},
			{"raceId": "r1", "status": "进行中", "timestamp": "2026-05-01T10:30:00Z"},
		},
		"/api/races/results": []map[string]any{
			{"raceId": "r0", "status": "进行中", "timestamp": 3000},
			{"raceId": "r0", "status": "已结束", "timestamp": 4000},
			{"raceId": "r0", "status": "已结束", "timestamp": 2000},
		},
		"/api/events/upcoming": []map[string]any{
			{"eventId": "e1", "name": "Autumn cup", "startTime": "2026-10-01"},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newFakeLLM answers every chat completion with content.
func newFakeLLM(t *testing.T, content string, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "glm-4-flash",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 300, "completion_tokens": 60, "total_tokens": 360},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type stack struct {
	metrics   *observability.Metrics
	gate      *service.AIGate
	validator *service.TruthValidator
	sentinel  *service.ApiSentinel
	router    http.Handler
}

func buildStack(t *testing.T, upstreamURL, llmURL string) *stack {
	t.Helper()

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 2}

	decisions := cache.New[domain.DecisionKey, bool](time.Hour)
	t.Cleanup(decisions.Close)

	var gen port.TextGenerator
	if llmURL != "" {
		gen = client.NewLLMClient(&http.Client{Timeout: 5 * time.Second}, client.LLMConfig{
			APIKey:      "test-key",
			BaseURL:     llmURL + "/api/paas/v4/",
			Model:       "glm-4-flash",
			Temperature: 0.3,
			MaxTokens:   500,
		}, resilience.NewCircuitBreaker("llm-integration", nil), cfg)
	}

	gate := service.NewAIGate(gen, decisions, resilience.NewBulkhead(cfg.MaxConcurrency), service.AIGateConfig{
		Enabled:    gen != nil,
		HourlyCap:  10,
		MinSources: 2,
	}, metrics, logger)

	rules := service.NewRuleEngine(logger)
	validator := service.NewTruthValidator(rules, gate, service.ValidatorConfig{ConfidenceThreshold: 0.7}, metrics, logger)

	sentinel := service.NewApiSentinel(
		client.NewEndpointClient(&http.Client{Timeout: 5 * time.Second}),
		validator,
		rules,
		service.SentinelConfig{CheckInterval: time.Hour, RequestTimeout: 2 * time.Second, BaseURL: upstreamURL},
		metrics,
		logger,
	)
	sentinel.AutoDiscoverApis()

	return &stack{
		metrics:   metrics,
		gate:      gate,
		validator: validator,
		sentinel:  sentinel,
		router:    handler.NewRouter(sentinel, gate, metrics, logger),
	}
}

// TestIntegration_SweepAndHealthz polls real HTTP upstreams and reads the
// outcome back through the operational router.
func TestIntegration_SweepAndHealthz(t *testing.T) {
	upstream := newUpstream(t)
	s := buildStack(t, upstream.URL, "")

	sweep := s.sentinel.CheckAllApis(context.Background())
	if sweep.Checked != 6 || sweep.Healthy != 4 {
		t.Fatalf("expected 6 checked / 4 healthy, got %+v", sweep)
	}

	live, _ := s.sentinel.GetApi("race-live")
	if live.Health.Status != domain.HealthHealthy || live.Health.TruthStatus != domain.TruthVerified {
		t.Errorf("race-live should be healthy and verified, got %+v", live.Health)
	}

	results, _ := s.sentinel.GetApi("race-results")
	if results.Health.Status != domain.HealthHealthy || results.Health.TruthStatus != domain.TruthInvalid {
		t.Errorf("race-results should be healthy but invalid, got %+v", results.Health)
	}
	if results.Health.Confidence != 0.2 {
		t.Errorf("expected confidence 0.2, got %v", results.Health.Confidence)
	}

	schedule, _ := s.sentinel.GetApi("race-schedule")
	if schedule.Health.Status != domain.HealthNotFound || schedule.Stats.Failures != 1 {
		t.Errorf("race-schedule should be not_found, got %+v", schedule)
	}
	if schedule.Health.TruthStatus != "" {
		t.Errorf("404 responses must not be validated, got %s", schedule.Health.TruthStatus)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var health domain.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("4 of 6 healthy should be degraded, got %s", health.Status)
	}
	if len(health.Services) != 6 {
		t.Errorf("expected 6 services, got %d", len(health.Services))
	}
	if health.Verdicts.Verified != 3 || health.Verdicts.Invalid != 1 {
		t.Errorf("unexpected verdict distribution %+v", health.Verdicts)
	}

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `adminhub_endpoint_healthy{api="race-live"} 1`) {
		t.Error("expected per-endpoint health gauge in /metrics")
	}
}

// TestIntegration_ConflictEscalatesToLLM runs a cross-source conflict through
// the AI gate against an OpenAI-compatible fake.
func TestIntegration_ConflictEscalatesToLLM(t *testing.T) {
	var hits atomic.Int32
	llm := newFakeLLM(t,
		`{"truth_status":"suspect","confidence":0.55,"issues":[{"rule":"ai.crossSource","issue":"mirror reports the race as finished early","severity":"medium"}],"recommendation":"hold publication"}`+"\n置信度: 0.55",
		&hits,
	)
	s := buildStack(t, "http://unused.invalid", llm.URL)

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	primary := map[string]any{"raceId": "r1", "timestamp": "2026-05-01T10:00:00Z", "status": "进行中"}
	mirror := map[string]any{"raceId": "r1", "timestamp": "2026-05-01T10:00:00Z", "status": "已结束"}

	verdict := s.validator.Validate(context.Background(), primary, []domain.Source{
		{ID: "primary", Type: "race", Timestamp: now, Data: primary},
		{ID: "mirror", Type: "race", Timestamp: now, Data: mirror},
	}, domain.ValidateOptions{RequiredFields: []string{"raceId"}})

	if !verdict.AIAssisted {
		t.Fatalf("expected an AI verdict, got %+v", verdict)
	}
	if verdict.TruthStatus != domain.TruthSuspect || verdict.Confidence != 0.55 {
		t.Errorf("expected suspect/0.55, got %s/%v", verdict.TruthStatus, verdict.Confidence)
	}
	if verdict.Recommendation != "hold publication" {
		t.Errorf("unexpected recommendation %q", verdict.Recommendation)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one LLM request, got %d", hits.Load())
	}

	stats := s.gate.Stats()
	if stats.CallCount != 1 || stats.TotalTokens != 360 || stats.AvgConfidence != 0.55 {
		t.Errorf("unexpected gate stats %+v", stats)
	}
}

// TestIntegration_LLMOutageFallsBack checks that a failing model degrades to
// the local verdict.
func TestIntegration_LLMOutageFallsBack(t *testing.T) {
	var hits atomic.Int32
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer llm.Close()

	s := buildStack(t, "http://unused.invalid", llm.URL)

	a := map[string]any{"score": "3:1"}
	b := map[string]any{"score": "3:2"}
	verdict := s.validator.Validate(context.Background(), a, []domain.Source{
		{ID: "a", Type: "race", Data: a},
		{ID: "b", Type: "race", Data: b},
	}, domain.ValidateOptions{})

	if verdict.AIAssisted || verdict.TruthStatus != domain.TruthSuspect || verdict.Confidence != 0.4 {
		t.Errorf("expected local suspect/0.4, got %+v", verdict)
	}
	if hits.Load() != 2 {
		t.Errorf("expected one retry against the model, got %d requests", hits.Load())
	}
	if s.metrics.AICallCount("error") != 1 {
		t.Errorf("expected one failed AI call, got %v", s.metrics.AICallCount("error"))
	}
}
