package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/cache"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/resilience"
	"github.com/boddenberg/pigeon-admin-hub/internal/service"

	"go.uber.org/zap"
)

func newTestGate(t *testing.T, gen *mockGenerator, cfg service.AIGateConfig) (*service.AIGate, *observability.Metrics) {
	t.Helper()

	decisions := cache.NewWithClock[domain.DecisionKey, bool](time.Hour, cfg.Clock)
	t.Cleanup(decisions.Close)

	metrics := observability.NewMetrics()
	var g *service.AIGate
	if gen == nil {
		g = service.NewAIGate(nil, decisions, resilience.NewBulkhead(2), cfg, metrics, zap.NewNop())
	} else {
		g = service.NewAIGate(gen, decisions, resilience.NewBulkhead(2), cfg, metrics, zap.NewNop())
	}
	return g, metrics
}

func TestExtractConfidence(t *testing.T) {
	tests := []struct {
		content string
		want    float64
	}{
		{"分析完成。置信度: 0.85", 0.85},
		{"置信度：0.9", 0.9},
		{"置信度 : .5", 0.5},
		{"置信度: 0", 0},
		{"置信度: 1", 1},
		{"置信度: 1.5", service.DefaultAIConfidence},
		{"confidence: 0.9", service.DefaultAIConfidence},
		{"", service.DefaultAIConfidence},
	}

	for _, tt := range tests {
		if got := service.ExtractConfidence(tt.content); got != tt.want {
			t.Errorf("ExtractConfidence(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestShouldCallAI_Policy(t *testing.T) {
	clock := newFakeClock()
	gate, _ := newTestGate(t, &mockGenerator{}, service.AIGateConfig{Enabled: true, HourlyCap: 10, MinSources: 3, Clock: clock.Now})

	tests := []struct {
		name string
		ctx  domain.AIContext
		want bool
	}{
		{"resolved locally", domain.AIContext{Complexity: domain.ComplexitySimple, LocalRuleResult: true, HasConflict: true}, false},
		{"complex", domain.AIContext{Complexity: domain.ComplexityComplex}, true},
		{"enough sources", domain.AIContext{Complexity: domain.ComplexitySimple, SourceCount: 3}, true},
		{"conflict", domain.AIContext{Complexity: domain.ComplexitySimple, SourceCount: 2, HasConflict: true}, true},
		{"needs analysis", domain.AIContext{Complexity: domain.ComplexitySimple, NeedsAnalysis: true}, true},
		{"needs prediction", domain.AIContext{Complexity: domain.ComplexitySimple, NeedsPrediction: true}, true},
		{"nothing to do", domain.AIContext{Complexity: domain.ComplexitySimple, SourceCount: 1}, false},
	}

	for _, tt := range tests {
		if got := gate.ShouldCallAI(tt.ctx); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestShouldCallAI_DefaultMinSources(t *testing.T) {
	gate, _ := newTestGate(t, &mockGenerator{}, service.AIGateConfig{Enabled: true, HourlyCap: 10})

	if gate.ShouldCallAI(domain.AIContext{Complexity: domain.ComplexitySimple, SourceCount: 1}) {
		t.Error("a single source should not escalate under the default threshold")
	}
	if !gate.ShouldCallAI(domain.AIContext{Complexity: domain.ComplexitySimple, SourceCount: service.DefaultMinSources}) {
		t.Errorf("%d sources should escalate under the default threshold", service.DefaultMinSources)
	}
}

func TestShouldCallAI_DisabledOrUnconfigured(t *testing.T) {
	complexCtx := domain.AIContext{Complexity: domain.ComplexityComplex}

	disabled, _ := newTestGate(t, &mockGenerator{}, service.AIGateConfig{Enabled: false, HourlyCap: 10, MinSources: 2})
	if disabled.ShouldCallAI(complexCtx) {
		t.Error("disabled gate should never escalate")
	}

	unconfigured, _ := newTestGate(t, nil, service.AIGateConfig{Enabled: true, HourlyCap: 10, MinSources: 2})
	if unconfigured.Enabled() {
		t.Error("gate without a generator should report disabled")
	}
	if unconfigured.ShouldCallAI(complexCtx) {
		t.Error("unconfigured gate should never escalate")
	}
}

func TestShouldCallAI_CachedDecisionIsStable(t *testing.T) {
	clock := newFakeClock()
	gate, metrics := newTestGate(t, &mockGenerator{}, service.AIGateConfig{Enabled: true, HourlyCap: 10, MinSources: 2, Clock: clock.Now})

	ctx := domain.AIContext{Complexity: domain.ComplexitySimple, SourceCount: 1}
	first := gate.ShouldCallAI(ctx)
	second := gate.ShouldCallAI(ctx)

	if first != second {
		t.Fatalf("expected identical decisions, got %v then %v", first, second)
	}
	if hits := metrics.CacheHitCount("ai_decision"); hits != 1 {
		t.Errorf("expected the second decision to come from the cache, got %v hits", hits)
	}
	if stats := gate.Stats(); stats.CallCount != 0 {
		t.Errorf("deciding must not consume budget, call count %d", stats.CallCount)
	}
}

func TestCall_HourlyCap(t *testing.T) {
	clock := newFakeClock()
	gen := &mockGenerator{content: "ok 置信度: 0.8"}
	gate, metrics := newTestGate(t, gen, service.AIGateConfig{Enabled: true, HourlyCap: 2, MinSources: 2, Clock: clock.Now})

	for i := 0; i < 2; i++ {
		res := gate.Call(context.Background(), "truth-conflict", "prompt")
		if !res.Success {
			t.Fatalf("call %d: expected success, got %+v", i, res)
		}
	}

	res := gate.Call(context.Background(), "truth-conflict", "prompt")
	if res.Success || !res.Fallback {
		t.Fatalf("expected capped fallback, got %+v", res)
	}
	if res.Error != "hourly cap reached" {
		t.Errorf("unexpected error: %q", res.Error)
	}
	var capped *domain.ErrRateLimited
	if !errors.As(res.Err, &capped) || capped.Limit != 2 || capped.Resource != "ai" {
		t.Errorf("expected ErrRateLimited for the ai budget, got %v", res.Err)
	}
	if gen.Calls() != 2 {
		t.Errorf("capped call must not reach the model, got %d calls", gen.Calls())
	}
	if metrics.AICallCount("capped") != 1 {
		t.Errorf("expected one capped call recorded, got %v", metrics.AICallCount("capped"))
	}

	clock.Advance(59 * time.Minute)
	if res := gate.Call(context.Background(), "truth-conflict", "prompt"); !res.Fallback {
		t.Error("window has not rolled yet")
	}

	clock.Advance(time.Minute)
	res = gate.Call(context.Background(), "truth-conflict", "prompt")
	if !res.Success {
		t.Fatalf("expected calls to resume after the window rolls, got %+v", res)
	}
	if gen.Calls() != 3 {
		t.Errorf("expected 3 model calls, got %d", gen.Calls())
	}
	if stats := gate.Stats(); stats.CallCount != 1 || stats.Remaining != 1 {
		t.Errorf("expected a fresh window with 1 call, got %+v", stats)
	}
}

func TestCall_Disabled(t *testing.T) {
	gen := &mockGenerator{content: "x"}
	gate, _ := newTestGate(t, gen, service.AIGateConfig{Enabled: false, HourlyCap: 10})

	res := gate.Call(context.Background(), "task", "prompt")
	if res.Success || !res.Fallback {
		t.Fatalf("expected fallback, got %+v", res)
	}
	if gen.Calls() != 0 {
		t.Error("disabled gate must not call the model")
	}
}

func TestCall_GeneratorErrorFallsBack(t *testing.T) {
	clock := newFakeClock()
	gen := &mockGenerator{err: &domain.ErrExternalService{Service: "llm", Err: errors.New("503")}}
	gate, metrics := newTestGate(t, gen, service.AIGateConfig{Enabled: true, HourlyCap: 10, Clock: clock.Now})

	res := gate.Call(context.Background(), "task", "prompt")
	if res.Success || !res.Fallback || res.Error == "" {
		t.Fatalf("expected fallback with error, got %+v", res)
	}
	var ext *domain.ErrExternalService
	if !errors.As(res.Err, &ext) {
		t.Errorf("expected the generator error as cause, got %v", res.Err)
	}
	if metrics.AICallCount("error") != 1 {
		t.Errorf("expected one error recorded, got %v", metrics.AICallCount("error"))
	}

	records := gate.Records()
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failed record, got %+v", records)
	}
	if records[0].ID == "" {
		t.Error("records should carry an id")
	}
}

func TestCall_ConfidenceFromContent(t *testing.T) {
	clock := newFakeClock()
	gen := &mockGenerator{content: `{"truth_status":"verified"}` + "\n置信度: 0.92"}
	gate, _ := newTestGate(t, gen, service.AIGateConfig{Enabled: true, HourlyCap: 10, Clock: clock.Now})

	res := gate.Call(context.Background(), "task", "prompt")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", res.Confidence)
	}
	if res.Usage.TotalTokens != 160 || res.Model != "glm-4-flash" {
		t.Errorf("unexpected usage/model: %+v", res)
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	gen := &mockGenerator{content: "置信度: 0.6"}
	gate, _ := newTestGate(t, gen, service.AIGateConfig{Enabled: true, HourlyCap: 10, Clock: clock.Now})

	gate.Call(context.Background(), "a", "p")
	gen.content = "置信度: 1"
	gate.Call(context.Background(), "b", "p")
	gen.err = errors.New("down")
	gate.Call(context.Background(), "c", "p")

	stats := gate.Stats()
	if stats.TotalCalls != 3 || stats.RecentCalls != 3 {
		t.Fatalf("expected 3 calls, got %+v", stats)
	}
	if diff := stats.SuccessRate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected success rate 2/3, got %v", stats.SuccessRate)
	}
	if diff := stats.AvgConfidence - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected average confidence 0.8, got %v", stats.AvgConfidence)
	}
	if stats.TotalTokens != 320 {
		t.Errorf("expected 320 tokens, got %d", stats.TotalTokens)
	}
	if stats.HourlyCap != 10 || stats.Remaining != 7 {
		t.Errorf("expected 7 of 10 remaining, got %+v", stats)
	}

	clock.Advance(2 * time.Hour)
	stats = gate.Stats()
	if stats.RecentCalls != 0 || stats.TotalCalls != 3 {
		t.Errorf("old calls should leave the recent window, got %+v", stats)
	}
	if stats.Remaining != 10 {
		t.Errorf("lapsed window should report full budget, got %d", stats.Remaining)
	}
}

func TestRecords_KeepsLatestThousand(t *testing.T) {
	clock := newFakeClock()
	gen := &mockGenerator{content: "置信度: 0.9"}
	gate, _ := newTestGate(t, gen, service.AIGateConfig{Enabled: true, HourlyCap: 2000, Clock: clock.Now})

	for i := 0; i < 1005; i++ {
		gate.Call(context.Background(), "task", "p")
	}

	records := gate.Records()
	if len(records) != 1000 {
		t.Fatalf("expected 1000 retained records, got %d", len(records))
	}
	if stats := gate.Stats(); stats.CallCount != 1005 {
		t.Errorf("budget counts every call, got %d", stats.CallCount)
	}
}
