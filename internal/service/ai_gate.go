package service

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/resilience"
	"github.com/boddenberg/pigeon-admin-hub/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultAIConfidence is used when an answer carries no readable confidence.
	DefaultAIConfidence = 0.7
	// DefaultMinSources is the source count that escalates on its own.
	DefaultMinSources = 2

	rateWindow     = time.Hour
	maxCallRecords = 1000

	reasonCapReached = "hourly cap reached"
	reasonDisabled   = "ai gate disabled"

	decisionCacheName = "ai_decision"
)

const systemPrompt = `You are a data authenticity analyst for a pigeon racing website.
You receive race, news or event data together with the sources it came from and any conflicts found between them.
Decide whether the data is genuine. Answer with a single JSON object:
{"truth_status": "verified" | "suspect" | "invalid", "confidence": <0..1>, "issues": [{"rule": "...", "issue": "...", "severity": "low" | "medium" | "high"}], "recommendation": "..."}
After the JSON, add one line of the form "置信度: <0..1>".`

var confidencePattern = regexp.MustCompile(`置信度\s*[:：]\s*([0-9]*\.?[0-9]+)`)

// ExtractConfidence reads a "置信度: X" marker from model output.
// Best effort: anything missing, unreadable or outside [0,1] yields
// DefaultAIConfidence.
func ExtractConfidence(content string) float64 {
	m := confidencePattern.FindStringSubmatch(content)
	if m == nil {
		return DefaultAIConfidence
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 || v > 1 {
		return DefaultAIConfidence
	}
	return v
}

// AIGateConfig holds the escalation policy parameters.
type AIGateConfig struct {
	Enabled    bool
	HourlyCap  int
	MinSources int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// AIGate is the single choke point for calls to the generative model.
// It decides whether to escalate, enforces the hourly budget and
// normalizes answers.
type AIGate struct {
	gen       port.TextGenerator
	decisions port.Cache[domain.DecisionKey, bool]
	bulkhead  *resilience.Bulkhead
	cfg       AIGateConfig
	now       func() time.Time
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu          sync.Mutex
	callCount   int
	windowStart time.Time
	records     []domain.AICallRecord
}

// NewAIGate creates the gate. A nil generator leaves it unconfigured,
// which behaves like a disabled gate.
func NewAIGate(
	gen port.TextGenerator,
	decisions port.Cache[domain.DecisionKey, bool],
	bulkhead *resilience.Bulkhead,
	cfg AIGateConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AIGate {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.MinSources < 1 {
		cfg.MinSources = DefaultMinSources
	}
	return &AIGate{
		gen:         gen,
		decisions:   decisions,
		bulkhead:    bulkhead,
		cfg:         cfg,
		now:         now,
		metrics:     metrics,
		logger:      logger,
		windowStart: now(),
	}
}

// Enabled reports whether the gate can call out at all.
func (g *AIGate) Enabled() bool {
	return g.cfg.Enabled && g.gen != nil
}

// ShouldCallAI applies the escalation policy. It never consumes budget.
func (g *AIGate) ShouldCallAI(c domain.AIContext) bool {
	if !g.Enabled() {
		return false
	}

	// Locally resolved.
	if c.Complexity == domain.ComplexitySimple && c.LocalRuleResult {
		return false
	}

	// Hard triggers bypass the cache.
	if c.Complexity == domain.ComplexityComplex ||
		c.SourceCount >= g.cfg.MinSources ||
		c.HasConflict || c.NeedsAnalysis || c.NeedsPrediction {
		return true
	}

	key := domain.DecisionKey{
		Complexity:  c.Complexity,
		SourceCount: c.SourceCount,
		HasConflict: c.HasConflict,
	}
	if g.decisions != nil {
		if decision, ok := g.decisions.Get(key); ok {
			g.metrics.IncrCacheHit(decisionCacheName)
			return decision
		}
		g.metrics.IncrCacheMiss(decisionCacheName)
		g.decisions.Set(key, false)
	}
	return false
}

// Call sends one prompt to the model. It never returns an error: failures,
// an exhausted budget and a disabled gate all come back with Fallback set.
func (g *AIGate) Call(ctx context.Context, task, prompt string) *domain.AIResult {
	ctx, span := tracer.Start(ctx, "AIGate.Call")
	defer span.End()
	span.SetAttributes(attribute.String("ai.task", task))

	if !g.Enabled() {
		g.metrics.IncrAICall("disabled")
		return &domain.AIResult{Error: reasonDisabled, Fallback: true}
	}

	if !g.reserve() {
		err := &domain.ErrRateLimited{Resource: "ai", Limit: g.cfg.HourlyCap}
		g.metrics.IncrAICall("capped")
		g.logger.Warn("ai call rejected",
			zap.String("task", task),
			zap.String("reason", reasonCapReached),
			zap.Error(err),
		)
		return &domain.AIResult{Error: reasonCapReached, Fallback: true, Err: err}
	}

	if g.bulkhead != nil {
		if err := g.bulkhead.Acquire(ctx); err != nil {
			g.fail(span, task, err)
			return &domain.AIResult{Error: err.Error(), Fallback: true, Err: err}
		}
		defer g.bulkhead.Release()
	}

	start := time.Now()
	resp, err := g.gen.Generate(ctx, domain.TextRequest{SystemPrompt: systemPrompt, Prompt: prompt})
	if err != nil {
		g.fail(span, task, err)
		return &domain.AIResult{Error: err.Error(), Fallback: true, Err: err}
	}

	confidence := ExtractConfidence(resp.Content)
	g.record(task, true, confidence, resp.Usage.TotalTokens)
	g.metrics.IncrAICall("success")
	g.metrics.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	g.logger.Info("ai call completed",
		zap.String("task", task),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Float64("confidence", confidence),
		zap.Duration("latency", time.Since(start)),
	)

	return &domain.AIResult{
		Success:    true,
		Content:    resp.Content,
		Usage:      resp.Usage,
		Model:      resp.Model,
		Confidence: confidence,
	}
}

// reserve rolls the window when an hour has elapsed since it started and
// takes one unit of budget if any is left.
func (g *AIGate) reserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.windowStart) >= rateWindow {
		g.callCount = 0
		g.windowStart = now
	}
	if g.callCount >= g.cfg.HourlyCap {
		return false
	}
	g.callCount++
	return true
}

func (g *AIGate) fail(span trace.Span, task string, err error) {
	span.SetStatus(codes.Error, err.Error())
	g.record(task, false, 0, 0)
	g.metrics.IncrAICall("error")
	g.metrics.IncrExternalError("llm")
	g.logger.Error("ai call failed, falling back to local logic",
		zap.String("task", task),
		zap.Error(err),
	)
}

func (g *AIGate) record(task string, success bool, confidence float64, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.records = append(g.records, domain.AICallRecord{
		ID:         uuid.New().String(),
		Task:       task,
		Timestamp:  g.now(),
		Success:    success,
		Confidence: confidence,
		Tokens:     tokens,
	})
	if over := len(g.records) - maxCallRecords; over > 0 {
		g.records = append(g.records[:0:0], g.records[over:]...)
	}
}

// Stats summarises the retained call records and the current budget.
func (g *AIGate) Stats() domain.AIStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	stats := domain.AIStats{
		TotalCalls:      len(g.records),
		CallCount:       g.callCount,
		HourlyCap:       g.cfg.HourlyCap,
		WindowStartedAt: g.windowStart,
	}
	if now.Sub(g.windowStart) >= rateWindow {
		// The window has lapsed but not been rolled by a call yet.
		stats.CallCount = 0
	}
	stats.Remaining = g.cfg.HourlyCap - stats.CallCount
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}

	var successes int
	var confidenceSum float64
	for _, r := range g.records {
		stats.TotalTokens += r.Tokens
		if now.Sub(r.Timestamp) >= rateWindow {
			continue
		}
		stats.RecentCalls++
		if r.Success {
			successes++
			confidenceSum += r.Confidence
		}
	}
	if stats.RecentCalls > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.RecentCalls)
	}
	if successes > 0 {
		stats.AvgConfidence = confidenceSum / float64(successes)
	}
	return stats
}

// Records returns a copy of the retained call records, oldest first.
func (g *AIGate) Records() []domain.AICallRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.AICallRecord, len(g.records))
	copy(out, g.records)
	return out
}
