package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"
	"github.com/boddenberg/pigeon-admin-hub/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service")

// Confidence levels assigned by the validator's fixed branches.
const (
	confidenceInvalidRules = 0.2
	confidenceConflict     = 0.4
	confidenceContinuity   = 0.5
	penaltyHigh            = 0.3
	penaltyMedium          = 0.1
	bonusMultiSource       = 0.2
	bonusManySources       = 0.1
)

// LowConfidenceAdvice is attached to verified verdicts below the threshold.
const LowConfidenceAdvice = "confidence below threshold; manual review advised"

// Fields compared across sources.
var crossCheckedFields = []string{"timestamp", "status", "score"}

// ValidatorConfig tunes verdict post-processing.
type ValidatorConfig struct {
	ConfidenceThreshold float64
	RequireMultiSource  bool
}

// TruthValidator turns a payload and its sources into a verdict.
type TruthValidator struct {
	rules   *RuleEngine
	gate    port.Escalator
	cfg     ValidatorConfig
	now     func() time.Time
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTruthValidator creates the validator. gate may be nil, in which case
// every escalation falls back to the local verdict.
func NewTruthValidator(
	rules *RuleEngine,
	gate port.Escalator,
	cfg ValidatorConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *TruthValidator {
	return &TruthValidator{
		rules:   rules,
		gate:    gate,
		cfg:     cfg,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// Validate runs basic checks, rule checks, cross-source comparison, the
// continuity escalation and finally confidence scoring, stopping at the
// first step that settles the verdict. It never fails.
func (v *TruthValidator) Validate(ctx context.Context, data any, sources []domain.Source, opts domain.ValidateOptions) *domain.Verdict {
	ctx, span := tracer.Start(ctx, "TruthValidator.Validate")
	defer span.End()
	span.SetAttributes(attribute.Int("sources.count", len(sources)))

	start := time.Now()
	verdict := v.validate(ctx, data, sources, opts)
	verdict.Sources = sourceRefs(sources)
	verdict.Timestamp = v.now()
	if verdict.Issues == nil {
		verdict.Issues = []domain.Issue{}
	}

	span.SetAttributes(
		attribute.String("verdict.truth_status", string(verdict.TruthStatus)),
		attribute.Float64("verdict.confidence", verdict.Confidence),
	)
	v.metrics.IncrVerdict(verdict.TruthStatus)
	v.metrics.RecordDuration("validate", time.Since(start))

	fields := []zap.Field{
		zap.String("truth_status", string(verdict.TruthStatus)),
		zap.Float64("confidence", verdict.Confidence),
		zap.Int("issues", len(verdict.Issues)),
		zap.Int("sources", len(sources)),
		zap.Bool("ai_assisted", verdict.AIAssisted),
	}
	if verdict.TruthStatus == domain.TruthVerified {
		v.logger.Debug("validation finished", fields...)
	} else {
		v.logger.Warn("validation finished", fields...)
	}
	return verdict
}

func (v *TruthValidator) validate(ctx context.Context, data any, sources []domain.Source, opts domain.ValidateOptions) *domain.Verdict {
	ruleOpts := domain.RuleOptions{RequiredFields: opts.RequiredFields}

	// 1. Basic validation.
	basic := v.rules.Check(domain.CategoryCompleteness, RuleNonEmpty, data, ruleOpts)
	if !basic.Pass || len(sources) == 0 {
		issues := []domain.Issue{}
		if !basic.Pass {
			issues = append(issues, domain.Issue{Rule: basic.Rule, Issue: basic.Issue, Severity: domain.SeverityHigh})
		}
		if len(sources) == 0 {
			issues = append(issues, domain.Issue{Rule: "basic.sources", Issue: "no sources supplied", Severity: domain.SeverityHigh})
		}
		v.logger.Debug("basic validation failed", zap.Int("sources", len(sources)), zap.Bool("non_empty", basic.Pass))
		return &domain.Verdict{TruthStatus: domain.TruthInvalid, Confidence: 0, Issues: issues}
	}

	// 2. Rule validation.
	payload := ClassifyPayload(data)
	batch := v.rules.BatchCheck(v.checksFor(payload, ruleOpts))
	for _, issue := range batch.Issues {
		v.metrics.IncrRuleFailure(issue.Rule)
	}

	canEscalate := opts.RequireAI || len(sources) >= 2
	continuityFailed := false
	var blocking []domain.Issue
	for _, issue := range batch.Issues {
		if isContinuityRule(issue.Rule) {
			continuityFailed = true
		}
		if issue.Severity != domain.SeverityHigh {
			continue
		}
		// Continuity failures are left to the escalation step when it can run.
		if isContinuityRule(issue.Rule) && canEscalate {
			continue
		}
		blocking = append(blocking, issue)
	}

	v.logger.Debug("rule validation",
		zap.Stringer("payload", payload.Kind),
		zap.Bool("all_passed", batch.AllPassed),
		zap.Int("issues", batch.IssueCount),
		zap.Int("blocking", len(blocking)),
		zap.Bool("can_escalate", canEscalate),
	)

	if len(blocking) > 0 {
		return &domain.Verdict{TruthStatus: domain.TruthInvalid, Confidence: confidenceInvalidRules, Issues: blocking}
	}
	residual := batch.Issues

	// 3. Multi-source cross-validation.
	if len(sources) >= 2 {
		conflicts := compareSources(sources)
		if len(conflicts) > 0 {
			conflictIssues := make([]domain.Issue, 0, len(conflicts))
			for _, c := range conflicts {
				conflictIssues = append(conflictIssues, domain.Issue{
					Rule:     "multiSource.conflict",
					Issue:    "field " + c.Field + " differs across sources: " + strings.Join(c.Values, " vs "),
					Severity: domain.SeverityMedium,
				})
			}

			aiCtx := domain.AIContext{
				Complexity:  domain.ComplexityComplex,
				SourceCount: len(sources),
				HasConflict: true,
			}
			if verdict, ok := v.escalate(ctx, "truth-conflict", aiCtx, payload.Raw, sources, conflicts, conflictIssues); ok {
				verdict.Conflicts = conflicts
				return verdict
			}

			return &domain.Verdict{
				TruthStatus: domain.TruthSuspect,
				Confidence:  confidenceConflict,
				Issues:      append(conflictIssues, residual...),
				Conflicts:   conflicts,
			}
		}
	}

	// 4. Continuity re-check.
	if continuityFailed {
		aiCtx := domain.AIContext{
			Complexity:    v.rules.AssessComplexity(payload.Raw, len(sources)),
			SourceCount:   len(sources),
			NeedsAnalysis: true,
		}
		if canEscalate {
			if verdict, ok := v.escalate(ctx, "truth-continuity", aiCtx, payload.Raw, sources, nil, residual); ok {
				return verdict
			}
		}
		return &domain.Verdict{TruthStatus: domain.TruthSuspect, Confidence: confidenceContinuity, Issues: residual}
	}

	// 5. Verified.
	confidence := 1.0
	for _, issue := range residual {
		switch issue.Severity {
		case domain.SeverityHigh:
			confidence -= penaltyHigh
		case domain.SeverityMedium:
			confidence -= penaltyMedium
		}
	}
	if len(sources) >= 2 {
		confidence += bonusMultiSource
	}
	if len(sources) >= 3 {
		confidence += bonusManySources
	}

	verdict := &domain.Verdict{
		TruthStatus: domain.TruthVerified,
		Confidence:  clamp01(confidence),
		Issues:      residual,
	}

	if v.cfg.RequireMultiSource && len(sources) < 2 {
		verdict.TruthStatus = domain.TruthSuspect
		verdict.Issues = append(verdict.Issues, domain.Issue{
			Rule:     "multiSource.required",
			Issue:    "only one source available; corroboration required",
			Severity: domain.SeverityLow,
		})
	}
	if verdict.TruthStatus == domain.TruthVerified && verdict.Confidence < v.cfg.ConfidenceThreshold {
		verdict.Recommendation = LowConfidenceAdvice
	}
	return verdict
}

// checksFor selects the rules that apply to the payload's shape.
func (v *TruthValidator) checksFor(p Payload, opts domain.RuleOptions) []domain.RuleCheck {
	var checks []domain.RuleCheck
	switch p.Kind {
	case PayloadRecords:
		checks = append(checks,
			domain.RuleCheck{Category: domain.CategoryTruth, Rule: RuleTimestampMonotonic, Data: p.Records},
			domain.RuleCheck{Category: domain.CategoryTruth, Rule: RuleStatusContinuity, Data: p.Records},
		)
	case PayloadScored:
		checks = append(checks,
			domain.RuleCheck{Category: domain.CategoryTruth, Rule: RuleScoreRationality, Data: p.Object},
		)
	}
	if len(opts.RequiredFields) > 0 {
		checks = append(checks, domain.RuleCheck{
			Category: domain.CategoryCompleteness,
			Rule:     RuleRequiredFields,
			Data:     p.Raw,
			Options:  opts,
		})
	}
	return checks
}

// escalate asks the AI gate for a verdict. It reports false when the gate
// declines, the call falls back, or the answer cannot be parsed.
func (v *TruthValidator) escalate(
	ctx context.Context,
	task string,
	aiCtx domain.AIContext,
	data any,
	sources []domain.Source,
	conflicts []domain.Conflict,
	issues []domain.Issue,
) (*domain.Verdict, bool) {
	if v.gate == nil || !v.gate.ShouldCallAI(aiCtx) {
		v.logger.Debug("escalation skipped", zap.String("task", task))
		return nil, false
	}

	res := v.gate.Call(ctx, task, buildPrompt(task, data, sources, conflicts, issues))
	if !res.Success {
		var capped *domain.ErrRateLimited
		v.logger.Info("escalation fell back to local verdict",
			zap.String("task", task),
			zap.String("reason", res.Error),
			zap.Bool("budget_exhausted", errors.As(res.Err, &capped)),
		)
		return nil, false
	}

	verdict, ok := parseAIVerdict(res.Content, res.Confidence)
	if !ok {
		v.logger.Warn("unparseable ai verdict, using local verdict", zap.String("task", task))
		return nil, false
	}

	v.logger.Info("escalation produced verdict",
		zap.String("task", task),
		zap.String("truth_status", string(verdict.TruthStatus)),
		zap.Float64("confidence", verdict.Confidence),
	)
	return verdict, true
}

func isContinuityRule(rule string) bool {
	return rule == domain.CategoryTruth+"."+RuleTimestampMonotonic ||
		rule == domain.CategoryTruth+"."+RuleStatusContinuity
}

// compareSources reports every cross-checked field holding more than one
// distinct value among the sources that carry it. Lists contribute their
// last record.
func compareSources(sources []domain.Source) []domain.Conflict {
	var conflicts []domain.Conflict
	for _, field := range crossCheckedFields {
		seen := make(map[string]bool)
		var values []string
		for _, s := range sources {
			rec, ok := lastRecord(s.Data)
			if !ok {
				continue
			}
			raw, ok := rec[field]
			if !ok || raw == nil {
				continue
			}
			val := fieldValue(field, raw)
			if !seen[val] {
				seen[val] = true
				values = append(values, val)
			}
		}
		if len(values) > 1 {
			conflicts = append(conflicts, domain.Conflict{Field: field, Values: values})
		}
	}
	return conflicts
}

func sourceRefs(sources []domain.Source) []domain.SourceRef {
	refs := make([]domain.SourceRef, 0, len(sources))
	for _, s := range sources {
		refs = append(refs, domain.SourceRef{ID: s.ID, Type: s.Type, Timestamp: s.Timestamp})
	}
	return refs
}
