package service

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"

	"go.uber.org/zap"
)

// Rule names registered by NewRuleEngine.
const (
	RuleTimestampMonotonic = "timestampMonotonic"
	RuleStatusContinuity   = "statusContinuity"
	RuleScoreRationality   = "scoreRationality"
	RuleResponseTime       = "responseTime"
	RuleErrorRate          = "errorRate"
	RuleRequiredFields     = "requiredFields"
	RuleNonEmpty           = "nonEmpty"
)

// Thresholds for the performance rules.
const (
	MaxResponseTimeMs = 5000.0
	MaxErrorRate      = 0.05
)

// Race statuses and their allowed successors. Terminal states have none.
// Statuses missing from the table are unconstrained.
var statusTransitions = map[string]map[string]bool{
	"未开始": {"进行中": true, "已取消": true},
	"进行中": {"已结束": true, "暂停": true, "已取消": true},
	"暂停":  {"进行中": true, "已取消": true},
	"已结束": {},
	"已取消": {},
}

// RuleFunc is a pure predicate. It returns false plus a description on failure.
type RuleFunc func(data any, opts domain.RuleOptions) (bool, string)

type rule struct {
	severity domain.Severity
	fn       RuleFunc
}

// RuleEngine is a registry of named checks grouped by category.
type RuleEngine struct {
	mu     sync.RWMutex
	rules  map[string]map[string]rule
	now    func() time.Time
	logger *zap.Logger
}

// NewRuleEngine creates an engine with the built-in truth, performance
// and completeness rules registered.
func NewRuleEngine(logger *zap.Logger) *RuleEngine {
	e := &RuleEngine{
		rules:  make(map[string]map[string]rule),
		now:    time.Now,
		logger: logger,
	}

	e.Register(domain.CategoryTruth, RuleTimestampMonotonic, domain.SeverityHigh, timestampMonotonic)
	e.Register(domain.CategoryTruth, RuleStatusContinuity, domain.SeverityHigh, statusContinuity)
	e.Register(domain.CategoryTruth, RuleScoreRationality, domain.SeverityMedium, scoreRationality)
	e.Register(domain.CategoryPerformance, RuleResponseTime, domain.SeverityMedium, responseTime)
	e.Register(domain.CategoryPerformance, RuleErrorRate, domain.SeverityHigh, errorRate)
	e.Register(domain.CategoryCompleteness, RuleRequiredFields, domain.SeverityHigh, requiredFields)
	e.Register(domain.CategoryCompleteness, RuleNonEmpty, domain.SeverityMedium, nonEmpty)

	return e
}

// Register adds or replaces a rule.
func (e *RuleEngine) Register(category, name string, severity domain.Severity, fn RuleFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rules[category] == nil {
		e.rules[category] = make(map[string]rule)
	}
	e.rules[category][name] = rule{severity: severity, fn: fn}
}

// Rules lists registered rules as category.name, sorted.
func (e *RuleEngine) Rules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var names []string
	for category, rules := range e.rules {
		for name := range rules {
			names = append(names, category+"."+name)
		}
	}
	sort.Strings(names)
	return names
}

// Check evaluates one rule. Unknown rules pass with a warning so that
// optional checks can be referenced before they exist. A panicking rule
// becomes a failed result.
func (e *RuleEngine) Check(category, name string, data any, opts domain.RuleOptions) domain.RuleCheckResult {
	id := category + "." + name

	e.mu.RLock()
	r, ok := e.rules[category][name]
	e.mu.RUnlock()

	if !ok {
		e.logger.Warn("unknown rule, passing", zap.String("rule", id))
		return domain.RuleCheckResult{
			Pass:      true,
			Severity:  domain.SeverityLow,
			Rule:      id,
			Timestamp: e.now(),
		}
	}

	pass, issue := e.run(id, r.fn, data, opts)
	res := domain.RuleCheckResult{
		Pass:      pass,
		Severity:  r.severity,
		Rule:      id,
		Timestamp: e.now(),
	}
	if !pass {
		res.Issue = issue
	}
	return res
}

func (e *RuleEngine) run(id string, fn RuleFunc, data any, opts domain.RuleOptions) (pass bool, issue string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule panicked", zap.String("rule", id), zap.Any("panic", rec))
			pass = false
			issue = fmt.Sprintf("rule error: %v", rec)
		}
	}()
	return fn(data, opts)
}

// BatchCheck evaluates checks in order.
func (e *RuleEngine) BatchCheck(checks []domain.RuleCheck) domain.BatchResult {
	out := domain.BatchResult{
		AllPassed: true,
		Results:   make([]domain.RuleCheckResult, 0, len(checks)),
	}

	for _, c := range checks {
		res := e.Check(c.Category, c.Rule, c.Data, c.Options)
		out.Results = append(out.Results, res)
		if !res.Pass {
			out.AllPassed = false
			out.Issues = append(out.Issues, domain.Issue{
				Rule:     res.Rule,
				Issue:    res.Issue,
				Severity: res.Severity,
			})
		}
	}
	out.IssueCount = len(out.Issues)
	return out
}

// AssessComplexity classifies a payload for the AI gate.
func (e *RuleEngine) AssessComplexity(data any, sourceCount int) domain.Complexity {
	if sourceCount >= 2 {
		return domain.ComplexityComplex
	}
	data = normalizeJSON(data)
	if list, ok := data.([]any); ok && len(list) > 100 {
		return domain.ComplexityComplex
	}
	if list, ok := data.([]map[string]any); ok && len(list) > 100 {
		return domain.ComplexityComplex
	}
	if depth(data) > 3 {
		return domain.ComplexityComplex
	}
	return domain.ComplexitySimple
}

// depth counts object/list nesting levels; scalars are 0.
func depth(v any) int {
	var children []any
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			children = append(children, child)
		}
	case []any:
		children = t
	case []map[string]any:
		for _, child := range t {
			children = append(children, child)
		}
	default:
		return 0
	}

	deepest := 0
	for _, child := range children {
		if d := depth(child); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// ============================================================
// Built-in rules
// ============================================================

func timestampMonotonic(data any, _ domain.RuleOptions) (bool, string) {
	records, ok := recordsOf(normalizeJSON(data))
	if !ok || len(records) < 2 {
		return true, ""
	}

	prevIdx := -1
	var prev time.Time
	for i, rec := range records {
		t, ok := recordTime(rec)
		if !ok {
			continue
		}
		if prevIdx >= 0 && t.Before(prev) {
			return false, fmt.Sprintf("timestamp decreases between records %d and %d", prevIdx, i)
		}
		prev, prevIdx = t, i
	}
	return true, ""
}

func statusContinuity(data any, _ domain.RuleOptions) (bool, string) {
	records, ok := recordsOf(normalizeJSON(data))
	if !ok || len(records) < 2 {
		return true, ""
	}

	for i := 1; i < len(records); i++ {
		from, ok1 := records[i-1]["status"].(string)
		to, ok2 := records[i]["status"].(string)
		if !ok1 || !ok2 || from == "" || to == "" {
			continue
		}
		allowed, known := statusTransitions[from]
		if !known {
			continue
		}
		if !allowed[to] {
			return false, fmt.Sprintf("invalid status transition %q -> %q at record %d", from, to, i)
		}
	}
	return true, ""
}

func scoreRationality(data any, _ domain.RuleOptions) (bool, string) {
	obj, ok := normalizeJSON(data).(map[string]any)
	if !ok {
		return true, ""
	}
	raw, has := obj["score"]
	if !has || raw == nil {
		return true, ""
	}

	score := fmt.Sprint(raw)
	sides := strings.Split(score, ":")
	if len(sides) != 2 {
		return false, fmt.Sprintf("score %q is not in home:away form", score)
	}
	for _, side := range sides {
		n, err := strconv.ParseFloat(strings.TrimSpace(side), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return false, fmt.Sprintf("score %q has a non-numeric side", score)
		}
		if n < 0 {
			return false, fmt.Sprintf("score %q has a negative side", score)
		}
	}
	return true, ""
}

// metricOf reads data.metrics.<name>.
func metricOf(data any, name string) (float64, bool) {
	obj, ok := normalizeJSON(data).(map[string]any)
	if !ok {
		return 0, false
	}
	metrics, ok := obj["metrics"].(map[string]any)
	if !ok {
		return 0, false
	}
	return numberOf(metrics[name])
}

func responseTime(data any, _ domain.RuleOptions) (bool, string) {
	ms, ok := metricOf(data, "responseTime")
	if !ok || ms <= MaxResponseTimeMs {
		return true, ""
	}
	return false, fmt.Sprintf("response time %.0fms exceeds %.0fms", ms, MaxResponseTimeMs)
}

func errorRate(data any, _ domain.RuleOptions) (bool, string) {
	rate, ok := metricOf(data, "errorRate")
	if !ok || rate <= MaxErrorRate {
		return true, ""
	}
	return false, fmt.Sprintf("error rate %.2f%% exceeds %.0f%%", rate*100, MaxErrorRate*100)
}

func requiredFields(data any, opts domain.RuleOptions) (bool, string) {
	if len(opts.RequiredFields) == 0 {
		return true, ""
	}

	data = normalizeJSON(data)
	var missing []string
	switch v := data.(type) {
	case map[string]any:
		for _, f := range opts.RequiredFields {
			if _, ok := v[f]; !ok {
				missing = append(missing, f)
			}
		}
	default:
		records, ok := recordsOf(v)
		if !ok {
			missing = opts.RequiredFields
			break
		}
		// A field counts as missing when any record lacks it.
		for _, f := range opts.RequiredFields {
			for _, rec := range records {
				if _, ok := rec[f]; !ok {
					missing = append(missing, f)
					break
				}
			}
		}
	}

	if len(missing) == 0 {
		return true, ""
	}
	return false, "missing required fields: " + strings.Join(missing, ", ")
}

func nonEmpty(data any, _ domain.RuleOptions) (bool, string) {
	if data == nil {
		return false, "data is empty"
	}
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		if v.Len() == 0 {
			return false, "data is empty"
		}
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return false, "data is empty"
		}
	}
	return true, ""
}
