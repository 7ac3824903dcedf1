package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
)

const ruleAIAnalysis = "ai.analysis"

type aiVerdict struct {
	TruthStatus    string            `json:"truth_status"`
	Confidence     *float64          `json:"confidence"`
	Issues         []json.RawMessage `json:"issues"`
	Recommendation string            `json:"recommendation"`
}

type aiIssue struct {
	Rule        string `json:"rule"`
	Issue       string `json:"issue"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// parseAIVerdict extracts a verdict from model output. The answer may wrap
// the JSON in code fences or prose; the outermost {...} is used. It reports
// false unless truth_status is one of the three known states.
func parseAIVerdict(content string, fallbackConfidence float64) (*domain.Verdict, bool) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, false
	}

	var v aiVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}

	status := domain.TruthStatus(strings.ToLower(strings.TrimSpace(v.TruthStatus)))
	if !status.Valid() {
		return nil, false
	}

	confidence := fallbackConfidence
	if v.Confidence != nil {
		confidence = *v.Confidence
	}

	issues := make([]domain.Issue, 0, len(v.Issues))
	for _, item := range v.Issues {
		if issue, ok := parseAIIssue(item); ok {
			issues = append(issues, issue)
		}
	}

	return &domain.Verdict{
		TruthStatus:    status,
		Confidence:     clamp01(confidence),
		Issues:         issues,
		Recommendation: strings.TrimSpace(v.Recommendation),
		AIAssisted:     true,
	}, true
}

// parseAIIssue accepts either a bare string or an issue object.
func parseAIIssue(raw json.RawMessage) (domain.Issue, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text = strings.TrimSpace(text); text == "" {
			return domain.Issue{}, false
		}
		return domain.Issue{Rule: ruleAIAnalysis, Issue: text, Severity: domain.SeverityMedium}, true
	}

	var obj aiIssue
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.Issue{}, false
	}
	issue := domain.Issue{
		Rule:     obj.Rule,
		Issue:    obj.Issue,
		Severity: domain.Severity(strings.ToLower(obj.Severity)),
	}
	if issue.Issue == "" {
		issue.Issue = obj.Description
	}
	if issue.Issue == "" {
		return domain.Issue{}, false
	}
	if issue.Rule == "" {
		issue.Rule = ruleAIAnalysis
	}
	if !issue.Severity.Valid() {
		issue.Severity = domain.SeverityMedium
	}
	return issue, true
}

// extractJSONObject strips markdown fences and returns the text between the
// first '{' and the last '}'.
func extractJSONObject(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// buildPrompt renders the escalation request for the model.
func buildPrompt(task string, data any, sources []domain.Source, conflicts []domain.Conflict, issues []domain.Issue) string {
	type sourceView struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}
	views := make([]sourceView, 0, len(sources))
	for _, s := range sources {
		views = append(views, sourceView{ID: s.ID, Type: s.Type, Data: s.Data})
	}

	body, err := json.MarshalIndent(struct {
		Task      string            `json:"task"`
		Data      any               `json:"data"`
		Sources   []sourceView      `json:"sources"`
		Conflicts []domain.Conflict `json:"conflicts,omitempty"`
		Issues    []domain.Issue    `json:"issues,omitempty"`
	}{task, data, views, conflicts, issues}, "", "  ")
	if err != nil {
		body = []byte(fmt.Sprintf("%v", data))
	}

	return "Assess the authenticity of this data.\n\n" + string(body)
}

// clamp01 bounds v to [0,1]; NaN becomes 0.
func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
