package domain

import "time"

// Rule categories.
const (
	CategoryTruth        = "truth"
	CategoryPerformance  = "performance"
	CategoryCompleteness = "completeness"
)

// Complexity is the coarse classification used by the AI gate.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// RuleOptions carries caller-supplied parameters to a rule.
type RuleOptions struct {
	RequiredFields []string `json:"requiredFields,omitempty"`
}

// RuleCheckResult is the output of one rule evaluation.
type RuleCheckResult struct {
	Pass      bool      `json:"pass"`
	Issue     string    `json:"issue,omitempty"`
	Severity  Severity  `json:"severity"`
	Rule      string    `json:"rule"` // category.name
	Timestamp time.Time `json:"timestamp"`
}

// RuleCheck is one entry of a batch evaluation.
type RuleCheck struct {
	Category string
	Rule     string
	Data     any
	Options  RuleOptions
}

// BatchResult aggregates an ordered batch of rule evaluations.
type BatchResult struct {
	AllPassed  bool              `json:"allPassed"`
	Results    []RuleCheckResult `json:"results"`
	Issues     []Issue           `json:"issues"`
	IssueCount int               `json:"issueCount"`
}
