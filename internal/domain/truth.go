package domain

import "time"

// TruthStatus is the validator's tri-state verdict on data authenticity.
type TruthStatus string

const (
	TruthVerified TruthStatus = "verified"
	TruthSuspect  TruthStatus = "suspect"
	TruthInvalid  TruthStatus = "invalid"
)

// Valid reports whether s is one of the three known verdicts.
func (s TruthStatus) Valid() bool {
	switch s {
	case TruthVerified, TruthSuspect, TruthInvalid:
		return true
	}
	return false
}

// Severity weights a rule violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Issue is one problem found while validating a payload.
type Issue struct {
	Rule     string   `json:"rule"`
	Issue    string   `json:"issue"`
	Severity Severity `json:"severity"`
}

// Source is one origin of a data sample, carrying its own copy of the data.
type Source struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SourceRef is the reference to a source kept on a verdict.
type SourceRef struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict records a field whose value differs across sources.
type Conflict struct {
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// ValidateOptions tunes a single validation call.
type ValidateOptions struct {
	RequiredFields []string `json:"requiredFields,omitempty"`
	RequireAI      bool     `json:"requireAI,omitempty"`
}

// Verdict is the result of one validation.
type Verdict struct {
	TruthStatus    TruthStatus `json:"truth_status"`
	Confidence     float64     `json:"confidence"`
	Issues         []Issue     `json:"issues"`
	Sources        []SourceRef `json:"sources"`
	Recommendation string      `json:"recommendation,omitempty"`
	Conflicts      []Conflict  `json:"conflicts,omitempty"`
	AIAssisted     bool        `json:"ai_assisted"`
	Timestamp      time.Time   `json:"timestamp"`
}
