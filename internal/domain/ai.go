package domain

import "time"

// AIContext is the situation handed to the AI gate's escalation policy.
type AIContext struct {
	Complexity      Complexity
	SourceCount     int
	LocalRuleResult bool
	HasConflict     bool
	NeedsAnalysis   bool
	NeedsPrediction bool
}

// DecisionKey is the cache key for escalation decisions.
type DecisionKey struct {
	Complexity  Complexity
	SourceCount int
	HasConflict bool
}

// TokenUsage represents LLM token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// TextRequest is one chat-completion style request.
type TextRequest struct {
	SystemPrompt string
	Prompt       string
}

// TextResponse is the raw answer of the generative API.
type TextResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// AIResult is the normalized outcome of an AI gate call.
// Fallback tells the caller to resolve the situation locally.
type AIResult struct {
	Success    bool       `json:"success"`
	Content    string     `json:"content,omitempty"`
	Usage      TokenUsage `json:"usage"`
	Model      string     `json:"model,omitempty"`
	Confidence float64    `json:"confidence"`
	Error      string     `json:"error,omitempty"`
	Fallback   bool       `json:"fallback"`
	// Err is the cause behind a fallback, nil when the gate is disabled.
	Err error `json:"-"`
}

// AICallRecord logs one escalation attempt.
type AICallRecord struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	Confidence float64   `json:"confidence"`
	Tokens     int       `json:"tokens"`
}

// AIStats is returned by the AI gate's statistics call.
type AIStats struct {
	TotalCalls      int       `json:"totalCalls"`
	RecentCalls     int       `json:"recentCalls"`
	SuccessRate     float64   `json:"successRate"`
	AvgConfidence   float64   `json:"avgConfidence"`
	TotalTokens     int       `json:"totalTokens"`
	CallCount       int       `json:"callCount"`
	HourlyCap       int       `json:"hourlyCap"`
	Remaining       int       `json:"remaining"`
	WindowStartedAt time.Time `json:"windowStartedAt"`
}
