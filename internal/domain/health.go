package domain

// ============================================================
// Health API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status     string          `json:"status"` // healthy, degraded, unhealthy
	HealthRate float64         `json:"healthRate"`
	Services   []ServiceHealth `json:"services"`
	Verdicts   VerdictSummary  `json:"verdicts"`
	AI         *AIStats        `json:"ai,omitempty"`
}

// ServiceHealth represents the health of one monitored upstream endpoint.
type ServiceHealth struct {
	Name        string      `json:"name"`
	Status      HealthState `json:"status"`
	LatencyMs   int64       `json:"latencyMs"`
	ErrorRate   float64     `json:"errorRate"`
	TruthStatus TruthStatus `json:"truthStatus,omitempty"`
	Confidence  float64     `json:"confidence"`
	LastChecked string      `json:"lastChecked,omitempty"`
}

// VerdictSummary counts validator verdicts since process start.
type VerdictSummary struct {
	Verified int64 `json:"verified"`
	Suspect  int64 `json:"suspect"`
	Invalid  int64 `json:"invalid"`
}
