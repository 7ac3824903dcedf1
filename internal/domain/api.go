package domain

import "time"

// APIType partitions monitored endpoints by domain.
type APIType string

const (
	APITypeNews  APIType = "news"
	APITypeRace  APIType = "race"
	APITypeEvent APIType = "event"
)

// Valid reports whether t is a known endpoint type.
func (t APIType) Valid() bool {
	switch t {
	case APITypeNews, APITypeRace, APITypeEvent:
		return true
	}
	return false
}

// HealthState is the observed status of an endpoint.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthNotFound  HealthState = "not_found"
	HealthError     HealthState = "error"
)

// APIConfig describes an endpoint to register.
type APIConfig struct {
	ID             string        `json:"id" yaml:"id"`
	URL            string        `json:"url" yaml:"url"`
	Type           APIType       `json:"type" yaml:"type"`
	Name           string        `json:"name" yaml:"name"`
	RequiredFields []string      `json:"requiredFields" yaml:"required_fields"`
	CheckInterval  time.Duration `json:"checkInterval" yaml:"check_interval"`
	IsRealTime     bool          `json:"isRealTime" yaml:"is_real_time"`
}

// APIStats accumulates call statistics for one endpoint.
type APIStats struct {
	Calls           int64     `json:"calls"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	AvgResponseTime float64   `json:"avgResponseTime"` // ms, running mean
	LastCallTime    time.Time `json:"lastCallTime"`
	LastSuccessTime time.Time `json:"lastSuccessTime"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	ErrorRate       float64   `json:"errorRate"`
}

// APIHealth tracks availability and truthfulness as independent axes.
type APIHealth struct {
	Status              HealthState `json:"status"`
	LastCheck           time.Time   `json:"lastCheck"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	TruthStatus         TruthStatus `json:"truthStatus,omitempty"`
	Confidence          float64     `json:"confidence"`
}

// RegisteredAPI is one monitored upstream endpoint.
type RegisteredAPI struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Type           APIType   `json:"type"`
	Name           string    `json:"name"`
	RequiredFields []string  `json:"requiredFields"`
	CheckInterval  int64     `json:"checkInterval"` // ms
	IsRealTime     bool      `json:"isRealTime"`
	Stats          APIStats  `json:"stats"`
	Health         APIHealth `json:"health"`
}

// FetchResult is the raw outcome of one upstream GET.
type FetchResult struct {
	StatusCode int
	Body       []byte
	Latency    time.Duration
}

// OverallStats summarises the whole registry.
type OverallStats struct {
	TotalApis     int       `json:"totalApis"`
	HealthyApis   int       `json:"healthyApis"`
	HealthRate    float64   `json:"healthRate"`
	TotalChecks   int64     `json:"totalChecks"`
	FailedChecks  int64     `json:"failedChecks"`
	LastCheckTime time.Time `json:"lastCheckTime"`
	Monitoring    bool      `json:"monitoring"`
}

// SweepResult describes one pass over the registry.
type SweepResult struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Healthy   int           `json:"healthy"`
}
