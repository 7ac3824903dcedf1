package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"
	"github.com/boddenberg/pigeon-admin-hub/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Polling defaults applied when the config leaves them unset.
const (
	DefaultCheckInterval  = 5 * time.Minute
	DefaultRequestTimeout = 10 * time.Second
)

// SentinelConfig holds polling parameters.
type SentinelConfig struct {
	CheckInterval  time.Duration
	RequestTimeout time.Duration
	// Catalog replaces the built-in endpoint list when non-empty.
	Catalog []domain.APIConfig
	BaseURL string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type apiEntry struct {
	mu      sync.Mutex
	api     domain.RegisteredAPI
	samples int64 // responses that contributed to AvgResponseTime
}

func (e *apiEntry) snapshot() domain.RegisteredAPI {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.api
	out.RequiredFields = append([]string(nil), e.api.RequiredFields...)
	return out
}

// ApiSentinel owns the endpoint registry and the polling loop.
type ApiSentinel struct {
	fetcher   port.EndpointFetcher
	validator port.TruthValidator
	rules     *RuleEngine
	cfg       SentinelConfig
	now       func() time.Time
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu            sync.RWMutex
	order         []string
	entries       map[string]*apiEntry
	totalChecks   int64
	failedChecks  int64
	lastCheckTime time.Time

	monMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewApiSentinel creates the sentinel with an empty registry.
func NewApiSentinel(
	fetcher port.EndpointFetcher,
	validator port.TruthValidator,
	rules *RuleEngine,
	cfg SentinelConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ApiSentinel {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &ApiSentinel{
		fetcher:   fetcher,
		validator: validator,
		rules:     rules,
		cfg:       cfg,
		now:       now,
		metrics:   metrics,
		logger:    logger,
		entries:   make(map[string]*apiEntry),
	}
}

// RegisterApi adds or replaces an endpoint with zeroed statistics.
// A replaced endpoint keeps its position in the sweep order.
func (s *ApiSentinel) RegisterApi(id string, cfg domain.APIConfig) {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = s.cfg.CheckInterval
	}

	entry := &apiEntry{api: domain.RegisteredAPI{
		ID:             id,
		URL:            cfg.URL,
		Type:           cfg.Type,
		Name:           cfg.Name,
		RequiredFields: append([]string(nil), cfg.RequiredFields...),
		CheckInterval:  interval.Milliseconds(),
		IsRealTime:     cfg.IsRealTime,
		Health:         domain.APIHealth{Status: domain.HealthUnknown},
	}}

	s.mu.Lock()
	if _, exists := s.entries[id]; !exists {
		s.order = append(s.order, id)
	}
	s.entries[id] = entry
	s.mu.Unlock()

	s.logger.Debug("api registered", zap.String("api_id", id), zap.String("url", cfg.URL))
}

// AutoDiscoverApis registers the configured catalogue, or the built-in one,
// and returns how many endpoints were registered.
func (s *ApiSentinel) AutoDiscoverApis() int {
	catalog := s.cfg.Catalog
	if len(catalog) == 0 {
		catalog = DefaultCatalog(s.cfg.BaseURL, s.cfg.CheckInterval)
	}
	for _, c := range catalog {
		s.RegisterApi(c.ID, c)
	}
	s.logger.Info("apis discovered", zap.Int("count", len(catalog)))
	return len(catalog)
}

// GetApis returns snapshots of every endpoint in registration order.
func (s *ApiSentinel) GetApis() []domain.RegisteredAPI {
	s.mu.RLock()
	entries := make([]*apiEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.entries[id])
	}
	s.mu.RUnlock()

	out := make([]domain.RegisteredAPI, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// GetApi returns a snapshot of one endpoint.
func (s *ApiSentinel) GetApi(id string) (domain.RegisteredAPI, error) {
	e := s.entry(id)
	if e == nil {
		return domain.RegisteredAPI{}, &domain.ErrNotFound{Resource: "api", ID: id}
	}
	return e.snapshot(), nil
}

func (s *ApiSentinel) entry(id string) *apiEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// CheckApiHealth polls one endpoint and updates its statistics. Upstream
// failures are recorded on the endpoint, never returned; the only error is
// an unknown id.
func (s *ApiSentinel) CheckApiHealth(ctx context.Context, id string) (domain.RegisteredAPI, error) {
	e := s.entry(id)
	if e == nil {
		return domain.RegisteredAPI{}, &domain.ErrNotFound{Resource: "api", ID: id}
	}

	ctx, span := tracer.Start(ctx, "ApiSentinel.CheckApiHealth", trace.WithAttributes(attribute.String("api.id", id)))
	defer span.End()

	e.mu.Lock()
	url, apiType, required := e.api.URL, e.api.Type, append([]string(nil), e.api.RequiredFields...)
	e.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	started := time.Now()
	res, err := s.fetcher.Fetch(reqCtx, url)
	cancel()

	// A check abandoned by its caller, e.g. on StopMonitoring, observes nothing.
	if err != nil && ctx.Err() != nil {
		s.logger.Debug("api check cancelled", zap.String("api_id", id), zap.Error(err))
		span.SetAttributes(attribute.Bool("api.cancelled", true))
		return e.snapshot(), nil
	}

	now := s.now()
	var latency time.Duration
	if res != nil {
		latency = res.Latency
	} else {
		latency = time.Since(started)
	}

	// Transport failures and 5xx are not observations of the payload.
	if err != nil || res.StatusCode >= http.StatusInternalServerError {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		s.recordFailure(e, now, domain.HealthError)
		s.tally(true)
		s.metrics.RecordEndpointCheck(id, domain.HealthError, latency)
		s.logger.Warn("api check failed",
			zap.String("api_id", id),
			zap.Int("status_code", status),
			zap.Error(err),
		)
		span.SetAttributes(attribute.String("api.health", string(domain.HealthError)))
		s.runPerformanceRules(e)
		return e.snapshot(), nil
	}

	state := s.recordResponse(e, now, res.StatusCode, latency)
	s.tally(state != domain.HealthHealthy)
	s.metrics.RecordEndpointCheck(id, state, latency)
	span.SetAttributes(
		attribute.String("api.health", string(state)),
		attribute.Int("http.status_code", res.StatusCode),
	)

	if state == domain.HealthHealthy && len(res.Body) > 0 {
		payload := decodeBody(res.Body)
		verdict := s.validator.Validate(ctx, payload, []domain.Source{{
			ID:        id,
			Type:      string(apiType),
			Timestamp: now,
			Data:      payload,
		}}, domain.ValidateOptions{RequiredFields: required})

		e.mu.Lock()
		e.api.Health.TruthStatus = verdict.TruthStatus
		e.api.Health.Confidence = verdict.Confidence
		e.mu.Unlock()

		if verdict.TruthStatus != domain.TruthVerified {
			s.logger.Warn("api payload not verified",
				zap.String("api_id", id),
				zap.String("truth_status", string(verdict.TruthStatus)),
				zap.Float64("confidence", verdict.Confidence),
				zap.Int("issues", len(verdict.Issues)),
			)
		}
	} else if state != domain.HealthHealthy {
		s.logger.Warn("api check unhealthy",
			zap.String("api_id", id),
			zap.Int("status_code", res.StatusCode),
			zap.String("health", string(state)),
		)
	}

	s.runPerformanceRules(e)
	return e.snapshot(), nil
}

// recordResponse applies an observed HTTP response (<500) to the stats.
func (s *ApiSentinel) recordResponse(e *apiEntry, now time.Time, statusCode int, latency time.Duration) domain.HealthState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.api.Stats
	st.Calls++
	st.LastCallTime = now

	e.samples++
	ms := float64(latency) / float64(time.Millisecond)
	st.AvgResponseTime += (ms - st.AvgResponseTime) / float64(e.samples)

	var state domain.HealthState
	switch {
	case statusCode >= 200 && statusCode < 400:
		state = domain.HealthHealthy
		st.Successes++
		st.LastSuccessTime = now
		e.api.Health.ConsecutiveFailures = 0
	case statusCode == http.StatusNotFound:
		state = domain.HealthNotFound
		st.Failures++
		st.LastFailureTime = now
		e.api.Health.ConsecutiveFailures++
	default:
		state = domain.HealthUnhealthy
		st.Failures++
		st.LastFailureTime = now
		e.api.Health.ConsecutiveFailures++
	}

	st.ErrorRate = float64(st.Failures) / float64(st.Calls)
	e.api.Health.Status = state
	e.api.Health.LastCheck = now
	return state
}

// recordFailure applies a transport failure to the stats.
func (s *ApiSentinel) recordFailure(e *apiEntry, now time.Time, state domain.HealthState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.api.Stats
	st.Calls++
	st.Failures++
	st.LastCallTime = now
	st.LastFailureTime = now
	st.ErrorRate = float64(st.Failures) / float64(st.Calls)

	e.api.Health.Status = state
	e.api.Health.LastCheck = now
	e.api.Health.ConsecutiveFailures++
}

func (s *ApiSentinel) tally(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalChecks++
	if failed {
		s.failedChecks++
	}
}

// runPerformanceRules checks the endpoint's running metrics. Failures are
// reported but do not change the endpoint's health.
func (s *ApiSentinel) runPerformanceRules(e *apiEntry) {
	e.mu.Lock()
	id := e.api.ID
	sample := map[string]any{"metrics": map[string]any{
		"responseTime": e.api.Stats.AvgResponseTime,
		"errorRate":    e.api.Stats.ErrorRate,
	}}
	e.mu.Unlock()

	batch := s.rules.BatchCheck([]domain.RuleCheck{
		{Category: domain.CategoryPerformance, Rule: RuleResponseTime, Data: sample},
		{Category: domain.CategoryPerformance, Rule: RuleErrorRate, Data: sample},
	})
	for _, issue := range batch.Issues {
		s.metrics.IncrRuleFailure(issue.Rule)
		s.logger.Warn("api performance degraded",
			zap.String("api_id", id),
			zap.String("rule", issue.Rule),
			zap.String("issue", issue.Issue),
		)
	}
}

// decodeBody parses JSON bodies and keeps anything else as text.
func decodeBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// CheckAllApis polls every endpoint sequentially in registration order.
func (s *ApiSentinel) CheckAllApis(ctx context.Context) domain.SweepResult {
	ctx, span := tracer.Start(ctx, "ApiSentinel.CheckAllApis")
	defer span.End()

	sweep := domain.SweepResult{ID: uuid.New().String(), StartedAt: s.now()}
	start := time.Now()

	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		api, err := s.CheckApiHealth(ctx, id)
		if err != nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		sweep.Checked++
		if api.Health.Status == domain.HealthHealthy {
			sweep.Healthy++
		}
	}

	s.mu.Lock()
	s.lastCheckTime = s.now()
	s.mu.Unlock()

	sweep.Duration = time.Since(start)
	s.metrics.IncrSweep()
	s.metrics.RecordDuration("sweep", sweep.Duration)
	span.SetAttributes(
		attribute.Int("sweep.checked", sweep.Checked),
		attribute.Int("sweep.healthy", sweep.Healthy),
	)
	s.logger.Info("sweep finished",
		zap.String("sweep_id", sweep.ID),
		zap.Int("checked", sweep.Checked),
		zap.Int("healthy", sweep.Healthy),
		zap.Duration("duration", sweep.Duration),
	)
	return sweep
}

// StartMonitoring runs one sweep immediately and then one per interval.
// It returns false if monitoring is already running.
func (s *ApiSentinel) StartMonitoring(ctx context.Context) bool {
	s.monMu.Lock()
	defer s.monMu.Unlock()

	if s.cancel != nil {
		s.logger.Warn("monitoring already running")
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go s.monitor(ctx, done)

	s.logger.Info("monitoring started", zap.Duration("interval", s.cfg.CheckInterval))
	return true
}

func (s *ApiSentinel) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.CheckAllApis(ctx)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckAllApis(ctx)
		}
	}
}

// StopMonitoring cancels the loop and waits for the sweep in progress to
// finish. It returns false if monitoring was not running.
func (s *ApiSentinel) StopMonitoring() bool {
	s.monMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.monMu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done

	s.logger.Info("monitoring stopped")
	return true
}

// IsMonitoring reports whether the polling loop is running.
func (s *ApiSentinel) IsMonitoring() bool {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	return s.cancel != nil
}

// GetOverallStats summarises the registry.
func (s *ApiSentinel) GetOverallStats() domain.OverallStats {
	apis := s.GetApis()

	s.mu.RLock()
	stats := domain.OverallStats{
		TotalApis:     len(apis),
		TotalChecks:   s.totalChecks,
		FailedChecks:  s.failedChecks,
		LastCheckTime: s.lastCheckTime,
	}
	s.mu.RUnlock()

	for _, a := range apis {
		if a.Health.Status == domain.HealthHealthy {
			stats.HealthyApis++
		}
	}
	if stats.TotalApis > 0 {
		stats.HealthRate = float64(stats.HealthyApis) / float64(stats.TotalApis)
	}
	stats.Monitoring = s.IsMonitoring()
	return stats
}
