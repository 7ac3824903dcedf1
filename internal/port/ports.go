// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
)

// TextGenerator calls the external generative text API.
type TextGenerator interface {
	Generate(ctx context.Context, req domain.TextRequest) (*domain.TextResponse, error)
}

// EndpointFetcher issues one GET against a monitored upstream endpoint.
// Non-2xx responses are not errors; only transport failures are.
type EndpointFetcher interface {
	Fetch(ctx context.Context, url string) (*domain.FetchResult, error)
}

// Escalator decides on and performs escalations to the external model.
type Escalator interface {
	ShouldCallAI(c domain.AIContext) bool
	Call(ctx context.Context, task, prompt string) *domain.AIResult
}

// TruthValidator produces a verdict for a payload and its sources.
// It never fails: every outcome is expressed in the verdict.
type TruthValidator interface {
	Validate(ctx context.Context, data any, sources []domain.Source, opts domain.ValidateOptions) *domain.Verdict
}

// Cache provides generic caching with TTL.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K)
}
