package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/resilience"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LLMConfig holds the request parameters for the generative API.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// LLMClient calls an OpenAI-compatible chat completion endpoint (GLM by default).
type LLMClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	cb          *gobreaker.CircuitBreaker
	cfg         resilience.Config
}

// NewLLMClient creates a new LLMClient.
func NewLLMClient(httpClient *http.Client, llm LLMConfig, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *LLMClient {
	oc := openai.DefaultConfig(llm.APIKey)
	if llm.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(llm.BaseURL, "/")
	}
	oc.HTTPClient = httpClient

	return &LLMClient{
		client:      openai.NewClientWithConfig(oc),
		model:       llm.Model,
		temperature: float32(llm.Temperature),
		maxTokens:   llm.MaxTokens,
		cb:          cb,
		cfg:         cfg,
	}
}

// Generate sends one system+user exchange with retry, circuit breaker, and tracing.
func (c *LLMClient) Generate(ctx context.Context, req domain.TextRequest) (*domain.TextResponse, error) {
	ctx, span := tracer.Start(ctx, "LLMClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	result, err := c.cb.Execute(func() (any, error) {
		var out openai.ChatCompletionResponse
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
			})
			if err != nil {
				if !retryable(err) {
					return resilience.Permanent(err)
				}
				return err
			}
			out = resp
			return nil
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return &out, nil
	})

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if resilience.IsBreakerRejection(err) {
			return nil, &domain.ErrCircuitOpen{Service: "llm"}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.ErrTimeout{Operation: "llm chat completion"}
		}
		return nil, &domain.ErrExternalService{Service: "llm", Err: err}
	}

	resp := result.(*openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return nil, &domain.ErrExternalService{Service: "llm", Err: fmt.Errorf("no choices in response")}
	}

	span.SetAttributes(attribute.Int("llm.tokens.total", resp.Usage.TotalTokens))

	model := resp.Model
	if model == "" {
		model = c.model
	}

	return &domain.TextResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   model,
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// retryable reports whether an API error may succeed on a later attempt.
// Client errors other than 408 and 429 are final.
func retryable(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 {
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	}
	return true
}
