package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("client")

// maxBodyBytes caps how much of an upstream payload is kept for validation.
const maxBodyBytes = 4 << 20

// EndpointClient performs the sentinel's upstream GETs.
// It does not retry: every poll is one observation.
type EndpointClient struct {
	httpClient *http.Client
}

// NewEndpointClient creates a new EndpointClient.
func NewEndpointClient(httpClient *http.Client) *EndpointClient {
	return &EndpointClient{httpClient: httpClient}
}

// Fetch issues one GET. Any HTTP status is returned as a result;
// only transport failures and deadlines are errors.
func (c *EndpointClient) Fetch(ctx context.Context, url string) (*domain.FetchResult, error) {
	ctx, span := tracer.Start(ctx, "EndpointClient.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.ErrExternalService{Service: "upstream", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.ErrTimeout{Operation: fmt.Sprintf("GET %s", url)}
		}
		return nil, &domain.ErrExternalService{Service: "upstream", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.ErrExternalService{Service: "upstream", Err: fmt.Errorf("read body: %w", err)}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return &domain.FetchResult{
		StatusCode: resp.StatusCode,
		Body:       body,
		Latency:    time.Since(start),
	}, nil
}
