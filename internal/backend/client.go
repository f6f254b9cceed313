package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrRemoteAPI marks a non-2xx status or an unusable response body.
	ErrRemoteAPI = errors.New("remote API error")

	// ErrEmptyReply marks a well-formed response without reply text.
	ErrEmptyReply = errors.New("empty reply from remote API")
)

// maxErrorBody bounds how much of a failed response ends up in logs.
const maxErrorBody = 512

// APIError carries the status of a non-2xx completion response.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Status, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRemoteAPI
}

// Completion is the parsed result of a successful call.
type Completion struct {
	Text  string
	Usage ChatUsage
	Model string
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer

	duration metric.Float64Histogram
	tokens   map[string]metric.Int64Counter
}

// NewClient creates a completion client. A zero timeout disables the
// per-request deadline.
func NewClient(url, apiKey string, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	duration, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	tokens := make(map[string]metric.Int64Counter, 3)
	for _, key := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		counter, err := meter.Int64Counter(
			"llm.usage."+key,
			metric.WithDescription("LLM usage metric: "+key),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", key, err)
		}
		tokens[key] = counter
	}

	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     tracer,
		duration:   duration,
		tokens:     tokens,
	}, nil
}

// Complete performs one blocking completion call. It never retries.
func (c *Client) Complete(ctx context.Context, reqBody ChatRequest) (*Completion, error) {
	ctx, span := c.tracer.Start(ctx, "completion_api_call",
		trace.WithAttributes(
			attribute.String("llm.model", reqBody.Model),
			attribute.Int("llm.messages", len(reqBody.Messages)),
		))
	defer span.End()

	completion, err := c.do(ctx, reqBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return completion, nil
}

func (c *Client) do(ctx context.Context, reqBody ChatRequest) (*Completion, error) {
	start := time.Now()

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("http.response.status_code", resp.StatusCode)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("completion endpoint returned an error",
			"status_code", resp.StatusCode,
			"status", resp.Status)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncateBody(body),
		}
	}

	var apiResp ChatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal response: %v", ErrRemoteAPI, err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrRemoteAPI)
	}

	c.recordUsage(ctx, apiResp.Usage)

	text := apiResp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyReply
	}

	c.logger.Debug("completion received",
		"model", apiResp.Model,
		"finish_reason", apiResp.Choices[0].FinishReason,
		"total_tokens", apiResp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return &Completion{
		Text:  text,
		Usage: apiResp.Usage,
		Model: apiResp.Model,
	}, nil
}

// recordUsage records OpenTelemetry metrics from usage data
func (c *Client) recordUsage(ctx context.Context, usage ChatUsage) {
	c.tokens["prompt_tokens"].Add(ctx, usage.PromptTokens)
	c.tokens["completion_tokens"].Add(ctx, usage.CompletionTokens)
	c.tokens["total_tokens"].Add(ctx, usage.TotalTokens)
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
