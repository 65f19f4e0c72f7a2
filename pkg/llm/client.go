// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints. Any server speaking the /chat/completions wire format works
// (OpenAI, Azure OpenAI, vLLM, Ollama).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"invoice-approval/pkg/metrics"
	"invoice-approval/pkg/otel"

	"go.opentelemetry.io/otel/attribute"
)

var ErrEmptyResponse = errors.New("llm: response carried no choices")

// Request is one system + user exchange.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// JSON asks the server for a single JSON object reply.
	JSON bool
	// Purpose labels latency metrics, e.g. "approval", "doc_type".
	Purpose string
}

// Completer is implemented by Client and by test fakes.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// APIError is a non-2xx answer from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a later attempt may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient returns a client for baseURL, e.g. https://api.openai.com/v1.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends req and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, req Request) (content string, err error) {
	ctx, span := otel.Span(ctx, "llm.complete",
		attribute.String("llm.model", req.Model),
		attribute.String("llm.purpose", req.Purpose),
	)
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordLLMCallLatency(req.Purpose, status, time.Since(start))
		otel.End(span, err)
	}()

	wire := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, chatMessage{Role: "system", Content: req.System})
	}
	wire.Messages = append(wire.Messages, chatMessage{Role: "user", Content: req.User})
	if req.JSON {
		wire.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	b, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}
