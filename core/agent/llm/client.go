package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/httputil"
	"triage_server/pkg/logger"
)

// =============================================================================
// Model provider client: local-first with hosted fallback
// =============================================================================

// Config wires the two OpenAI-compatible endpoints. The primary is expected
// to be a local runtime (Ollama, vLLM); the fallback a hosted API. An empty
// FallbackAPIKey disables the fallback.
type Config struct {
	PrimaryEndpoint  string
	PrimaryAPIKey    string
	PrimaryModel     string
	FallbackEndpoint string // empty = provider default
	FallbackAPIKey   string
	FallbackModel    string
	EmbeddingModel   string
	Timeout          time.Duration
	MaxTokens        int
	Temperature      float32
}

// Client routes completion requests to the primary endpoint and retries
// exactly once against the fallback when the primary fails. Responses are
// schema-validated before they count as success, so a malformed body from
// the primary also falls through to the fallback.
type Client struct {
	primary       *openai.Client
	primaryModel  string
	fallback      *openai.Client
	fallbackModel string
	embedClient   *openai.Client
	embedModel    string
	timeout       time.Duration
	maxTokens     int
	temperature   float32
	log           *logger.Logger
}

var (
	_ out.ModelProvider     = (*Client)(nil)
	_ out.EmbeddingProvider = (*Client)(nil)
)

// NewClient builds the client. Both endpoints share the pooled model HTTP
// client, which carries the long per-request timeouts completions need.
func NewClient(cfg Config) *Client {
	pc := openai.DefaultConfig(cfg.PrimaryAPIKey)
	if cfg.PrimaryEndpoint != "" {
		pc.BaseURL = strings.TrimSuffix(cfg.PrimaryEndpoint, "/")
	}
	pc.HTTPClient = httputil.ModelClient()

	c := &Client{
		primary:      openai.NewClientWithConfig(pc),
		primaryModel: cfg.PrimaryModel,
		embedModel:   cfg.EmbeddingModel,
		timeout:      cfg.Timeout,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		log:          logger.Default().WithField("component", "llm_client"),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}

	if cfg.FallbackAPIKey != "" {
		fc := openai.DefaultConfig(cfg.FallbackAPIKey)
		if cfg.FallbackEndpoint != "" {
			fc.BaseURL = strings.TrimSuffix(cfg.FallbackEndpoint, "/")
		}
		fc.HTTPClient = httputil.ModelClient()
		c.fallback = openai.NewClientWithConfig(fc)
		c.fallbackModel = cfg.FallbackModel
		// Embeddings go to the hosted endpoint; local runtimes rarely
		// serve the embedding model.
		c.embedClient = c.fallback
	} else {
		c.embedClient = c.primary
	}
	return c
}

// Complete runs the request against the primary, then once against the
// fallback when the primary fails in any way other than context
// cancellation. The returned error is the last attempt's typed error.
func (c *Client) Complete(ctx context.Context, req *out.CompletionRequest) (*out.CompletionResult, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, apperr.BadRequest("completion request has no messages")
	}

	type attempt struct {
		name   string
		client *openai.Client
		model  string
	}
	var attempts []attempt
	switch req.ForceProvider {
	case out.ForcePrimary:
		attempts = []attempt{{out.ForcePrimary, c.primary, c.primaryModel}}
	case out.ForceFallback:
		if c.fallback == nil {
			return nil, apperr.ConfigError("fallback model provider not configured")
		}
		attempts = []attempt{{out.ForceFallback, c.fallback, c.fallbackModel}}
	default:
		attempts = []attempt{{out.ForcePrimary, c.primary, c.primaryModel}}
		if c.fallback != nil {
			attempts = append(attempts, attempt{out.ForceFallback, c.fallback, c.fallbackModel})
		}
	}

	var lastErr error
	for i, a := range attempts {
		if ctx.Err() != nil {
			return nil, apperr.Timeout("model completion").WithError(ctx.Err())
		}
		res, err := c.complete(ctx, a.name, a.client, a.model, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if i < len(attempts)-1 {
			c.log.Warn("[Client.Complete] %s attempt failed, falling back: %v", a.name, err)
		}
	}
	return nil, lastErr
}

func (c *Client) complete(ctx context.Context, provider string, client *openai.Client, model string, req *out.CompletionRequest) (*out.CompletionResult, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, c.classifyError(provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.ExternalError("model:"+provider, fmt.Errorf("empty choice list"))
	}

	raw := []byte(StripFences(resp.Choices[0].Message.Content))
	if req.Validate != nil {
		if err := req.Validate(raw); err != nil {
			return nil, apperr.SchemaViolation(fmt.Sprintf("%s response rejected: %v", provider, err))
		}
	}

	return &out.CompletionResult{
		Raw:       raw,
		Provider:  provider,
		Model:     model,
		LatencyMS: latency,
	}, nil
}

// Embed vectorizes text via the embedding endpoint.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.BadRequest("cannot embed empty text")
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.embedClient.CreateEmbeddings(cctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, c.classifyError("embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, apperr.ExternalError("model:embedding", fmt.Errorf("empty embedding response"))
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) classifyError(provider string, err error) error {
	var apiErr *openai.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout("model:" + provider).WithError(err)
	case errors.As(err, &apiErr):
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return apperr.TransientTransport("model:"+provider, err)
		}
		return apperr.ExternalError("model:"+provider, err)
	default:
		return apperr.TransientTransport("model:"+provider, err)
	}
}

// StripFences removes a markdown code fence around a JSON payload. Local
// models wrap JSON in fences often enough that this runs on every response.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
