package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.0-flash"
	// DefaultTimeout bounds each model call.
	DefaultTimeout = 25 * time.Second

	healthPrompt    = "Reply with the single word OK."
	healthMaxTokens = 10
)

var (
	errMissingAPIKey = errors.New("gemini api key is required")
	errNoCandidates  = errors.New("model returned no candidates")
	errEmptyResponse = errors.New("model returned empty text")
)

// generator is the slice of the genai SDK the client depends on.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// GeminiClient implements Client over the Google GenAI SDK.
type GeminiClient struct {
	gen     generator
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGeminiClient creates a client for the Gemini API.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiClient(client.Models, cfg), nil
}

func newGeminiClient(gen generator, cfg GeminiConfig) *GeminiClient {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GeminiClient{gen: gen, model: cfg.Model, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// GenerateResponse sends prompt to the model with a per-call timeout.
func (c *GeminiClient) GenerateResponse(ctx context.Context, prompt string, cfg GenerationConfig) AIResponse {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	gcfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(cfg.Temperature),
	}
	if cfg.MaxOutputTokens > 0 {
		gcfg.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}

	resp, err := c.gen.GenerateContent(ctx, c.model, genai.Text(prompt), gcfg)
	elapsed := time.Since(start)
	if err == nil && (resp == nil || len(resp.Candidates) == 0) {
		err = errNoCandidates
	}

	var text, finishReason string
	if err == nil {
		text = resp.Text()
		finishReason = string(resp.Candidates[0].FinishReason)
		// Blocked candidates (SAFETY, RECITATION) carry no parts.
		if strings.TrimSpace(text) == "" {
			err = fmt.Errorf("%w (finish reason %s)", errEmptyResponse, finishReason)
		}
	}
	if err != nil {
		c.logger.Error("Model call failed",
			"model", c.model,
			"kind", ClassifyError(err),
			"finish_reason", finishReason,
			"duration", elapsed,
			"error", err)
		return AIResponse{
			Text:     ApologyText,
			Metadata: Metadata{ResponseTime: elapsed, Model: c.model, FinishReason: finishReason},
			Err:      err,
		}
	}

	return AIResponse{
		Text: text,
		Metadata: Metadata{
			ResponseTime:   elapsed,
			Model:          c.model,
			TokensEstimate: EstimateTokens(text),
			FinishReason:   finishReason,
		},
	}
}

// HealthCheck sends a tiny probe prompt.
func (c *GeminiClient) HealthCheck(ctx context.Context) Health {
	resp := c.GenerateResponse(ctx, healthPrompt, GenerationConfig{MaxOutputTokens: healthMaxTokens})
	h := Health{Model: c.model, Latency: resp.Metadata.ResponseTime}
	switch {
	case ClassifyError(resp.Err) == KindEmpty:
		h.Status = StatusDegraded
		h.Error = string(KindEmpty)
	case resp.Failed():
		h.Status = StatusDown
		h.Error = string(ClassifyError(resp.Err))
	default:
		h.Status = StatusUp
	}
	return h
}
