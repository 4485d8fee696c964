// Package llm wraps the hosted language model behind a small, failure-tolerant client.
package llm

import (
	"context"
	"time"
	"unicode/utf8"
)

// FinishReasonMaxTokens marks a reply that was cut off by the output token cap.
const FinishReasonMaxTokens = "MAX_TOKENS"

// ApologyText is the user-safe reply for any failed model call.
const ApologyText = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

// GenerationConfig holds per-call sampling parameters.
type GenerationConfig struct {
	Temperature     float32
	MaxOutputTokens int
}

// Metadata describes one model call.
type Metadata struct {
	ResponseTime   time.Duration `json:"responseTime"`
	Model          string        `json:"model"`
	TokensEstimate int           `json:"tokensEstimate"`
	FinishReason   string        `json:"finishReason"`
}

// AIResponse is the result of one model call. When Err is set, Text holds
// ApologyText and must not be treated as model output.
type AIResponse struct {
	Text     string
	Metadata Metadata
	Err      error
}

// Failed reports whether the call errored.
func (r AIResponse) Failed() bool {
	return r.Err != nil
}

// Truncated reports whether the model stopped at the token cap.
func (r AIResponse) Truncated() bool {
	return r.Metadata.FinishReason == FinishReasonMaxTokens
}

// Status is a coarse health state.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Health is the result of a probe call.
type Health struct {
	Status  Status        `json:"status"`
	Model   string        `json:"model"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Client talks to the model. Implementations never return Go errors from
// GenerateResponse; failures are reported through AIResponse.Err.
type Client interface {
	GenerateResponse(ctx context.Context, prompt string, cfg GenerationConfig) AIResponse
	HealthCheck(ctx context.Context) Health
}

// EstimateTokens approximates the token count of text as one token per four characters.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
