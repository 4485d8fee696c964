// Package chat runs one learner turn end to end: prompt, model calls,
// continuation, topic check, redirect and session bookkeeping.
package chat

import (
	"fmt"

	"github.com/ashureev/coursechat/internal/domain"
)

// Request is one validated inbound chat message.
type Request struct {
	Message        string
	Topic          string
	Context        domain.Context
	SessionID      string
	Learner        *domain.LearnerPatch
	IsFirstMessage bool
}

// BoundaryCheck is the topic check result reported to the caller.
type BoundaryCheck struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
}

// Metadata describes how a reply was produced. Times are in milliseconds.
type Metadata struct {
	ResponseTime       int64         `json:"responseTime"`
	AIResponseTime     int64         `json:"aiResponseTime"`
	MessageCount       int           `json:"messageCount"`
	BoundaryCheck      BoundaryCheck `json:"boundaryCheck"`
	ContinuationRounds int           `json:"continuationRounds"`
	FinishReason       string        `json:"finishReason,omitempty"`
	Model              string        `json:"model,omitempty"`
	TokensEstimate     int           `json:"tokensEstimate"`
	Redirected         bool          `json:"redirected"`
}

// Reply is the successful result of a turn.
type Reply struct {
	Reply     string         `json:"reply"`
	SessionID string         `json:"sessionId"`
	Context   domain.Context `json:"context"`
	Topic     string         `json:"topic"`
	Metadata  Metadata       `json:"metadata"`
}

// TurnError is returned when a turn cannot produce a reply. Reply always
// holds user-safe text and SessionID stays valid for a retry.
type TurnError struct {
	SessionID string
	Message   string
	Reply     string
	Err       error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
