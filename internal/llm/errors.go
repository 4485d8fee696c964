package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// ErrorKind is a coarse category for model call failures.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindAuth          ErrorKind = "auth"
	KindRateLimit     ErrorKind = "rate_limit"
	KindTimeout       ErrorKind = "timeout"
	KindContextLength ErrorKind = "context_length"
	KindNotFound      ErrorKind = "model_not_found"
	KindConnection    ErrorKind = "connection"
	KindEmpty         ErrorKind = "empty"
	KindUnknown       ErrorKind = "unknown"
)

// ClassifyError maps an SDK or transport error to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, errNoCandidates) || errors.Is(err, errEmptyResponse) {
		return KindEmpty
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return KindAuth
		case http.StatusTooManyRequests:
			return KindRateLimit
		case http.StatusNotFound:
			return KindNotFound
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return KindTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden"):
		return KindAuth
	case containsAny(msg, "429", "rate limit", "quota", "too many requests", "resource_exhausted"):
		return KindRateLimit
	case containsAny(msg, "context length", "too many tokens", "token limit"):
		return KindContextLength
	case containsAny(msg, "model not found", "404", "not found"):
		return KindNotFound
	case containsAny(msg, "timeout", "deadline"):
		return KindTimeout
	case containsAny(msg, "connection", "eof", "dial", "refused"):
		return KindConnection
	}
	return KindUnknown
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
