// Package boundary scores generated replies against per-topic keyword lists.
package boundary

import (
	"strings"
)

const (
	// NeutralConfidence is reported when a topic has no keywords configured.
	NeutralConfidence = 0.5
	// Threshold is the confidence a reply must exceed to be considered on-topic.
	Threshold = 0.2
)

// Result is the outcome of a boundary check.
type Result struct {
	Valid           bool     `json:"valid"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matchedKeywords,omitempty"`
}

// Validator checks replies against topic keywords.
// An empty keyword map makes every check pass.
type Validator struct {
	keywords map[string][]string
}

// NewValidator creates a validator over topic -> keywords.
// Topic keys are matched case-insensitively.
func NewValidator(keywords map[string][]string) *Validator {
	normalized := make(map[string][]string, len(keywords))
	for topic, words := range keywords {
		normalized[normalizeTopic(topic)] = words
	}
	return &Validator{keywords: normalized}
}

// Keywords returns the keyword list for topic, or nil.
func (v *Validator) Keywords(topic string) []string {
	if v == nil {
		return nil
	}
	return v.keywords[normalizeTopic(topic)]
}

// Validate scores text for topic.
func (v *Validator) Validate(text, topic string) Result {
	words := v.Keywords(topic)
	if len(words) == 0 {
		return Result{Valid: true, Confidence: NeutralConfidence}
	}

	lower := strings.ToLower(text)
	var matched []string
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			matched = append(matched, w)
		}
	}

	confidence := float64(len(matched)) / float64(len(words))
	return Result{
		Valid:           confidence > Threshold,
		Confidence:      confidence,
		MatchedKeywords: matched,
	}
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
