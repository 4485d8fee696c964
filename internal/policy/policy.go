// Package policy holds the static per-context generation settings and
// system prompt templates.
package policy

import (
	"strings"

	"github.com/ashureev/coursechat/internal/domain"
)

// TopicPlaceholder is replaced with the active topic in every template.
const TopicPlaceholder = "{topic}"

// AutoContinue controls whether truncated replies are extended.
type AutoContinue struct {
	Enabled               bool `yaml:"enabled"`
	MaxRounds             int  `yaml:"max_rounds"`
	ContinuationMaxTokens int  `yaml:"continuation_max_tokens"`
}

// Policy is the generation configuration bound to a context.
type Policy struct {
	Temperature     float32      `yaml:"temperature"`
	MaxOutputTokens int          `yaml:"max_output_tokens"`
	AutoContinue    AutoContinue `yaml:"auto_continue"`
}

// ContinuationTokens returns the per-round cap, falling back to the base cap.
func (p Policy) ContinuationTokens() int {
	if p.AutoContinue.ContinuationMaxTokens > 0 {
		return p.AutoContinue.ContinuationMaxTokens
	}
	return p.MaxOutputTokens
}

// Table maps every context to a policy and a system prompt template.
// It is immutable once built.
type Table struct {
	policies  [domain.NumContexts]Policy
	templates [domain.NumContexts]string
	keywords  map[string][]string
}

// Lookup returns the policy for c. Unknown contexts get the general policy.
func (t *Table) Lookup(c domain.Context) Policy {
	switch c {
	case domain.ContextHelp, domain.ContextLearnMore, domain.ContextPractice,
		domain.ContextQuizFailed, domain.ContextSummary:
		return t.policies[c.Index()]
	default:
		return t.policies[domain.ContextGeneral.Index()]
	}
}

// Template returns the raw system prompt template for c, falling back to general.
func (t *Table) Template(c domain.Context) string {
	if tpl := t.templates[c.Index()]; strings.TrimSpace(tpl) != "" {
		return tpl
	}
	return t.templates[domain.ContextGeneral.Index()]
}

// GeneralPrompt returns the general template with the topic placeholder removed.
func (t *Table) GeneralPrompt() string {
	return strings.ReplaceAll(t.templates[domain.ContextGeneral.Index()], TopicPlaceholder, "the current topic")
}

// TopicKeywords returns the configured topic keyword map. Callers must not modify it.
func (t *Table) TopicKeywords() map[string][]string {
	return t.keywords
}

// Default returns the built-in table.
func Default() *Table {
	t := &Table{keywords: map[string][]string{}}
	for _, c := range domain.AllContexts() {
		t.policies[c.Index()] = defaultPolicies[c]
		t.templates[c.Index()] = defaultTemplates[c]
	}
	return t
}

var defaultPolicies = map[domain.Context]Policy{
	domain.ContextHelp: {
		Temperature:     0.7,
		MaxOutputTokens: 1000,
		AutoContinue:    AutoContinue{Enabled: true, MaxRounds: 2, ContinuationMaxTokens: 800},
	},
	domain.ContextLearnMore: {
		Temperature:     0.8,
		MaxOutputTokens: 1500,
		AutoContinue:    AutoContinue{Enabled: true, MaxRounds: 3, ContinuationMaxTokens: 1000},
	},
	domain.ContextPractice: {
		Temperature:     0.6,
		MaxOutputTokens: 800,
	},
	domain.ContextQuizFailed: {
		Temperature:     0.7,
		MaxOutputTokens: 1000,
		AutoContinue:    AutoContinue{Enabled: true, MaxRounds: 2, ContinuationMaxTokens: 800},
	},
	domain.ContextSummary: {
		Temperature:     0.5,
		MaxOutputTokens: 1200,
		AutoContinue:    AutoContinue{Enabled: true, MaxRounds: 2, ContinuationMaxTokens: 1000},
	},
	domain.ContextGeneral: {
		Temperature:     0.7,
		MaxOutputTokens: 1000,
		AutoContinue:    AutoContinue{Enabled: true, MaxRounds: 2, ContinuationMaxTokens: 800},
	},
}

var defaultTemplates = map[domain.Context]string{
	domain.ContextHelp: `You are a patient course tutor helping a student who is stuck on {topic}.
Explain the concept step by step in plain language, point out common mistakes,
and finish with a short check-for-understanding question.`,
	domain.ContextLearnMore: `You are an enthusiastic course tutor. The student wants to go deeper into {topic}.
Offer richer explanations, real-world examples and connections to related ideas
within {topic}, while keeping the answer well structured with headings and lists.`,
	domain.ContextPractice: `You are a practice coach for {topic}.
Give the student one focused practice exercise at a time, wait for their attempt,
and give concise, encouraging feedback. Do not reveal full solutions unless asked.`,
	domain.ContextQuizFailed: `You are a supportive course tutor. The student has just failed a quiz on {topic}.
Be encouraging, identify the likely misunderstanding, re-explain the key ideas of {topic}
simply, and suggest how to prepare for the next attempt.`,
	domain.ContextSummary: `You are a course tutor producing a concise summary of {topic}.
Highlight the key points as a short bulleted list followed by one sentence on why they matter.`,
	domain.ContextGeneral: `You are a friendly and knowledgeable course tutor assisting a student with {topic}.
Answer clearly and accurately, use Markdown formatting, and keep the answer focused on the course material.`,
}
