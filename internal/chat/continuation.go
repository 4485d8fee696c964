package chat

import (
	"strings"
	"time"

	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/policy"
)

// draft is the reply accumulated across the primary call and any
// continuation rounds. It is only ever replaced, never mutated.
type draft struct {
	text         string
	tokens       int
	finishReason string
	model        string
	rounds       int
	aiTime       time.Duration
	stopped      bool
}

func newDraft(resp llm.AIResponse) draft {
	return draft{
		text:         resp.Text,
		tokens:       resp.Metadata.TokensEstimate,
		finishReason: resp.Metadata.FinishReason,
		model:        resp.Metadata.Model,
		aiTime:       resp.Metadata.ResponseTime,
	}
}

// accumulate folds one continuation result into d. A failed or empty
// continuation stops the loop and keeps what was accumulated.
func accumulate(d draft, resp llm.AIResponse) draft {
	d.aiTime += resp.Metadata.ResponseTime
	if resp.Failed() || strings.TrimSpace(resp.Text) == "" {
		d.stopped = true
		return d
	}
	d.text = d.text + "\n\n" + resp.Text
	d.tokens = llm.EstimateTokens(d.text)
	d.finishReason = resp.Metadata.FinishReason
	d.rounds++
	return d
}

// shouldContinue reports whether another continuation round is allowed.
func (d draft) shouldContinue(ac policy.AutoContinue) bool {
	return ac.Enabled &&
		!d.stopped &&
		d.finishReason == llm.FinishReasonMaxTokens &&
		d.rounds < ac.MaxRounds
}

func continuationPrompt(accumulated, question, topic string) string {
	return "Continue the response below exactly where it stopped. " +
		"Do not repeat anything that has already been written. " +
		"Stay focused on " + topic + " and on the student's question.\n\n" +
		"STUDENT QUESTION:\n" + question + "\n\n" +
		"RESPONSE SO FAR:\n" + accumulated
}

func redirectPrompt(message, topic string) string {
	return "The student asked: \"" + message + "\"\n\n" +
		"That question drifts away from " + topic + ". " +
		"Politely redirect the student back to " + topic +
		" and suggest one related question about " + topic + " they could ask instead."
}
