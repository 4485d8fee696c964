package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coursechat/internal/boundary"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/markdown"
	"github.com/ashureev/coursechat/internal/metrics"
	"github.com/ashureev/coursechat/internal/policy"
	"github.com/ashureev/coursechat/internal/prompt"
	"github.com/ashureev/coursechat/internal/session"
	"github.com/ashureev/coursechat/internal/store"
)

const (
	purposePrimary      = "primary"
	purposeContinuation = "continuation"
	purposeRedirect     = "redirect"
)

var (
	errSessionUnavailable = errors.New("session store unavailable")
	errEmptyReply         = errors.New("model returned an empty reply")
)

// Policies looks up generation parameters by context.
type Policies interface {
	Lookup(c domain.Context) policy.Policy
}

// PromptBuilder turns a turn's inputs into prompt text.
type PromptBuilder interface {
	Build(in prompt.Input) string
}

// Validator scores a reply against its topic.
type Validator interface {
	Validate(text, topic string) boundary.Result
}

// Deps are the collaborators of an Orchestrator. Archive, Metrics and
// Logger are optional.
type Deps struct {
	Sessions  session.Store
	Policies  Policies
	Prompts   PromptBuilder
	Validator Validator
	Client    llm.Client
	Archive   store.Archive
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator drives one chat turn.
type Orchestrator struct {
	sessions  session.Store
	policies  Policies
	prompts   PromptBuilder
	validator Validator
	client    llm.Client
	archive   store.Archive
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires an orchestrator from deps.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		sessions:  deps.Sessions,
		policies:  deps.Policies,
		prompts:   deps.Prompts,
		validator: deps.Validator,
		client:    deps.Client,
		archive:   deps.Archive,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Respond runs one turn. The only error it returns is *TurnError.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Reply, error) {
	start := o.now()
	logger := o.logger.With("context", req.Context, "topic", req.Topic)

	sess, err := o.sessions.GetOrCreate(ctx, req.SessionID, req.Learner)
	if err != nil {
		logger.Error("Session lookup failed", "session_id", req.SessionID, "error", err)
		o.metrics.Turn(req.Context.String(), "error", o.now().Sub(start))
		return nil, &TurnError{
			SessionID: req.SessionID,
			Message:   "Failed to generate response",
			Reply:     llm.ApologyText,
			Err:       errors.Join(errSessionUnavailable, err),
		}
	}
	logger = logger.With("session_id", sess.ID)
	o.sessions.UpdateContext(ctx, sess.ID, req.Topic, req.Context)

	// Drafting
	pol := o.policies.Lookup(req.Context)
	promptText := o.prompts.Build(prompt.Input{
		Message:        req.Message,
		Topic:          req.Topic,
		Context:        req.Context,
		Learner:        sess.Learner,
		History:        sess.History,
		IsFirstMessage: req.IsFirstMessage,
	})

	// AwaitingModel
	primary := o.call(ctx, purposePrimary, promptText, llm.GenerationConfig{
		Temperature:     pol.Temperature,
		MaxOutputTokens: pol.MaxOutputTokens,
	})
	if !primary.Failed() && strings.TrimSpace(primary.Text) == "" {
		primary.Err = errEmptyReply
	}
	if primary.Failed() {
		logger.Error("Primary model call failed", "error", primary.Err, "finish_reason", primary.Metadata.FinishReason)
		o.metrics.Turn(req.Context.String(), "error", o.now().Sub(start))
		return nil, &TurnError{
			SessionID: sess.ID,
			Message:   "Failed to generate response",
			Reply:     llm.ApologyText,
			Err:       primary.Err,
		}
	}

	// Continuing
	d := o.continueDraft(ctx, logger, newDraft(primary), req, pol)
	o.metrics.ContinuationRounds(req.Context.String(), d.rounds)

	// Validating
	check := o.validator.Validate(d.text, req.Topic)
	o.metrics.BoundaryCheck(check.Valid)

	// Redirecting
	redirected := false
	if !check.Valid {
		logger.Warn("Reply failed topic boundary check, redirecting", "confidence", check.Confidence)
		d, redirected = o.redirect(ctx, logger, d, req, pol)
	}

	// Done
	text := markdown.Normalize(d.text)
	messageCount := o.record(ctx, logger, sess, req, text, d, check, redirected)

	reply := &Reply{
		Reply:     text,
		SessionID: sess.ID,
		Context:   req.Context,
		Topic:     req.Topic,
		Metadata: Metadata{
			ResponseTime:       o.now().Sub(start).Milliseconds(),
			AIResponseTime:     d.aiTime.Milliseconds(),
			MessageCount:       messageCount,
			BoundaryCheck:      BoundaryCheck{Valid: check.Valid, Confidence: check.Confidence},
			ContinuationRounds: d.rounds,
			FinishReason:       d.finishReason,
			Model:              d.model,
			TokensEstimate:     d.tokens,
			Redirected:         redirected,
		},
	}
	o.metrics.Turn(req.Context.String(), "ok", o.now().Sub(start))
	logger.Info("Chat turn completed",
		"rounds", d.rounds,
		"finish_reason", d.finishReason,
		"redirected", redirected,
		"tokens", d.tokens)
	return reply, nil
}

// continueDraft extends a truncated reply while the policy allows it.
func (o *Orchestrator) continueDraft(ctx context.Context, logger *slog.Logger, d draft, req Request, pol policy.Policy) draft {
	cfg := llm.GenerationConfig{
		Temperature:     pol.Temperature,
		MaxOutputTokens: pol.ContinuationTokens(),
	}
	for d.shouldContinue(pol.AutoContinue) {
		resp := o.call(ctx, purposeContinuation, continuationPrompt(d.text, req.Message, req.Topic), cfg)
		d = accumulate(d, resp)
		if d.stopped {
			logger.Warn("Continuation stopped, keeping partial reply",
				"round", d.rounds+1,
				"error", resp.Err)
		}
	}
	return d
}

// redirect replaces an off-topic reply with a single redirect call.
// A failed redirect keeps the original text.
func (o *Orchestrator) redirect(ctx context.Context, logger *slog.Logger, d draft, req Request, pol policy.Policy) (draft, bool) {
	resp := o.call(ctx, purposeRedirect, redirectPrompt(req.Message, req.Topic), llm.GenerationConfig{
		Temperature:     pol.Temperature,
		MaxOutputTokens: pol.MaxOutputTokens,
	})
	d.aiTime += resp.Metadata.ResponseTime
	if resp.Failed() || resp.Text == "" {
		logger.Warn("Redirect call failed, keeping original reply", "error", resp.Err)
		return d, false
	}
	o.metrics.Redirect()
	d.text = resp.Text
	d.tokens = llm.EstimateTokens(resp.Text)
	d.finishReason = resp.Metadata.FinishReason
	return d, true
}

func (o *Orchestrator) call(ctx context.Context, purpose, promptText string, cfg llm.GenerationConfig) llm.AIResponse {
	resp := o.client.GenerateResponse(ctx, promptText, cfg)
	outcome := "ok"
	if resp.Failed() {
		outcome = string(llm.ClassifyError(resp.Err))
	}
	o.metrics.ModelCall(purpose, outcome, resp.Metadata.ResponseTime)
	return resp
}

// record appends both turns to the session, archives them and returns the
// session's message count.
func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, sess *domain.Session, req Request, text string, d draft, check boundary.Result, redirected bool) int {
	userMeta := map[string]any{
		"context": req.Context.String(),
		"topic":   req.Topic,
	}
	assistantMeta := map[string]any{
		"context":            req.Context.String(),
		"topic":              req.Topic,
		"finishReason":       d.finishReason,
		"continuationRounds": d.rounds,
		"boundaryValid":      check.Valid,
		"redirected":         redirected,
	}

	if !o.sessions.AddMessage(ctx, sess.ID, domain.RoleUser, req.Message, userMeta) {
		logger.Warn("Session vanished before user turn was stored")
	}
	if !o.sessions.AddMessage(ctx, sess.ID, domain.RoleAssistant, text, assistantMeta) {
		logger.Warn("Session vanished before assistant turn was stored")
	}

	if o.archive != nil {
		now := o.now()
		for _, rec := range []store.TurnRecord{
			{SessionID: sess.ID, Role: domain.RoleUser, Text: req.Message, Topic: req.Topic, Context: req.Context, Metadata: userMeta, CreatedAt: now},
			{SessionID: sess.ID, Role: domain.RoleAssistant, Text: text, Topic: req.Topic, Context: req.Context, Metadata: assistantMeta, CreatedAt: now},
		} {
			if err := o.archive.ArchiveTurn(ctx, rec); err != nil {
				logger.Warn("Failed to archive turn", "role", rec.Role, "error", err)
			}
		}
	}

	if stats, ok := o.sessions.Stats(ctx, sess.ID); ok {
		return stats.MessageCount
	}
	return sess.MessageCount + 2
}
