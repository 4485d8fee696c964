package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/coursechat/internal/boundary"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/policy"
	"github.com/ashureev/coursechat/internal/prompt"
	"github.com/ashureev/coursechat/internal/session"
	"github.com/ashureev/coursechat/internal/store"
)

// fakeClient replays scripted responses; the last one repeats forever.
type fakeClient struct {
	mu      sync.Mutex
	script  []llm.AIResponse
	prompts []string
	configs []llm.GenerationConfig
}

func (f *fakeClient) GenerateResponse(_ context.Context, p string, cfg llm.GenerationConfig) llm.AIResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	f.configs = append(f.configs, cfg)
	i := len(f.prompts) - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i]
}

func (f *fakeClient) HealthCheck(context.Context) llm.Health {
	return llm.Health{Status: llm.StatusUp}
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func ok(text, reason string) llm.AIResponse {
	return llm.AIResponse{
		Text: text,
		Metadata: llm.Metadata{
			ResponseTime:   10 * time.Millisecond,
			Model:          "fake-model",
			TokensEstimate: llm.EstimateTokens(text),
			FinishReason:   reason,
		},
	}
}

func failed(err error) llm.AIResponse {
	return llm.AIResponse{Text: llm.ApologyText, Err: err}
}

// fixedValidator always returns the same result.
type fixedValidator struct {
	result boundary.Result
	texts  []string
}

func (v *fixedValidator) Validate(text, _ string) boundary.Result {
	v.texts = append(v.texts, text)
	return v.result
}

// recordingArchive keeps archived turns in memory.
type recordingArchive struct {
	store.Nop
	turns []store.TurnRecord
}

func (a *recordingArchive) ArchiveTurn(_ context.Context, rec store.TurnRecord) error {
	a.turns = append(a.turns, rec)
	return nil
}

type harness struct {
	orch     *Orchestrator
	client   *fakeClient
	sessions session.Store
	archive  *recordingArchive
}

func newHarness(t *testing.T, v Validator, script ...llm.AIResponse) *harness {
	t.Helper()
	sessions, err := session.NewStore(session.StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if v == nil {
		v = boundary.NewValidator(nil)
	}
	table := policy.Default()
	h := &harness{
		client:   &fakeClient{script: script},
		sessions: sessions,
		archive:  &recordingArchive{},
	}
	h.orch = NewOrchestrator(Deps{
		Sessions:  sessions,
		Policies:  table,
		Prompts:   prompt.NewAssembler(table, boundary.NewValidator(nil), nil),
		Validator: v,
		Client:    h.client,
		Archive:   h.archive,
	})
	return h
}

func TestScenarioFirstHelpMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, ok("A derivative measures change.", "STOP"))
	reply, err := h.orch.Respond(context.Background(), Request{
		Message:        "What is a derivative?",
		Topic:          "Calculus",
		Context:        domain.ContextHelp,
		IsFirstMessage: true,
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	if h.client.calls() != 1 {
		t.Fatalf("expected exactly one model call, got %d", h.client.calls())
	}
	if strings.Contains(h.client.prompts[0], "RECENT CONVERSATION CONTEXT") {
		t.Fatalf("first message prompt must not include history:\n%s", h.client.prompts[0])
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	md, _ := decoded["metadata"].(map[string]any)
	bc, _ := md["boundaryCheck"].(map[string]any)
	if _, present := bc["valid"]; !present {
		t.Fatalf("metadata.boundaryCheck.valid missing from %s", raw)
	}

	if reply.SessionID == "" || reply.Metadata.MessageCount != 2 {
		t.Fatalf("unexpected reply bookkeeping: %+v", reply)
	}
	if reply.Context != domain.ContextHelp || reply.Topic != "Calculus" {
		t.Fatalf("reply must echo context and topic: %+v", reply)
	}
	if len(h.archive.turns) != 2 || h.archive.turns[0].Role != domain.RoleUser {
		t.Fatalf("expected user and assistant turns archived, got %+v", h.archive.turns)
	}
}

func TestScenarioPracticeNeverContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, ok("Try this exercise", llm.FinishReasonMaxTokens))
	reply, err := h.orch.Respond(context.Background(), Request{
		Message: "Give me a drill",
		Topic:   "Loops",
		Context: domain.ContextPractice,
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if h.client.calls() != 1 {
		t.Fatalf("practice must not auto-continue, got %d calls", h.client.calls())
	}
	if reply.Metadata.ContinuationRounds != 0 || reply.Metadata.FinishReason != llm.FinishReasonMaxTokens {
		t.Fatalf("unexpected metadata: %+v", reply.Metadata)
	}
}

func TestScenarioBoundaryFailureRedirects(t *testing.T) {
	t.Parallel()

	v := &fixedValidator{result: boundary.Result{Valid: false, Confidence: 0}}
	h := newHarness(t, v,
		ok("Here is a recipe for pancakes.", "STOP"),
		ok("Let's get back to fractions. What would you like to know about adding them?", "STOP"),
	)
	reply, err := h.orch.Respond(context.Background(), Request{
		Message: "How do I cook pancakes?",
		Topic:   "Fractions",
		Context: domain.ContextGeneral,
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	want := "Let's get back to fractions. What would you like to know about adding them?"
	if reply.Reply != want {
		t.Fatalf("reply = %q, want redirect text %q", reply.Reply, want)
	}
	if strings.Contains(reply.Reply, "pancakes") {
		t.Fatal("off-topic text leaked into the reply")
	}
	if !reply.Metadata.Redirected || reply.Metadata.BoundaryCheck.Valid {
		t.Fatalf("unexpected metadata: %+v", reply.Metadata)
	}
	if h.client.calls() != 2 || len(v.texts) != 1 {
		t.Fatalf("expected 2 model calls and one validation, got %d and %d", h.client.calls(), len(v.texts))
	}
}

func TestRedirectFailureKeepsOriginal(t *testing.T) {
	t.Parallel()

	v := &fixedValidator{result: boundary.Result{Valid: false}}
	h := newHarness(t, v, ok("Original answer.", "STOP"), failed(errors.New("boom")))
	reply, err := h.orch.Respond(context.Background(), Request{Message: "q", Topic: "t", Context: domain.ContextGeneral})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.Reply != "Original answer." || reply.Metadata.Redirected {
		t.Fatalf("expected original reply kept, got %+v", reply)
	}
}

func TestContinuationBound(t *testing.T) {
	t.Parallel()

	for _, c := range domain.AllContexts() {
		pol := policy.Default().Lookup(c)
		h := newHarness(t, nil, ok("chunk", llm.FinishReasonMaxTokens))
		reply, err := h.orch.Respond(context.Background(), Request{Message: "q", Topic: "t", Context: c})
		if err != nil {
			t.Fatalf("%s: Respond failed: %v", c, err)
		}

		maxCalls := 1
		if pol.AutoContinue.Enabled {
			maxCalls += pol.AutoContinue.MaxRounds
		}
		if h.client.calls() != maxCalls {
			t.Fatalf("%s: expected %d calls, got %d", c, maxCalls, h.client.calls())
		}
		if reply.Metadata.ContinuationRounds != maxCalls-1 {
			t.Fatalf("%s: expected %d rounds, got %d", c, maxCalls-1, reply.Metadata.ContinuationRounds)
		}
		wantText := strings.Repeat("chunk\n\n", maxCalls-1) + "chunk"
		if reply.Reply != wantText {
			t.Fatalf("%s: reply = %q, want %q", c, reply.Reply, wantText)
		}
	}
}

func TestContinuationEarlyExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil,
		ok("part one", llm.FinishReasonMaxTokens),
		ok("part two", "STOP"),
		ok("part three", llm.FinishReasonMaxTokens),
	)
	reply, err := h.orch.Respond(context.Background(), Request{Message: "How does a for loop end?", Topic: "Loops", Context: domain.ContextLearnMore})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if h.client.calls() != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", h.client.calls())
	}
	if reply.Reply != "part one\n\npart two" || reply.Metadata.FinishReason != "STOP" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	cont := h.client.prompts[1]
	if !strings.Contains(cont, "part one") || !strings.Contains(cont, "Do not repeat") || !strings.Contains(cont, "Loops") ||
		!strings.Contains(cont, "How does a for loop end?") {
		t.Fatalf("continuation prompt missing pieces:\n%s", cont)
	}
	if got := h.client.configs[1].MaxOutputTokens; got != 1000 {
		t.Fatalf("continuation should use the continuation cap, got %d", got)
	}
	if got := h.client.configs[0].MaxOutputTokens; got != 1500 {
		t.Fatalf("primary call should use the base cap, got %d", got)
	}
}

func TestContinuationFailureKeepsPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil,
		ok("partial answer", llm.FinishReasonMaxTokens),
		failed(context.DeadlineExceeded),
	)
	reply, err := h.orch.Respond(context.Background(), Request{Message: "q", Topic: "t", Context: domain.ContextHelp})
	if err != nil {
		t.Fatalf("continuation failure must not fail the turn: %v", err)
	}
	if reply.Reply != "partial answer" || reply.Metadata.ContinuationRounds != 0 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if h.client.calls() != 2 {
		t.Fatalf("expected loop to stop after the failed call, got %d calls", h.client.calls())
	}
}

func TestPrimaryFailureIsTurnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, failed(errors.New("upstream 500: internal details")))
	ctx := context.Background()

	first, err := h.orch.Respond(ctx, Request{Message: "hi", Topic: "t", Context: domain.ContextHelp})
	if first != nil {
		t.Fatalf("expected no reply, got %+v", first)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("expected *TurnError, got %T: %v", err, err)
	}
	if turnErr.Reply != llm.ApologyText || strings.Contains(turnErr.Reply, "internal details") {
		t.Fatalf("reply must be the apology text, got %q", turnErr.Reply)
	}
	if turnErr.SessionID == "" {
		t.Fatal("session id must be preserved for retry")
	}

	stats, found := h.sessions.Stats(ctx, turnErr.SessionID)
	if !found {
		t.Fatal("session must remain valid after a failed turn")
	}
	if stats.MessageCount != 0 {
		t.Fatalf("failed turn must not append history, got %d messages", stats.MessageCount)
	}
}

func TestEmptyPrimaryReplyIsTurnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, ok("", "SAFETY"))
	ctx := context.Background()

	reply, err := h.orch.Respond(ctx, Request{Message: "hi", Topic: "t", Context: domain.ContextGeneral})
	if reply != nil {
		t.Fatalf("expected no reply, got %+v", reply)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || !errors.Is(err, errEmptyReply) {
		t.Fatalf("expected *TurnError wrapping errEmptyReply, got %T: %v", err, err)
	}
	if turnErr.Reply != llm.ApologyText {
		t.Fatalf("reply must be the apology text, got %q", turnErr.Reply)
	}
	if h.client.calls() != 1 {
		t.Fatalf("empty reply must not continue or redirect, got %d calls", h.client.calls())
	}
	if stats, _ := h.sessions.Stats(ctx, turnErr.SessionID); stats.MessageCount != 0 {
		t.Fatalf("empty reply must not append history, got %d messages", stats.MessageCount)
	}
	if len(h.archive.turns) != 0 {
		t.Fatalf("empty reply must not be archived, got %d turns", len(h.archive.turns))
	}
}

func TestSecondTurnQuotesHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, ok("First answer.", "STOP"))
	ctx := context.Background()
	name := "Ada"

	first, err := h.orch.Respond(ctx, Request{
		Message:        "first question",
		Topic:          "Graphs",
		Context:        domain.ContextHelp,
		Learner:        &domain.LearnerPatch{Name: &name},
		IsFirstMessage: true,
	})
	if err != nil {
		t.Fatalf("first Respond failed: %v", err)
	}
	second, err := h.orch.Respond(ctx, Request{
		Message:   "second question",
		Topic:     "Graphs",
		Context:   domain.ContextSummary,
		SessionID: first.SessionID,
	})
	if err != nil {
		t.Fatalf("second Respond failed: %v", err)
	}

	if second.SessionID != first.SessionID {
		t.Fatalf("expected session reuse, got %q then %q", first.SessionID, second.SessionID)
	}
	p := h.client.prompts[1]
	for _, want := range []string{"RECENT CONVERSATION CONTEXT:", "Student: first question", "Assistant: First answer.", "- Name: Ada"} {
		if !strings.Contains(p, want) {
			t.Errorf("second prompt missing %q:\n%s", want, p)
		}
	}

	stats, _ := h.sessions.Stats(ctx, first.SessionID)
	want := domain.SessionStats{
		MessageCount:       4,
		ConversationLength: 4,
		CurrentTopic:       "Graphs",
		CurrentContext:     domain.ContextSummary,
	}
	got := stats
	got.Duration, got.LastActivity = 0, time.Time{}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if second.Metadata.MessageCount != 4 {
		t.Fatalf("expected message count 4, got %d", second.Metadata.MessageCount)
	}
}

func TestReplyIsNormalized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, ok("# Title\n* one\n* two\n```go\nx := 1", "STOP"))
	reply, err := h.orch.Respond(context.Background(), Request{Message: "q", Topic: "t", Context: domain.ContextGeneral})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	want := "# Title\n\n- one\n- two\n\n```go\nx := 1\n```"
	if reply.Reply != want {
		t.Fatalf("reply = %q, want %q", reply.Reply, want)
	}
}

func TestAccumulate(t *testing.T) {
	t.Parallel()

	d := newDraft(ok("abcd", llm.FinishReasonMaxTokens))
	ac := policy.AutoContinue{Enabled: true, MaxRounds: 2}
	if !d.shouldContinue(ac) {
		t.Fatal("truncated draft should continue")
	}

	next := accumulate(d, ok("efgh", llm.FinishReasonMaxTokens))
	if d.text != "abcd" || d.rounds != 0 {
		t.Fatal("accumulate must not mutate its input")
	}
	if next.text != "abcd\n\nefgh" || next.rounds != 1 || next.tokens != 3 {
		t.Fatalf("unexpected accumulated draft: %+v", next)
	}

	next = accumulate(next, ok("ijkl", llm.FinishReasonMaxTokens))
	if next.shouldContinue(ac) {
		t.Fatal("round cap reached, must stop")
	}

	empty := accumulate(d, ok("   ", "STOP"))
	if !empty.stopped || empty.text != "abcd" || empty.shouldContinue(ac) {
		t.Fatalf("empty continuation must stop and keep text: %+v", empty)
	}

	if d.shouldContinue(policy.AutoContinue{Enabled: false, MaxRounds: 5}) {
		t.Fatal("disabled policy must not continue")
	}
}
