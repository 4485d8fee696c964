package domain

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"
)

func TestSessionAppendKeepsMostRecentTurns(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	s := NewSession("s-1", Learner{}, now)

	for i := 0; i < 45; i++ {
		s.Append(Turn{Role: RoleUser, Text: strconv.Itoa(i), Timestamp: now.Add(time.Duration(i) * time.Second)})
		if len(s.History) > HistoryCap {
			t.Fatalf("history length %d exceeds cap after append %d", len(s.History), i)
		}
	}

	if s.MessageCount != 45 {
		t.Fatalf("expected message count 45, got %d", s.MessageCount)
	}
	for i, turn := range s.History {
		want := strconv.Itoa(45 - HistoryCap + i)
		if turn.Text != want {
			t.Fatalf("history[%d] = %q, want %q", i, turn.Text, want)
		}
	}
	if !s.LastActivity.Equal(now.Add(44 * time.Second)) {
		t.Fatalf("unexpected last activity: %v", s.LastActivity)
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	t.Parallel()

	s := NewSession("s-1", Learner{Name: "Ada"}, time.Now())
	s.Append(Turn{Role: RoleUser, Text: "hi", Timestamp: time.Now(), Metadata: map[string]any{"k": "v"}})

	c := s.Clone()
	c.History[0].Text = "changed"
	c.History[0].Metadata["k"] = "changed"
	c.Learner.Name = "Grace"

	if s.History[0].Text != "hi" || s.History[0].Metadata["k"] != "v" {
		t.Fatal("clone mutation leaked into original history")
	}
	if s.Learner.Name != "Ada" {
		t.Fatal("clone mutation leaked into original learner")
	}
}

func TestLearnerPatchApply(t *testing.T) {
	t.Parallel()

	name := "Ada"
	attempts := 3
	base := Learner{ID: "l-1", Progress: "module-2"}

	got := (&LearnerPatch{Name: &name, Attempts: &attempts}).Apply(base)
	want := Learner{ID: "l-1", Name: "Ada", Progress: "module-2", Attempts: 3}
	if got != want {
		t.Fatalf("Apply = %+v, want %+v", got, want)
	}

	var nilPatch *LearnerPatch
	if nilPatch.Apply(base) != base {
		t.Fatal("nil patch should leave learner untouched")
	}
}

func TestParseContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Context
		ok   bool
	}{
		{"help", ContextHelp, true},
		{" Learn_More ", ContextLearnMore, true},
		{"practice", ContextPractice, true},
		{"quiz_failed", ContextQuizFailed, true},
		{"summary", ContextSummary, true},
		{"general", ContextGeneral, true},
		{"nonexistent_tag", ContextGeneral, false},
		{"", ContextGeneral, false},
	}
	for _, tt := range tests {
		got, ok := ParseContext(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseContext(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestContextJSON(t *testing.T) {
	t.Parallel()

	var v struct {
		Context Context `json:"context"`
	}
	if err := json.Unmarshal([]byte(`{"context":"quiz_failed"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Context != ContextQuizFailed {
		t.Fatalf("expected quiz_failed, got %v", v.Context)
	}
	if err := json.Unmarshal([]byte(`{"context":"bogus"}`), &v); err == nil {
		t.Fatal("expected error for unknown context")
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"context":"quiz_failed"}` {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func TestInvalidContextFallsBackToGeneral(t *testing.T) {
	t.Parallel()

	c := Context(200)
	if c.Valid() {
		t.Fatal("expected out-of-range context to be invalid")
	}
	if c.String() != "general" || c.Index() != int(ContextGeneral) {
		t.Fatalf("expected general fallback, got %s/%d", c.String(), c.Index())
	}
}
