package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/coursechat/internal/domain"
)

func TestLookupUnknownTagReturnsGeneral(t *testing.T) {
	t.Parallel()

	table := Default()
	c, ok := domain.ParseContext("nonexistent_tag")
	if ok {
		t.Fatal("expected nonexistent_tag to be unknown")
	}

	general := table.Lookup(domain.ContextGeneral)
	if diff := cmp.Diff(general, table.Lookup(c)); diff != "" {
		t.Fatalf("unknown tag policy mismatch (-general +got):\n%s", diff)
	}
	if diff := cmp.Diff(general, table.Lookup(domain.Context(99))); diff != "" {
		t.Fatalf("out-of-range context policy mismatch (-general +got):\n%s", diff)
	}
}

func TestDefaultPracticeDisablesAutoContinue(t *testing.T) {
	t.Parallel()

	p := Default().Lookup(domain.ContextPractice)
	if p.AutoContinue.Enabled {
		t.Fatal("practice must not auto-continue")
	}
	if p.ContinuationTokens() != p.MaxOutputTokens {
		t.Fatalf("expected continuation cap to fall back to %d, got %d", p.MaxOutputTokens, p.ContinuationTokens())
	}
}

func TestEveryContextHasTemplate(t *testing.T) {
	t.Parallel()

	table := Default()
	for _, c := range domain.AllContexts() {
		if !strings.Contains(table.Template(c), TopicPlaceholder) {
			t.Errorf("template for %s is missing the topic placeholder", c)
		}
	}
	if strings.Contains(table.GeneralPrompt(), TopicPlaceholder) {
		t.Fatal("general prompt should not carry the raw placeholder")
	}
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	data := []byte(`
policies:
  practice:
    temperature: 0.3
    max_output_tokens: 500
    auto_continue:
      enabled: true
      max_rounds: 1
templates:
  summary: "Summarize {topic} in three bullets."
topic_keywords:
  " Photosynthesis ": [chlorophyll, " light ", ""]
`)
	table, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := Policy{Temperature: 0.3, MaxOutputTokens: 500, AutoContinue: AutoContinue{Enabled: true, MaxRounds: 1}}
	if diff := cmp.Diff(want, table.Lookup(domain.ContextPractice)); diff != "" {
		t.Fatalf("practice policy mismatch (-want +got):\n%s", diff)
	}
	if got := table.Template(domain.ContextSummary); got != "Summarize {topic} in three bullets." {
		t.Fatalf("unexpected summary template: %q", got)
	}
	if diff := cmp.Diff([]string{"chlorophyll", "light"}, table.TopicKeywords()["photosynthesis"]); diff != "" {
		t.Fatalf("keyword mismatch (-want +got):\n%s", diff)
	}
	// Untouched contexts keep defaults.
	if diff := cmp.Diff(Default().Lookup(domain.ContextHelp), table.Lookup(domain.ContextHelp)); diff != "" {
		t.Fatalf("help policy should be default (-want +got):\n%s", diff)
	}
}

func TestParseRejectsUnknownContext(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("policies:\n  bogus:\n    temperature: 0.5\n    max_output_tokens: 10\n"))
	if !errors.Is(err, domain.ErrUnknownContext) {
		t.Fatalf("expected ErrUnknownContext, got %v", err)
	}
}

func TestParseRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("policies:\n  help:\n    temperature: 0.5\n    max_output_tokens: 0\n"))
	if !errors.Is(err, errInvalidPolicy) {
		t.Fatalf("expected errInvalidPolicy, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	table, err := LoadFile("")
	if err != nil || table == nil {
		t.Fatalf("empty path should return defaults, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte("templates:\n  general: \"Hello {topic}\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err = LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if table.Template(domain.ContextGeneral) != "Hello {topic}" {
		t.Fatalf("unexpected general template: %q", table.Template(domain.ContextGeneral))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
