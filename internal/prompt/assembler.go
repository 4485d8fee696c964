// Package prompt composes the text prompt sent to the model for one chat turn.
package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/policy"
)

const (
	// RecentTurns is how many history turns are quoted back to the model.
	RecentTurns = 3
	// MaxQuotedChars caps each quoted turn.
	MaxQuotedChars = 200

	sectionSeparator = "\n\n"
	ellipsis         = "..."
	fallbackGeneral  = "You are a helpful course assistant."
)

var errEmptyTemplate = errors.New("empty system prompt template")

// Templates supplies the per-context system prompts.
type Templates interface {
	Template(c domain.Context) string
	GeneralPrompt() string
}

// Keywords supplies the keyword list for a topic.
type Keywords interface {
	Keywords(topic string) []string
}

// Input is everything the assembler needs for one turn.
type Input struct {
	Message        string
	Topic          string
	Context        domain.Context
	Learner        domain.Learner
	History        []domain.Turn
	IsFirstMessage bool
}

// Bundle is the assembled prompt, one field per section.
type Bundle struct {
	System   string
	Learner  string
	Boundary string
	History  string
	Question string
}

// String joins the non-empty sections with blank lines.
func (b Bundle) String() string {
	sections := make([]string, 0, 5)
	for _, s := range []string{b.System, b.Learner, b.Boundary, b.History, b.Question} {
		if s != "" {
			sections = append(sections, s)
		}
	}
	return strings.Join(sections, sectionSeparator)
}

// Assembler builds prompts. It is safe for concurrent use.
type Assembler struct {
	templates Templates
	keywords  Keywords
	logger    *slog.Logger
}

// NewAssembler creates an assembler. A nil logger uses slog.Default().
func NewAssembler(templates Templates, keywords Keywords, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{templates: templates, keywords: keywords, logger: logger}
}

// Build returns the full prompt for in. It never panics; any assembly
// failure yields the minimal general prompt instead.
func (a *Assembler) Build(in Input) (out string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("Prompt assembly panicked, using fallback",
				"topic", in.Topic, "context", in.Context, "panic", r)
			out = a.fallback(in)
		}
	}()

	bundle, err := a.assemble(in)
	if err != nil {
		a.logger.Warn("Prompt assembly failed, using fallback",
			"topic", in.Topic, "context", in.Context, "error", err)
		return a.fallback(in)
	}
	return bundle.String()
}

func (a *Assembler) assemble(in Input) (Bundle, error) {
	tmpl := strings.TrimSpace(a.templates.Template(in.Context))
	if tmpl == "" {
		return Bundle{}, fmt.Errorf("context %s: %w", in.Context, errEmptyTemplate)
	}

	return Bundle{
		System:   strings.ReplaceAll(tmpl, policy.TopicPlaceholder, in.Topic),
		Learner:  learnerSection(in.Learner),
		Boundary: boundarySection(in.Topic, a.topicKeywords(in.Topic)),
		History:  historySection(in.History, in.IsFirstMessage),
		Question: questionSection(in.Message, in.Topic),
	}, nil
}

func (a *Assembler) topicKeywords(topic string) []string {
	if a.keywords == nil {
		return nil
	}
	return a.keywords.Keywords(topic)
}

func (a *Assembler) fallback(in Input) string {
	general := fallbackGeneral
	func() {
		defer func() { _ = recover() }()
		if a.templates != nil {
			if g := a.templates.GeneralPrompt(); g != "" {
				general = g
			}
		}
	}()
	return general + sectionSeparator + "Topic: " + in.Topic + sectionSeparator + "Student question: " + in.Message
}

func learnerSection(l domain.Learner) string {
	if !l.HasIdentity() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("LEARNER CONTEXT:\n")
	if l.Name != "" {
		sb.WriteString("- Name: " + l.Name + "\n")
	}
	if l.Progress != "" {
		sb.WriteString("- Progress: " + l.Progress + "\n")
	}
	sb.WriteString("- Attempts: " + strconv.Itoa(l.Attempts) + "\n")
	if l.Name != "" {
		fmt.Fprintf(&sb, "Address the learner as %s and personalize your answer to their progress.", l.Name)
	} else {
		sb.WriteString("Personalize your answer to the learner's progress.")
	}
	return sb.String()
}

func boundarySection(topic string, keywords []string) string {
	var sb strings.Builder
	sb.WriteString("TOPIC BOUNDARY:\n")
	fmt.Fprintf(&sb, "This conversation is about %q.", topic)
	if len(keywords) > 0 {
		sb.WriteString(" Related concepts: " + strings.Join(keywords, ", ") + ".")
	}
	fmt.Fprintf(&sb, "\nIf the student asks about something unrelated, politely redirect them back to %s.", topic)
	return sb.String()
}

func historySection(history []domain.Turn, first bool) string {
	if first || len(history) == 0 {
		return ""
	}
	if len(history) > RecentTurns {
		history = history[len(history)-RecentTurns:]
	}

	var sb strings.Builder
	sb.WriteString("RECENT CONVERSATION CONTEXT:")
	for _, t := range history {
		label := "Student"
		if t.Role == domain.RoleAssistant {
			label = "Assistant"
		}
		sb.WriteString("\n" + label + ": " + truncate(t.Text, MaxQuotedChars))
	}
	return sb.String()
}

func questionSection(message, topic string) string {
	return "CURRENT STUDENT QUESTION:\n" + message + sectionSeparator +
		"Answer the question above and stay focused on " + topic + "."
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + ellipsis
}
