// Package domain contains core domain types for the course chat service.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownContext is returned when a context tag is not one of the known values.
var ErrUnknownContext = errors.New("unknown context")

// Context selects which system prompt and generation policy a turn uses.
type Context uint8

// Known contexts. ContextGeneral is the fallback for everything else.
const (
	ContextGeneral Context = iota
	ContextHelp
	ContextLearnMore
	ContextPractice
	ContextQuizFailed
	ContextSummary

	// NumContexts is the number of declared contexts.
	NumContexts
)

var contextNames = [NumContexts]string{
	ContextGeneral:    "general",
	ContextHelp:       "help",
	ContextLearnMore:  "learn_more",
	ContextPractice:   "practice",
	ContextQuizFailed: "quiz_failed",
	ContextSummary:    "summary",
}

// AllContexts returns every known context in declaration order.
func AllContexts() []Context {
	out := make([]Context, 0, NumContexts)
	for c := Context(0); c < NumContexts; c++ {
		out = append(out, c)
	}
	return out
}

// Valid reports whether c is one of the declared contexts.
func (c Context) Valid() bool {
	return c < NumContexts
}

// Index returns a dense index usable for array-backed tables.
// Invalid contexts map to the general slot.
func (c Context) Index() int {
	if !c.Valid() {
		return int(ContextGeneral)
	}
	return int(c)
}

func (c Context) String() string {
	if !c.Valid() {
		return contextNames[ContextGeneral]
	}
	return contextNames[c]
}

// ParseContext resolves a context tag. Unknown tags return ContextGeneral and false.
func ParseContext(s string) (Context, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range contextNames {
		if name == s {
			return Context(i), true
		}
	}
	return ContextGeneral, false
}

// MarshalText implements encoding.TextMarshaler.
func (c Context) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input means general.
func (c *Context) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*c = ContextGeneral
		return nil
	}
	parsed, ok := ParseContext(string(b))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContext, string(b))
	}
	*c = parsed
	return nil
}
