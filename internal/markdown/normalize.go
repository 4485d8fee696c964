// Package markdown cleans up model output into consistently formatted Markdown.
package markdown

import (
	"regexp"
	"strings"
)

const fence = "```"

var (
	headingRe = regexp.MustCompile(`^#{1,6}(\s|$)`)
	bulletRe  = regexp.MustCompile(`^(\s*)[*•]\s+(.*)$`)
	listRe    = regexp.MustCompile(`^\s*-(\s|$)`)
	ruleRe    = regexp.MustCompile(`^\s*(-{3,}|_{3,}|\*{3,})\s*$`)
	indentRe  = regexp.MustCompile(`^(\s{2,}|\t)\S`)
)

type lineKind int

const (
	kindNone lineKind = iota
	kindText
	kindHeading
	kindList
	kindRule
	kindFence
)

// Normalize rewrites text into canonical Markdown. It is idempotent:
// Normalize(Normalize(s)) == Normalize(s).
//
// Lines inside fenced code blocks are copied verbatim.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.Count(text, fence)%2 == 1 {
		text += "\n" + fence
	}

	var b builder
	inFence := false
	prev := kindNone

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, fence) {
			if !inFence && prev == kindList && !indentRe.MatchString(line) {
				b.ensureBlank()
			}
			b.emit(line)
			inFence = !inFence
			prev = kindFence
			continue
		}
		if inFence {
			b.raw(line)
			continue
		}

		if trimmed == "" {
			b.blank()
			continue
		}

		switch {
		case ruleRe.MatchString(line):
			b.ensureBlank()
			b.emit("---")
			b.pendingBlank = true
			prev = kindRule

		case headingRe.MatchString(trimmed):
			b.ensureBlank()
			b.emit(escapeAsterisks(trimmed))
			b.pendingBlank = true
			prev = kindHeading

		case bulletRe.MatchString(line) || listRe.MatchString(line):
			if m := bulletRe.FindStringSubmatch(line); m != nil {
				line = m[1] + "- " + m[2]
			}
			// An empty item is canonically a bare "-".
			line = strings.TrimRight(line, " \t")
			if prev != kindList {
				b.ensureBlank()
			}
			b.emit(escapeAsterisks(line))
			prev = kindList

		case prev == kindList && indentRe.MatchString(line):
			b.emit(escapeAsterisks(line))

		default:
			if prev == kindList {
				b.ensureBlank()
			}
			b.emit(escapeAsterisks(line))
			prev = kindText
		}
	}

	return strings.TrimSpace(strings.Join(b.lines, "\n"))
}

// builder accumulates output lines and enforces blank-line rules.
type builder struct {
	lines        []string
	pendingBlank bool
}

func (b *builder) last() (string, bool) {
	if len(b.lines) == 0 {
		return "", false
	}
	return b.lines[len(b.lines)-1], true
}

// ensureBlank guarantees the next emitted line is preceded by a blank line.
func (b *builder) ensureBlank() {
	if last, ok := b.last(); ok && last != "" {
		b.lines = append(b.lines, "")
	}
}

// blank records a blank input line, collapsing runs to one.
func (b *builder) blank() {
	b.ensureBlank()
}

func (b *builder) emit(line string) {
	if b.pendingBlank {
		b.ensureBlank()
		b.pendingBlank = false
	}
	b.lines = append(b.lines, line)
}

// raw appends a code line untouched.
func (b *builder) raw(line string) {
	b.lines = append(b.lines, line)
}

// escapeAsterisks prefixes a backslash to every asterisk that stands alone
// between whitespace or line boundaries. Inline code spans are skipped.
func escapeAsterisks(line string) string {
	if !strings.Contains(line, "*") {
		return line
	}

	var out strings.Builder
	out.Grow(len(line) + 4)
	inCode := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if ch == '`' {
			inCode = !inCode
		}
		if ch == '*' && !inCode && isIsolated(line, i) {
			out.WriteByte('\\')
		}
		out.WriteByte(ch)
	}
	return out.String()
}

func isIsolated(line string, i int) bool {
	if i > 0 {
		prev := line[i-1]
		if prev == '\\' || !isSpace(prev) {
			return false
		}
	}
	if i+1 < len(line) && !isSpace(line[i+1]) {
		return false
	}
	return true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}
