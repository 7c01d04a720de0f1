// Package markdown converts the constrained markdown dialect produced by chat
// backends into the HTML subset accepted by Telegram.
//
// Code spans are extracted first and escaped so that markup characters inside
// them are never reinterpreted by the bold, italic or inline code passes.
package markdown

import (
	"html"
	"regexp"
	"strings"
)

var (
	fenceLangRe   = regexp.MustCompile("^(`{3,})[\\p{L}\\p{N}_]*\\n*")
	boldRe        = regexp.MustCompile("\\*\\*([^*`]+?)\\*\\*|__([^_`]+?)__")
	italicRe      = regexp.MustCompile("\\*([^*`]+?)\\*|_([^_`]+?)_")
	refRe         = regexp.MustCompile(`\[\^(\d+)\^\]`)
	refAdjacentRe = regexp.MustCompile(`([\p{L}\p{N}_]+)(\[\^\d+\^\])`)
	refInlineRe   = regexp.MustCompile(`\n*\[\^(\d+)\^\]:\s*(.+)`)
)

// Render converts raw markdown into Telegram-safe HTML. Invalid UTF-8 is
// replaced with U+FFFD.
func Render(raw string) string {
	text := strings.ToValidUTF8(raw, "\uFFFD")
	text = refInlineRe.ReplaceAllString(text, "")
	text = refAdjacentRe.ReplaceAllString(text, "$1 $2")

	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	idx := 0
	for _, span := range fencedSpans(text) {
		b.WriteString(renderInline(text[idx:span.start]))
		lo, hi := span.start+span.openLen, span.end-span.closeLen
		if lo > hi {
			lo = hi
		}
		b.WriteString("<code>")
		b.WriteString(html.EscapeString(text[lo:hi]))
		b.WriteString("</code>")
		idx = span.end
	}
	b.WriteString(renderInline(text[idx:]))
	return b.String()
}

// renderInline applies the non-code transforms to a segment that contains no
// fenced code.
func renderInline(segment string) string {
	if segment == "" {
		return ""
	}
	out := escapeText(segment)
	out = replaceGuarded(boldRe, out, "(`", func(groups []string) string {
		return "<b>" + groups[1] + groups[2] + "</b>"
	})
	out = replaceGuarded(italicRe, out, "(`*_", func(groups []string) string {
		return "<i>" + groups[1] + groups[2] + "</i>"
	})
	return replaceInlineCode(out)
}

type fencedSpan struct {
	start    int
	end      int
	openLen  int
	closeLen int
}

// fencedSpans finds runs of three or more backticks that are closed by an
// identical run. An unterminated fence stops the scan.
func fencedSpans(text string) []fencedSpan {
	var spans []fencedSpan
	pos := 0
	for pos < len(text) {
		start, run := nextFence(text, pos)
		if start < 0 {
			break
		}
		fence := text[start : start+run]
		openLen := run
		if m := fenceLangRe.FindString(text[start:]); m != "" {
			openLen = len(m)
		}
		rel := strings.Index(text[start+1:], fence)
		if rel < 0 {
			break
		}
		closeAt := start + 1 + rel
		end := closeAt + run
		spans = append(spans, fencedSpan{start: start, end: end, openLen: openLen, closeLen: run})
		pos = end
	}
	return spans
}

// nextFence returns the offset and length of the next backtick run of length
// three or more at or after pos that is not preceded by an opening paren.
func nextFence(text string, pos int) (int, int) {
	for i := pos; i < len(text); i++ {
		if text[i] != '`' {
			continue
		}
		if i > 0 && text[i-1] == '(' {
			continue
		}
		j := i
		for j < len(text) && text[j] == '`' {
			j++
		}
		if j-i >= 3 {
			return i, j - i
		}
		i = j - 1
	}
	return -1, 0
}

// replaceGuarded replaces every match of re that is not immediately preceded
// by one of the bytes in notAfter. A rejected match resumes the search one
// byte later, so shorter overlapping matches are still found.
func replaceGuarded(re *regexp.Regexp, s, notAfter string, repl func(groups []string) string) string {
	var b strings.Builder
	last := 0
	pos := 0
	for pos <= len(s) {
		loc := re.FindStringSubmatchIndex(s[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if start > 0 && strings.IndexByte(notAfter, s[start-1]) >= 0 {
			pos = start + 1
			continue
		}
		groups := make([]string, len(loc)/2)
		for g := range groups {
			if loc[2*g] >= 0 {
				groups[g] = s[pos+loc[2*g] : pos+loc[2*g+1]]
			}
		}
		b.WriteString(s[last:start])
		b.WriteString(repl(groups))
		last = end
		pos = end
		if end == start {
			pos++
		}
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

// replaceInlineCode wraps `x` and ``x`` spans. The opening run is taken as
// long as possible and shortened until a closing run of the same length is
// found on the same line; a closing run followed by ')' does not count.
func replaceInlineCode(s string) string {
	if strings.IndexByte(s, '`') < 0 {
		return s
	}
	var b strings.Builder
	last := 0
	i := 0
	for i < len(s) {
		if s[i] != '`' || (i > 0 && s[i-1] == '(') {
			i++
			continue
		}
		contentStart, contentEnd, end, ok := matchInlineCode(s, i)
		if !ok {
			i++
			continue
		}
		b.WriteString(s[last:i])
		b.WriteString("<code>")
		b.WriteString(s[contentStart:contentEnd])
		b.WriteString("</code>")
		last = end
		i = end
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func matchInlineCode(s string, i int) (int, int, int, bool) {
	maxRun := 0
	for i+maxRun < len(s) && s[i+maxRun] == '`' {
		maxRun++
	}
	for run := maxRun; run >= 1; run-- {
		delim := s[i : i+run]
		contentStart := i + run
		for j := contentStart + 1; j+run <= len(s); j++ {
			if s[j-1] == '\n' {
				break
			}
			if s[j:j+run] != delim {
				continue
			}
			if j+run < len(s) && s[j+run] == ')' {
				continue
			}
			return contentStart, j, j + run, true
		}
	}
	return 0, 0, 0, false
}

// escapeText escapes the characters Telegram's HTML parser reserves. An
// ampersand that already starts an entity is kept so rendering stays
// idempotent.
func escapeText(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			if isEntityAt(s, i) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isEntityAt(s string, i int) bool {
	rest := s[i:]
	for _, name := range []string{"&lt;", "&gt;", "&amp;", "&quot;"} {
		if strings.HasPrefix(rest, name) {
			return true
		}
	}
	if !strings.HasPrefix(rest, "&#") {
		return false
	}
	j := 2
	for j < len(rest) && j < 10 && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	return j > 2 && j < len(rest) && rest[j] == ';'
}
