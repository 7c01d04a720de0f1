package markdown

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// Reference is one numbered source link of a finalized answer.
type Reference struct {
	Index int
	URL   string
}

// LinkReferences renumbers [^n^] markers 1..N in order of first appearance
// and turns each into a link to the attribution upstream labelled n (urls is
// 1-based in upstream numbering, so urls[n-1]). Markers without a matching
// attribution are rendered as plain [k]. Attributions never referenced in the
// text are appended to the reference list after the referenced ones.
func LinkReferences(body string, urls []string) (string, []Reference) {
	renumber := map[int]int{}
	var refs []Reference
	used := make([]bool, len(urls))

	out := refRe.ReplaceAllStringFunc(body, func(marker string) string {
		m := refRe.FindStringSubmatch(marker)
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return marker
		}
		idx, seen := renumber[n]
		if !seen {
			idx = len(renumber) + 1
			renumber[n] = idx
			if n >= 1 && n <= len(urls) {
				used[n-1] = true
				refs = append(refs, Reference{Index: idx, URL: urls[n-1]})
			}
		}
		if n < 1 || n > len(urls) {
			return fmt.Sprintf("[%d]", idx)
		}
		return fmt.Sprintf(`<a href="%s">[%d]</a>`, html.EscapeString(urls[n-1]), idx)
	})

	next := len(renumber) + 1
	for i, u := range urls {
		if used[i] {
			continue
		}
		refs = append(refs, Reference{Index: next, URL: u})
		next++
	}
	return out, refs
}

// ReferencesLine renders the trailing list of source links, or "" when there
// are none.
func ReferencesLine(refs []Reference) string {
	if len(refs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, fmt.Sprintf(`<a href="%s">[%d]</a>`, html.EscapeString(r.URL), r.Index))
	}
	return "<b>References</b>: " + strings.Join(parts, " ")
}
