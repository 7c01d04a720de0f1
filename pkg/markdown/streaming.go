package markdown

import (
	"regexp"
	"strings"
)

var (
	jsonBlockRe      = regexp.MustCompile("(?s)```json(.*?)```")
	searchingRe      = regexp.MustCompile(`Searching the web for.*`)
	generatingRe     = regexp.MustCompile(`(?s).*Generating answers for you\.\.\.(.*)`)
	refInlineLooseRe = regexp.MustCompile(`\n*\[\^?(\d+)\^?\]:\s*(.+)`)
	refLooseRe       = regexp.MustCompile(`\[\^?(\d+)\^?\]`)
	imageRe          = regexp.MustCompile(`!\[image\d+\]\((.*?)\)`)
)

// StripStreaming removes the transient status text a backend interleaves
// with a partial answer, along with raw footnote syntax that only resolves
// once the answer is final.
func StripStreaming(partial string) string {
	out := jsonBlockRe.ReplaceAllString(partial, "")
	out = searchingRe.ReplaceAllString(out, "")
	out = generatingRe.ReplaceAllString(out, "$1")
	out = refInlineLooseRe.ReplaceAllString(out, "")
	out = refLooseRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// ExtractImages returns the image URLs embedded as ![imageN](url) markers.
func ExtractImages(raw string) []string {
	matches := imageRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if u := strings.TrimSpace(m[1]); u != "" {
			out = append(out, u)
		}
	}
	return out
}
