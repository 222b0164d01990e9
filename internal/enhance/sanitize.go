package enhance

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	wrapperOpenRe = regexp.MustCompile(`<div class="mtq_explanation-text[^"]*">`)
	fenceRe       = regexp.MustCompile("```(?:html)?")
)

// outputPolicy allows user-generated-content HTML plus the wrapper class.
var outputPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("div", "span")
	return p
}()

// ExtractExplanation pulls the explanation out of raw model output. When
// the wrapper div is present, everything from it to the last closing div
// is kept; otherwise code fences are stripped.
func ExtractExplanation(raw string) string {
	if raw == "" {
		return ""
	}
	if loc := wrapperOpenRe.FindStringIndex(raw); loc != nil {
		rest := raw[loc[0]:]
		if end := strings.LastIndex(rest, "</div>"); end >= 0 {
			return rest[:end+len("</div>")]
		}
	}
	return strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))
}

// Sanitize strips scripts, handlers and other unsafe markup.
func Sanitize(html string) string {
	return strings.TrimSpace(outputPolicy.Sanitize(html))
}

// CleanOutput extracts and sanitizes model output. An empty result means
// the output was unusable.
func CleanOutput(raw string) string {
	return Sanitize(ExtractExplanation(raw))
}
