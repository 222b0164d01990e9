package enhance

import (
	_ "embed"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/qbank/internal/model"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// rephraseThreshold is the explanation length above which an existing
// explanation is rewritten instead of generated from scratch.
const rephraseThreshold = 50

// PromptKind names the system prompt used for a request.
type PromptKind string

const (
	PromptMultimodal PromptKind = "multimodal"
	PromptRephrase   PromptKind = "rephrase"
	PromptTextGen    PromptKind = "text_gen"
)

// Prompts holds the three system prompts.
type Prompts struct {
	Multimodal string `yaml:"multimodal"`
	Rephrase   string `yaml:"rephrase"`
	TextGen    string `yaml:"text_gen"`
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() Prompts {
	var p Prompts
	if err := yaml.Unmarshal(defaultPromptsYAML, &p); err != nil {
		panic("enhance: embedded prompts are invalid: " + err.Error())
	}
	return p
}

// LoadPrompts reads overrides from a YAML file. Keys missing from the file
// keep their defaults. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrapf(err, "enhance: read prompts %s", path)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, eris.Wrapf(err, "enhance: parse prompts %s", path)
	}

	if override.Multimodal != "" {
		p.Multimodal = override.Multimodal
	}
	if override.Rephrase != "" {
		p.Rephrase = override.Rephrase
	}
	if override.TextGen != "" {
		p.TextGen = override.TextGen
	}
	return p, nil
}

func (p Prompts) system(kind PromptKind) string {
	switch kind {
	case PromptMultimodal:
		return p.Multimodal
	case PromptRephrase:
		return p.Rephrase
	default:
		return p.TextGen
	}
}

// BuildRequest assembles the provider request for q. images are the ones
// that were fetched successfully.
func BuildRequest(p Prompts, q model.Question, images []Image) (Request, PromptKind) {
	qText := q.QuestionHTML
	if qText == "" {
		qText = q.QuestionText
	}
	user := "QUESTION: " + CleanHTML(qText) + "\nCORRECT ANSWER: " + q.CorrectLabel()

	kind := PromptTextGen
	switch {
	case len(images) > 0:
		kind = PromptMultimodal
	case len(q.ExplanationHTML) > rephraseThreshold:
		kind = PromptRephrase
		user += "\nORIGINAL EXPLANATION: " + q.ExplanationHTML
	}

	return Request{System: p.system(kind), User: user, Images: images}, kind
}

var (
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`\s+`)
	srcRe   = regexp.MustCompile(`src=["']([^"']+)["']`)
)

// CleanHTML replaces tags with spaces and collapses whitespace.
func CleanHTML(html string) string {
	if html == "" {
		return ""
	}
	s := tagRe.ReplaceAllString(html, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ImageURLs returns the distinct image URLs referenced by q, in order:
// question images, question HTML, explanation images, explanation HTML.
func ImageURLs(q model.Question) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	for _, img := range q.QuestionImages {
		add(img.OriginalURL)
	}
	for _, m := range srcRe.FindAllStringSubmatch(q.QuestionHTML, -1) {
		add(m[1])
	}
	for _, img := range q.ExplanationImages {
		add(img.OriginalURL)
	}
	for _, m := range srcRe.FindAllStringSubmatch(q.ExplanationHTML, -1) {
		add(m[1])
	}
	return out
}
