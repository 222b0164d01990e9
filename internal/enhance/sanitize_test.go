package enhance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractExplanation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{
			"wrapper with chatter",
			"Sure! Here it is:\n<div class=\"mtq_explanation-text space-y-3\"><p>a</p></div>\nHope that helps.",
			`<div class="mtq_explanation-text space-y-3"><p>a</p></div>`,
		},
		{
			"nested divs kept whole",
			`<div class="mtq_explanation-text"><div><p>a</p></div><p>b</p></div>`,
			`<div class="mtq_explanation-text"><div><p>a</p></div><p>b</p></div>`,
		},
		{"html fence", "```html\n<p>x</p>\n```", "<p>x</p>"},
		{"bare fence", "```\n<p>y</p>```", "<p>y</p>"},
		{"plain", "  <p>z</p>  ", "<p>z</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractExplanation(tt.raw))
		})
	}
}

func TestSanitize_DropsScripts(t *testing.T) {
	in := `<div class="mtq_explanation-text"><p onclick="evil()">ok</p><script>alert(1)</script><h3>H</h3></div>`
	out := Sanitize(in)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
	assert.Contains(t, out, `class="mtq_explanation-text"`)
	assert.Contains(t, out, "<h3>H</h3>")
	assert.Contains(t, out, "<p>ok</p>")
}

func TestCleanOutput_KeepsMath(t *testing.T) {
	out := CleanOutput("```html\n<p>$$ E = mc^2 $$ and $a+b$</p>\n```")
	assert.Equal(t, "<p>$$ E = mc^2 $$ and $a+b$</p>", out)
}

func TestCleanOutput_OnlyScriptIsEmpty(t *testing.T) {
	assert.Equal(t, "", CleanOutput("<script>alert(1)</script>"))
}
