package markdown

import (
	"strings"
	"testing"
)

func TestSanitizeRendersMarkdown(t *testing.T) {
	renderer := NewRenderer()
	got := renderer.Sanitize("Too **many** variables")
	if got != "<p>Too <strong>many</strong> variables</p>" {
		t.Fatalf("unexpected html: %q", got)
	}
}

func TestSanitizeStripsScriptsAndHandlers(t *testing.T) {
	renderer := NewRenderer()
	testCases := []struct {
		name      string
		input     string
		forbidden string
	}{
		{name: "script-block", input: "<script type=\"text/javascript\">bad();</script>good", forbidden: "bad()"},
		{name: "inline-handler", input: "Hello <b onclick=\"steal()\">there</b>", forbidden: "onclick"},
		{name: "javascript-link", input: "[click](javascript:alert(1))", forbidden: "javascript:"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := renderer.Sanitize(testCase.input)
			if strings.Contains(got, testCase.forbidden) {
				t.Fatalf("expected %q to be removed, got %q", testCase.forbidden, got)
			}
		})
	}
}

func TestSanitizeKeepsCodeLanguageClass(t *testing.T) {
	renderer := NewRenderer()
	got := renderer.Sanitize("```ruby\nputs 1\n```")
	if !strings.Contains(got, `class="language-ruby"`) {
		t.Fatalf("expected language class to survive, got %q", got)
	}
}

func TestSanitizeWhitespaceIsEmpty(t *testing.T) {
	renderer := NewRenderer()
	if got := renderer.Sanitize("   \n\t"); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}
