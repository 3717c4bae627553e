// Package markdown renders review comment bodies to sanitized HTML.
package markdown

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var codeLanguageClass = regexp.MustCompile(`^language-[\w+-]+$`)

// Renderer converts markdown to HTML and strips anything unsafe.
// It is stateless after construction and safe for concurrent use.
type Renderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewRenderer builds a GitHub-flavoured renderer with a user-generated-content policy.
func NewRenderer() *Renderer {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(codeLanguageClass).OnElements("code")

	return &Renderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: policy,
	}
}

// Sanitize renders raw markdown into safe HTML.
func (r *Renderer) Sanitize(raw string) string {
	var buffer bytes.Buffer
	if err := r.markdown.Convert([]byte(raw), &buffer); err != nil {
		return strings.TrimSpace(r.policy.Sanitize(html.EscapeString(raw)))
	}
	return strings.TrimSpace(r.policy.Sanitize(buffer.String()))
}
