package console

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// CodeRenderer formats accepted code for display.
type CodeRenderer func(code, language string) string

// PlainRenderer prints the code unchanged.
func PlainRenderer(code, _ string) string {
	if strings.HasSuffix(code, "\n") {
		return code
	}
	return code + "\n"
}

// NewMarkdownRenderer renders code as a highlighted fenced block. It falls
// back to plain output when glamour cannot be initialised or fails.
func NewMarkdownRenderer(width int) CodeRenderer {
	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return PlainRenderer
	}
	return func(code, language string) string {
		out, err := r.Render(fence(code, language))
		if err != nil {
			return PlainRenderer(code, language)
		}
		return out
	}
}

func fence(code, language string) string {
	return "```" + fenceLanguage(language) + "\n" + strings.TrimRight(code, "\n") + "\n```\n"
}

func fenceLanguage(language string) string {
	switch strings.ToLower(language) {
	case "csharp", "c#", "cs":
		return "csharp"
	case "golang":
		return "go"
	case "js":
		return "javascript"
	case "py":
		return "python"
	}
	return strings.ToLower(language)
}
