// Package llm implements code generation on top of an OpenAI-compatible
// chat-completion API.
package llm

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

var systemTemplate = template.Must(template.New("system").Parse(
	`You are a code generation assistant. You write {{.Language}} code that conforms to the ANTLR grammar below.
Respond with a single JSON object and nothing else, shaped exactly like:
{"code": "<the complete code>", "message": "<one short sentence about the code>", "errors": []}
Do not wrap the code in markdown. If the request cannot be satisfied, leave "code" empty and list the reasons in "errors".
When the conversation contains compiler errors for earlier code, fix every listed error.

Grammar:
{{.Grammar}}
`))

var userTemplate = template.Must(template.New("user").Parse(
	`{{if .History}}Conversation so far:
{{.History}}

{{end}}Request:
{{.Input}}
`))

type promptData struct {
	Input    string
	Grammar  string
	Language string
	History  string
}

// RenderPrompt returns the system and user messages for req. Values are
// inserted as template data and never evaluated as template text.
func RenderPrompt(req codegen.GenerateRequest) (system, user string, err error) {
	data := promptData{
		Input:    req.Input,
		Grammar:  strings.TrimSpace(req.Grammar),
		Language: req.Language,
		History:  req.History.Transcript(),
	}
	if data.Language == "" {
		data.Language = "source"
	}

	var sb strings.Builder
	if err := systemTemplate.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render system prompt: %w", err)
	}
	system = sb.String()

	sb.Reset()
	if err := userTemplate.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render user prompt: %w", err)
	}
	return system, sb.String(), nil
}
