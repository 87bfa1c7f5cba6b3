// Package validator provides compiler frontends that check generated code.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

// maxSyntaxErrors caps the diagnostics collected from a single parse.
const maxSyntaxErrors = 25

var languageAliases = map[string]string{
	"c#":     "csharp",
	"cs":     "csharp",
	"golang": "go",
	"js":     "javascript",
	"py":     "python",
}

// TreeSitter validates syntax with tree-sitter grammars.
type TreeSitter struct {
	languages map[string]*sitter.Language
	logger    *slog.Logger
}

// NewTreeSitter returns a validator for csharp, go, java, javascript and
// python.
func NewTreeSitter(logger *slog.Logger) *TreeSitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeSitter{
		languages: map[string]*sitter.Language{
			"csharp":     csharp.GetLanguage(),
			"go":         golang.GetLanguage(),
			"java":       java.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"python":     python.GetLanguage(),
		},
		logger: logger,
	}
}

// NormalizeLanguage lowercases name and resolves common aliases.
func NormalizeLanguage(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := languageAliases[name]; ok {
		return canonical
	}
	return name
}

// SupportedLanguages lists the canonical names NewTreeSitter accepts.
func SupportedLanguages() []string {
	return []string{"csharp", "go", "java", "javascript", "python"}
}

// Supported lists the accepted language names.
func (v *TreeSitter) Supported() []string {
	names := make([]string, 0, len(v.languages))
	for name := range v.languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate implements codegen.Validator.
func (v *TreeSitter) Validate(ctx context.Context, req codegen.ValidateRequest) (codegen.ValidationResult, error) {
	language := NormalizeLanguage(req.Language)
	ctx, span := otel.Tracer("github.com/ashureev/dsl-copilot/internal/validator").Start(ctx, "treesitter.Validate",
		trace.WithAttributes(attribute.String("language", language)),
	)
	defer span.End()

	tsLang, ok := v.languages[language]
	if !ok {
		return codegen.ValidationResult{
			IsValid: false,
			Errors: []string{fmt.Sprintf("Language %q is not supported. Supported languages: %s.",
				req.Language, strings.Join(v.Supported(), ", "))},
		}, nil
	}
	if strings.TrimSpace(req.Input) == "" {
		return codegen.ValidationResult{IsValid: false, Errors: []string{"There is no code to validate."}}, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(tsLang)

	src := []byte(req.Input)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		if ctx.Err() != nil {
			return codegen.ValidationResult{}, ctx.Err()
		}
		v.logger.Warn("tree-sitter parse failed", "language", language, "error", err)
		return codegen.ValidationResult{IsValid: false, Errors: []string{fmt.Sprintf("parser failure: %v", err)}}, nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return codegen.ValidationResult{IsValid: true}, nil
	}

	var errs []string
	collectSyntaxErrors(root, src, &errs, 0)
	if len(errs) == 0 {
		errs = []string{"(1,1): syntax error"}
	}
	span.SetAttributes(attribute.Int("error_count", len(errs)))
	return codegen.ValidationResult{IsValid: false, Errors: errs}, nil
}

func collectSyntaxErrors(node *sitter.Node, src []byte, errs *[]string, depth int) {
	if node == nil || depth > 1000 || len(*errs) >= maxSyntaxErrors {
		return
	}
	if node.IsMissing() || node.IsError() {
		p := node.StartPoint()
		line, col := int(p.Row)+1, int(p.Column)+1
		if node.IsMissing() {
			*errs = append(*errs, fmt.Sprintf("(%d,%d): syntax error: missing %s", line, col, node.Type()))
		} else {
			*errs = append(*errs, fmt.Sprintf("(%d,%d): syntax error: unexpected %q", line, col, snippet(node, src)))
		}
		if node.IsError() {
			return
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntaxErrors(node.Child(i), src, errs, depth+1)
	}
}

func snippet(node *sitter.Node, src []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(src)) {
		end = uint32(len(src))
	}
	if start >= end {
		return ""
	}
	s := strings.TrimSpace(string(src[start:end]))
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[:nl]
	}
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}

var _ codegen.Validator = (*TreeSitter)(nil)
