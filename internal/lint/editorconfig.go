// Package lint reformats generated code according to an .editorconfig file.
package lint

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/editorconfig/editorconfig-core-go/v2"
)

const defaultIndentSize = 4

// ErrNoSection is returned when the editorconfig has no section for the
// requested language.
var ErrNoSection = errors.New("no matching section in editorconfig")

// ErrUnsupportedLanguage is returned for languages without a known file
// extension.
var ErrUnsupportedLanguage = errors.New("language is not supported by the linter")

var extensions = map[string]string{
	"csharp":     "cs",
	"go":         "go",
	"java":       "java",
	"javascript": "js",
	"python":     "py",
}

// Linter rewrites indentation to match an editorconfig ruleset.
type Linter struct {
	config *editorconfig.Editorconfig
	logger *slog.Logger
}

// Load parses the editorconfig at path.
func Load(path string, logger *slog.Logger) (*Linter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open editorconfig %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse reads an editorconfig from r.
func Parse(r io.Reader, logger *slog.Logger) (*Linter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ec, err := editorconfig.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse editorconfig: %w", err)
	}
	return &Linter{config: ec, logger: logger}, nil
}

// Lint applies the indent_style and indent_size that the editorconfig
// resolves for a file with the language's extension.
func (l *Linter) Lint(code, language string) (string, error) {
	ext, ok := extensions[language]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	section, err := l.config.GetDefinitionForFilename("/src/code." + ext)
	if err != nil {
		return "", fmt.Errorf("resolve editorconfig for *.%s: %w", ext, err)
	}
	if len(section.Raw) == 0 {
		selectors := make([]string, 0, len(l.config.Definitions))
		for _, d := range l.config.Definitions {
			selectors = append(selectors, d.Selector)
		}
		l.logger.Debug("editorconfig sections", "selectors", selectors)
		return "", fmt.Errorf("%w for *.%s", ErrNoSection, ext)
	}
	if section.IndentStyle == "" {
		return code, nil
	}

	size := defaultIndentSize
	if n, err := strconv.Atoi(section.IndentSize); err == nil && n > 0 {
		size = n
	}
	return Reindent(code, section.IndentStyle == editorconfig.IndentStyleTab, size), nil
}

// Reindent converts leading indentation to tabs, or tabs to size spaces.
// Only the indentation prefix of each line is touched so string literals
// keep their contents.
func Reindent(code string, useTabs bool, size int) string {
	if size <= 0 {
		size = defaultIndentSize
	}
	spaces := strings.Repeat(" ", size)
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		rest := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(rest)]
		if indent == "" {
			continue
		}
		if useTabs {
			indent = strings.ReplaceAll(indent, spaces, "\t")
		} else {
			indent = strings.ReplaceAll(indent, "\t", spaces)
		}
		lines[i] = indent + rest
	}
	return strings.Join(lines, "\n")
}
