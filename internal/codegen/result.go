package codegen

import "strings"

// GenerationResult is the decoded generator payload.
type GenerationResult struct {
	Code    string   `json:"code"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ValidationResult is the validator verdict. IsValid and Errors are checked
// independently: either one alone fails the attempt.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}

// Passed reports whether the code was accepted.
func (v ValidationResult) Passed() bool {
	return v.IsValid && len(compactErrors(v.Errors)) == 0
}

// Outcome is the final generation/validation pair of a loop run. On
// RetryExhausted it carries the last attempt for diagnostics only.
type Outcome struct {
	Generation GenerationResult `json:"generation"`
	Validation ValidationResult `json:"validation"`
	Attempts   int              `json:"attempts"`
}

// compactErrors drops blank entries so that `"errors": [""]` counts as none.
func compactErrors(errs []string) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if strings.TrimSpace(e) != "" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
