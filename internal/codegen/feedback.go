package codegen

import (
	"fmt"
	"strings"

	"github.com/ashureev/dsl-copilot/internal/domain"
)

const (
	generationFeedbackHeader = "There were errors with the code generation. Fix the following errors:\n"
	invalidWithoutErrors     = "The validator rejected the code without reporting specific errors."
)

// GenerationFeedback is appended when the generator payload could not be
// used.
func GenerationFeedback(errs []string) domain.Message {
	return domain.Message{
		Role:    domain.RoleUser,
		Content: generationFeedbackHeader + joinErrors(errs),
	}
}

// ValidationFeedback is appended when the validator rejected code.
func ValidationFeedback(code string, errs []string) domain.Message {
	return domain.Message{
		Role: domain.RoleUser,
		Content: fmt.Sprintf("The following code has errors:\n%s\nCorrect the following errors in the code:\n%s",
			code, joinErrors(errs)),
	}
}

// TransportFeedback is appended when a stage could not be reached.
func TransportFeedback(stage Stage, err error) domain.Message {
	return domain.Message{
		Role:    domain.RoleSystem,
		Content: fmt.Sprintf("The %s step failed with an error: %v", stage, err),
	}
}

func joinErrors(errs []string) string {
	errs = compactErrors(errs)
	if len(errs) == 0 {
		return invalidWithoutErrors
	}
	return strings.Join(errs, "\n")
}
