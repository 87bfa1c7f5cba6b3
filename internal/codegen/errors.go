package codegen

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the step of an attempt that failed.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageValidate Stage = "validate"
)

var (
	// ErrRetryExhausted is matched by every RetryExhaustedError.
	ErrRetryExhausted = errors.New("code generation retries exhausted")
	// ErrEmptyInput is returned when Run is called without a prompt.
	ErrEmptyInput = errors.New("input is required")
	// ErrMissingCode is wrapped by ParseError when the payload has no code.
	ErrMissingCode = errors.New("response has no code")
)

// TransportError wraps a failure to reach the generator or validator.
type TransportError struct {
	Stage Stage
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a generator payload that is not the expected JSON shape.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse generation payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationFailure carries the errors reported by a stage that answered but
// rejected the attempt.
type ValidationFailure struct {
	Stage  Stage
	Errors []string
}

func (e *ValidationFailure) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s rejected the code", e.Stage)
	}
	return fmt.Sprintf("%s reported %d error(s): %s", e.Stage, len(e.Errors), strings.Join(e.Errors, "; "))
}

// RetryExhaustedError is returned when every attempt failed. Last is the
// failure of the final attempt.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("code generation failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

// FailureErrors flattens the error list carried by err, if any.
func FailureErrors(err error) []string {
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Last
	}
	var vf *ValidationFailure
	if errors.As(err, &vf) {
		return vf.Errors
	}
	if err == nil {
		return nil
	}
	return []string{err.Error()}
}
