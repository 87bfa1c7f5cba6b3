package codegen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type generationWire struct {
	Code    *string         `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// ParseGeneration decodes a generator payload. The payload must be a JSON
// object with a non-blank "code" field; a surrounding markdown fence is
// tolerated. Errors reported by the generator are returned in the result,
// not as an error.
func ParseGeneration(raw string) (GenerationResult, error) {
	body := stripFence(raw)
	if body == "" {
		return GenerationResult{}, &ParseError{Payload: raw, Err: errors.New("empty response")}
	}

	var wire generationWire
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return GenerationResult{}, &ParseError{Payload: raw, Err: err}
	}

	errs, err := decodeErrors(wire.Errors)
	if err != nil {
		return GenerationResult{}, &ParseError{Payload: raw, Err: err}
	}

	result := GenerationResult{Message: wire.Message, Errors: errs}
	if wire.Code != nil {
		result.Code = *wire.Code
	}
	if len(errs) > 0 {
		return result, nil
	}
	if strings.TrimSpace(result.Code) == "" {
		return result, &ParseError{Payload: raw, Err: ErrMissingCode}
	}
	return result, nil
}

type validationWire struct {
	IsValid *bool           `json:"isValid"`
	Errors  json.RawMessage `json:"errors"`
}

// ParseValidation decodes a validator payload {isValid, errors}. A missing
// "errors" field means no errors; a missing "isValid" means invalid.
func ParseValidation(raw []byte) (ValidationResult, error) {
	var wire validationWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ValidationResult{}, fmt.Errorf("decode validation payload: %w", err)
	}
	errs, err := decodeErrors(wire.Errors)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("decode validation errors: %w", err)
	}
	return ValidationResult{
		IsValid: wire.IsValid != nil && *wire.IsValid,
		Errors:  errs,
	}, nil
}

// decodeErrors accepts null, a string, or an array of strings.
func decodeErrors(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compactErrors(list), nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return compactErrors([]string{single}), nil
	}
	return nil, fmt.Errorf("errors must be a string or an array of strings, got %s", truncate(string(raw), 80))
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
