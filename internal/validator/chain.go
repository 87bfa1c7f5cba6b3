package validator

import (
	"context"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

// Chain runs validators in order and stops at the first one that rejects the
// code or fails, so cheap syntax checks can guard slower compilers.
func Chain(validators ...codegen.Validator) codegen.Validator {
	return codegen.ValidatorFunc(func(ctx context.Context, req codegen.ValidateRequest) (codegen.ValidationResult, error) {
		result := codegen.ValidationResult{IsValid: true}
		for _, v := range validators {
			res, err := v.Validate(ctx, req)
			if err != nil {
				return codegen.ValidationResult{}, err
			}
			if !res.Passed() {
				return res, nil
			}
			result = res
		}
		return result, nil
	})
}
