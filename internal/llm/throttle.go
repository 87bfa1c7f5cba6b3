package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

type throttled struct {
	next    codegen.Generator
	limiter *rate.Limiter
}

// Throttle limits calls to next to rps per second with the given burst.
// A non-positive rps returns next unchanged.
func Throttle(next codegen.Generator, rps float64, burst int) codegen.Generator {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttled) Generate(ctx context.Context, req codegen.GenerateRequest) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for generator slot: %w", err)
	}
	return t.next.Generate(ctx, req)
}
