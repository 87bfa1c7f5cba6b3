package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/codegen"
)

type fakeCopilot struct {
	requests []agent.ChatRequest
	respond  func(ctx context.Context, obs codegen.Observer) (*agent.ChatResult, error)
}

func (f *fakeCopilot) Generate(ctx context.Context, req agent.ChatRequest, obs codegen.Observer) (*agent.ChatResult, error) {
	f.requests = append(f.requests, req)
	return f.respond(ctx, obs)
}

func succeedAfterRetry(_ context.Context, obs codegen.Observer) (*agent.ChatResult, error) {
	obs(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: 1})
	obs(codegen.Event{Kind: codegen.EventValidationFailed, Attempt: 1, Errors: []string{"(1,5): error CS1002: ; expected"}})
	obs(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: 2})
	obs(codegen.Event{Kind: codegen.EventSucceeded, Attempt: 2})
	return &agent.ChatResult{Success: true, Code: "int x = 1;", Language: "csharp", Attempts: 2}, nil
}

func runChat(t *testing.T, copilot Copilot, input string) string {
	t.Helper()
	var out bytes.Buffer
	chat, err := New(Options{Copilot: copilot, In: strings.NewReader(input), Out: &out, Language: "csharp"})
	require.NoError(t, err)
	require.NoError(t, chat.Run(context.Background()))
	return out.String()
}

func TestChatPrintsAnnotationsAndCode(t *testing.T) {
	fc := &fakeCopilot{respond: succeedAfterRetry}
	out := runChat(t, fc, "declare x\nexit\n")

	assert.Contains(t, out, "User > ")
	assert.Contains(t, out, "[attempting code gen: 1]")
	assert.Contains(t, out, "CS1002")
	assert.Contains(t, out, "[attempting code gen: 2]")
	assert.Contains(t, out, "int x = 1;\n")
	assert.Less(t, strings.Index(out, "[attempting code gen: 2]"), strings.Index(out, "int x = 1;"))

	require.Len(t, fc.requests, 1)
	assert.Equal(t, "declare x", fc.requests[0].Message)
	assert.Equal(t, "console", fc.requests[0].UserID)
	assert.NotEmpty(t, fc.requests[0].SessionID)
}

func TestChatKeepsSessionAcrossTurns(t *testing.T) {
	fc := &fakeCopilot{respond: succeedAfterRetry}
	runChat(t, fc, "one\n\n   \ntwo\nquit\nthree\n")

	require.Len(t, fc.requests, 2, "blank lines are skipped and quit stops reading")
	assert.Equal(t, fc.requests[0].SessionID, fc.requests[1].SessionID)
}

func TestChatReportsExhaustion(t *testing.T) {
	fc := &fakeCopilot{respond: func(context.Context, codegen.Observer) (*agent.ChatResult, error) {
		err := &codegen.RetryExhaustedError{
			Attempts: 3,
			Last:     &codegen.ValidationFailure{Errors: []string{"bad token"}},
		}
		return &agent.ChatResult{Attempts: 3, Errors: []string{"bad token"}}, err
	}}
	out := runChat(t, fc, "x\n")

	assert.Contains(t, out, "[no valid code after 3 attempts]")
	assert.Contains(t, out, "  - bad token")
}

func TestChatReportsOtherErrorsAndContinues(t *testing.T) {
	calls := 0
	fc := &fakeCopilot{respond: func(context.Context, codegen.Observer) (*agent.ChatResult, error) {
		calls++
		return nil, errors.New("model unavailable")
	}}
	out := runChat(t, fc, "a\nb\n")

	assert.Equal(t, 2, calls)
	assert.Contains(t, out, "[model unavailable]")
}

func TestChatInterruptCancelsOnlyTheTurn(t *testing.T) {
	interrupt := make(chan struct{}, 1)
	fc := &fakeCopilot{}
	fc.respond = func(ctx context.Context, _ codegen.Observer) (*agent.ChatResult, error) {
		if len(fc.requests) == 1 {
			interrupt <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &agent.ChatResult{Success: true, Code: "ok();", Language: "csharp"}, nil
	}

	var out bytes.Buffer
	chat, err := New(Options{Copilot: fc, In: strings.NewReader("slow\nfast\n"), Out: &out, Interrupt: interrupt})
	require.NoError(t, err)
	require.NoError(t, chat.Run(context.Background()))

	assert.Contains(t, out.String(), "[generation cancelled]")
	assert.Contains(t, out.String(), "ok();")
}

func TestChatStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeCopilot{respond: func(context.Context, codegen.Observer) (*agent.ChatResult, error) {
		cancel()
		return nil, context.Canceled
	}}
	chat, err := New(Options{Copilot: fc, In: strings.NewReader("a\nb\n"), Out: &bytes.Buffer{}})
	require.NoError(t, err)

	assert.ErrorIs(t, chat.Run(ctx), context.Canceled)
	assert.Len(t, fc.requests, 1)
}

func TestNewRequiresCopilot(t *testing.T) {
	_, err := New(Options{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestFence(t *testing.T) {
	assert.Equal(t, "```csharp\nint x;\n```\n", fence("int x;\n\n", "cs"))
	assert.Equal(t, "```go\nx := 1\n```\n", fence("x := 1", "golang"))
}
