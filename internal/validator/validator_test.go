package validator

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/logging"
)

func TestTreeSitterAcceptsValidCSharp(t *testing.T) {
	v := NewTreeSitter(logging.NewNop())
	res, err := v.Validate(context.Background(), codegen.ValidateRequest{
		Input:    "class Calc { int Add(int a, int b) { return a + b; } }",
		Language: "csharp",
	})
	require.NoError(t, err)
	assert.True(t, res.Passed(), "unexpected errors: %v", res.Errors)
}

func TestTreeSitterReportsSyntaxErrors(t *testing.T) {
	v := NewTreeSitter(logging.NewNop())
	res, err := v.Validate(context.Background(), codegen.ValidateRequest{
		Input:    "class Calc { int Add(int a, int b) { return a + b } }",
		Language: "C#",
	})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotEmpty(t, res.Errors)
	assert.True(t, strings.HasPrefix(res.Errors[0], "(1,"), "expected a positioned diagnostic, got %q", res.Errors[0])
}

func TestTreeSitterOtherLanguages(t *testing.T) {
	v := NewTreeSitter(logging.NewNop())
	cases := []struct {
		language string
		code     string
		valid    bool
	}{
		{"go", "package main\n\nfunc main() {}\n", true},
		{"go", "package main\n\nfunc main( {\n", false},
		{"python", "def add(a, b):\n    return a + b\n", true},
		{"java", "class A { int add(int a, int b) { return a + b; } }", true},
	}
	for _, c := range cases {
		res, err := v.Validate(context.Background(), codegen.ValidateRequest{Input: c.code, Language: c.language})
		require.NoError(t, err)
		assert.Equal(t, c.valid, res.Passed(), "%s: %q -> %v", c.language, c.code, res.Errors)
	}
}

func TestTreeSitterUnsupportedLanguageIsSyntheticFailure(t *testing.T) {
	v := NewTreeSitter(logging.NewNop())
	res, err := v.Validate(context.Background(), codegen.ValidateRequest{Input: "IDENTIFICATION DIVISION.", Language: "cobol"})
	require.NoError(t, err, "unsupported languages must not be transport errors")
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], `"cobol" is not supported`)
	assert.Contains(t, res.Errors[0], "csharp")
}

func TestTreeSitterEmptyCode(t *testing.T) {
	v := NewTreeSitter(logging.NewNop())
	res, err := v.Validate(context.Background(), codegen.ValidateRequest{Input: "  ", Language: "csharp"})
	require.NoError(t, err)
	assert.False(t, res.Passed())
}

func TestChainStopsAtFirstRejection(t *testing.T) {
	var secondCalled bool
	reject := codegen.ValidatorFunc(func(context.Context, codegen.ValidateRequest) (codegen.ValidationResult, error) {
		return codegen.ValidationResult{Errors: []string{"syntax"}}, nil
	})
	second := codegen.ValidatorFunc(func(context.Context, codegen.ValidateRequest) (codegen.ValidationResult, error) {
		secondCalled = true
		return codegen.ValidationResult{IsValid: true}, nil
	})

	res, err := Chain(reject, second).Validate(context.Background(), codegen.ValidateRequest{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"syntax"}, res.Errors)
	assert.False(t, secondCalled)

	res, err = Chain(second, second).Validate(context.Background(), codegen.ValidateRequest{Input: "x"})
	require.NoError(t, err)
	assert.True(t, res.Passed())
}

func TestChainPropagatesTransportErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := codegen.ValidatorFunc(func(context.Context, codegen.ValidateRequest) (codegen.ValidationResult, error) {
		return codegen.ValidationResult{}, boom
	})
	_, err := Chain(failing).Validate(context.Background(), codegen.ValidateRequest{Input: "x"})
	assert.ErrorIs(t, err, boom)
}

func startBufconnServer(t *testing.T, v codegen.Validator) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterGRPCServer(srv, v, logging.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGRPCClientConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	client, err := DialGRPC(cfg, logging.NewNop(), grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGRPCRoundTrip(t *testing.T) {
	client := startBufconnServer(t, NewTreeSitter(logging.NewNop()))

	res, err := client.Validate(context.Background(), codegen.ValidateRequest{
		Input:    "class Calc { int Add(int a, int b) { return a + b; } }",
		Language: "csharp",
	})
	require.NoError(t, err)
	assert.True(t, res.Passed())

	res, err = client.Validate(context.Background(), codegen.ValidateRequest{Input: "x", Language: "cobol"})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Len(t, res.Errors, 1)
}

func TestGRPCServerErrorsBecomeTransportErrors(t *testing.T) {
	failing := codegen.ValidatorFunc(func(context.Context, codegen.ValidateRequest) (codegen.ValidationResult, error) {
		return codegen.ValidationResult{}, errors.New("compiler crashed")
	})
	client := startBufconnServer(t, failing)

	_, err := client.Validate(context.Background(), codegen.ValidateRequest{Input: "x", Language: "csharp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiler crashed")

	_, err = client.Validate(context.Background(), codegen.ValidateRequest{Input: "", Language: "csharp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input is required")
}
