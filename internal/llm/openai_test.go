package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/domain"
	"github.com/ashureev/dsl-copilot/internal/logging"
)

type chatRequest struct {
	Model          string `json:"model"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newCompletionServer(t *testing.T, content string, captured *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGeneratorSendsPromptAndReturnsContent(t *testing.T) {
	payload := `{"code":"int Add(int a,int b){return a+b;}","message":"adds","errors":[]}`
	var got chatRequest
	srv := newCompletionServer(t, payload, &got)

	gen, err := NewOpenAIGenerator(OpenAIConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: srv.URL + "/v1",
	}, logging.NewNop())
	require.NoError(t, err)

	history := domain.NewHistory()
	history.AppendUser("write an Add method")

	raw, err := gen.Generate(context.Background(), codegen.GenerateRequest{
		Input:    "write an Add method",
		Grammar:  "grammar CSharp; method: type ID '(' ')' block;",
		Language: "csharp",
		History:  history,
	})
	require.NoError(t, err)
	assert.Equal(t, payload, raw)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "grammar CSharp;")
	assert.Contains(t, got.Messages[0].Content, "csharp code")
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Contains(t, got.Messages[1].Content, "user: write an Add method")
	assert.Contains(t, got.Messages[1].Content, "Request:\nwrite an Add method")
}

func TestOpenAIGeneratorReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	gen, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "k", Model: "m", BaseURL: srv.URL + "/v1"}, logging.NewNop())
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), codegen.GenerateRequest{Input: "x"})
	assert.Error(t, err)
}

func TestNewOpenAIGeneratorRequiresKeyOrBaseURL(t *testing.T) {
	_, err := NewOpenAIGenerator(OpenAIConfig{Model: "m"}, nil)
	assert.Error(t, err)

	_, err = NewOpenAIGenerator(OpenAIConfig{Model: "m", BaseURL: "http://localhost:11434/v1"}, nil)
	assert.NoError(t, err)
}

func TestRenderPromptKeepsTemplateSyntaxLiteral(t *testing.T) {
	system, user, err := RenderPrompt(codegen.GenerateRequest{
		Input:   "print {{ .Grammar }} literally",
		Grammar: "grammar G; r: '{{' ;",
	})
	require.NoError(t, err)
	assert.Contains(t, user, "print {{ .Grammar }} literally")
	assert.Contains(t, system, "r: '{{' ;")
	assert.NotContains(t, user, "Conversation so far")
}

func TestThrottleWaitsForSlot(t *testing.T) {
	var calls atomic.Int32
	next := codegen.GeneratorFunc(func(context.Context, codegen.GenerateRequest) (string, error) {
		calls.Add(1)
		return "{}", nil
	})
	gen := Throttle(next, 1, 1)

	_, err := gen.Generate(context.Background(), codegen.GenerateRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gen.Generate(ctx, codegen.GenerateRequest{})
	assert.Error(t, err, "second call should not fit in the deadline")
	assert.Equal(t, int32(1), calls.Load())
}

func TestThrottleDisabled(t *testing.T) {
	next := codegen.GeneratorFunc(func(context.Context, codegen.GenerateRequest) (string, error) { return "", nil })
	gen := Throttle(next, 0, 0)
	_, ok := gen.(codegen.GeneratorFunc)
	assert.True(t, ok)
}
