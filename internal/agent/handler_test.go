package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/identity"
)

func newTestRouter(t *testing.T, s *scripted, maxAttempts int, cfg *config.Config) (http.Handler, *Handler) {
	t.Helper()
	svc, repo := newTestService(t, s, maxAttempts)
	h := NewHandler(svc, cfg)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	h.RegisterRoutes(r)
	return r, h
}

func postChat(router http.Handler, body, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/copilot/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleChatStreamsLoopEvents(t *testing.T) {
	s := &scripted{
		gens: []string{codeJSON("broken"), codeJSON(addCode)},
		vals: []codegen.ValidationResult{{Errors: []string{"bad"}}, {IsValid: true}},
	}
	router, _ := newTestRouter(t, s, 3, nil)

	rec := postChat(router, `{"message":"add two ints","language":"csharp"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	order := []string{
		"event: attempt_started",
		"event: generated",
		"event: validation_failed",
		"event: attempt_started",
		"event: succeeded",
		"event: result",
	}
	pos := 0
	for _, want := range order {
		idx := strings.Index(body[pos:], want)
		if idx < 0 {
			t.Fatalf("missing %q after offset %d in:\n%s", want, pos, body)
		}
		pos += idx + len(want)
	}

	last := body[strings.LastIndex(body, "data: ")+len("data: "):]
	var res ChatResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(last)), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Success || res.Attempts != 2 || res.Code != addCode {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHandleChatJSONExhausted(t *testing.T) {
	s := &scripted{
		gens: []string{codeJSON("broken")},
		vals: []codegen.ValidationResult{{Errors: []string{"bad"}}},
	}
	router, _ := newTestRouter(t, s, 2, nil)

	rec := postChat(router, `{"message":"add"}`, "application/json")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error    string   `json:"error"`
		Attempts int      `json:"attempts"`
		Errors   []string `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Attempts != 2 || len(body.Errors) != 1 || body.Errors[0] != "bad" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandleChatValidation(t *testing.T) {
	s := &scripted{gens: []string{codeJSON(addCode)}, vals: []codegen.ValidationResult{{IsValid: true}}}
	router, _ := newTestRouter(t, s, 3, nil)

	tests := []struct {
		body string
		want string
	}{
		{`{"message":""}`, "message is required"},
		{`{"message":"x","language":"cobol"}`, "language must be one of"},
		{`not json`, "invalid request body"},
	}
	for _, tt := range tests {
		rec := postChat(router, tt.body, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tt.body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tt.want) {
			t.Errorf("%s: body = %q, want %q", tt.body, rec.Body.String(), tt.want)
		}
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	s := &scripted{gens: []string{codeJSON(addCode)}, vals: []codegen.ValidationResult{{IsValid: true}}}
	cfg := config.Default()
	cfg.RateLimit.RequestsPerWindow = 1
	cfg.RateLimit.WindowDuration = time.Minute
	svc, repo := newTestService(t, s, 3)
	h := NewHandler(svc, cfg)
	t.Cleanup(h.Close)
	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	h.RegisterRoutes(r)

	first := postChat(r, `{"message":"add"}`, "application/json")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	cookie := first.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodPost, "/api/copilot/chat", strings.NewReader(`{"message":"add"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	s := &scripted{gens: []string{codeJSON(addCode)}, vals: []codegen.ValidationResult{{IsValid: true}}}
	router, _ := newTestRouter(t, s, 3, nil)

	first := postChat(router, `{"message":"add"}`, "application/json")
	cookie := first.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodGet, "/api/copilot/history", nil)
	req.AddCookie(cookie)
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != "tab-1" || len(body.Messages) != 2 || body.Messages[1].Content != addCode {
		t.Fatalf("unexpected history: %+v", body)
	}
}

func TestSSEMessageQueueReplayAndEviction(t *testing.T) {
	q := NewSSEMessageQueue(2)
	for i := int64(1); i <= 3; i++ {
		q.Enqueue("u1", "tab", i, &StreamEvent{Event: codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: int(i)}})
	}
	q.Enqueue("u2", "tab", 4, &StreamEvent{})

	missed := q.GetMissedMessages("u1", "tab", 1)
	if len(missed) != 2 || missed[0].EventID != 2 || missed[1].EventID != 3 {
		t.Fatalf("unexpected replay: %+v", missed)
	}
	q.Prune("u1", "tab")
	if got := q.GetMissedMessages("u1", "tab", 0); got != nil {
		t.Fatalf("pruned queue returned %d messages", len(got))
	}
	if got := q.GetMissedMessages("u2", "tab", 0); len(got) != 1 {
		t.Fatalf("other session evicted: %d", len(got))
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	defer rl.Stop()
	if !rl.Allow("u") || !rl.Allow("u") {
		t.Fatal("first two requests must pass")
	}
	if rl.Allow("u") {
		t.Fatal("third request must be limited")
	}
	if !rl.Allow("other") {
		t.Fatal("limits are per key")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("u") {
		t.Fatal("window should have reset")
	}
}
