//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/domain"
	"github.com/ashureev/dsl-copilot/internal/identity"
	"github.com/ashureev/dsl-copilot/internal/live"
	"github.com/ashureev/dsl-copilot/internal/lock"
	"github.com/ashureev/dsl-copilot/internal/logging"
	"github.com/ashureev/dsl-copilot/internal/store"
)

type fakeRepo struct {
	store.Repository

	mu      sync.Mutex
	users   map[string]*domain.User
	gens    []*domain.Generation
	pingErr error
	deletes int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.UserID] = &copy
	return nil
}

func (f *fakeRepo) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error { return nil }

func (f *fakeRepo) ListGenerations(_ context.Context, userID string, limit int) ([]*domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Generation
	for _, g := range f.gens {
		if g.UserID == userID && len(out) < limit {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeRepo) DeleteChatSession(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeRepo) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

type fakeCopilot struct {
	mu          sync.Mutex
	calls       int
	lastSession string
	errs        []error
}

func (f *fakeCopilot) ResetSession(_ context.Context, _, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSession = sessionID
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeCopilot) Language() string { return "csharp" }
func (f *fakeCopilot) MaxAttempts() int { return 3 }

func (f *fakeCopilot) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRouter(repo *fakeRepo, copilot Copilot, cfg *config.Config) http.Handler {
	h := NewSessionHandler(NewHandler(repo, live.NewSessionManager(), cfg), copilot)
	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	h.RegisterRoutes(r)
	NewHealthHandler(repo, cfg).RegisterHealth(r)
	return r
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(identity.SessionHeaderName, "tab-ephemeral")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestGetMeReturnsSessionInfo(t *testing.T) {
	router := newTestRouter(newFakeRepo(), &fakeCopilot{}, config.Default())

	rr := serve(router, http.MethodGet, "/api/me")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session_id"] != "tab-ephemeral" || body["user_id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
	if ttl, _ := body["session_ttl"].(float64); ttl <= 0 {
		t.Fatalf("expected positive session ttl, got %v", body["session_ttl"])
	}
}

func TestGetConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Name = "gpt-4o-mini"
	router := newTestRouter(newFakeRepo(), &fakeCopilot{}, cfg)

	rr := serve(router, http.MethodGet, "/api/config")
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["language"] != "csharp" || body["max_attempts"] != float64(3) || body["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected config: %v", body)
	}
}

func TestListGenerationsLimit(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeCopilot{}, nil)

	if rr := serve(router, http.MethodGet, "/api/generations?limit=0"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", rr.Code)
	}

	rr := serve(router, http.MethodGet, "/api/generations")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body struct {
		Generations []domain.Generation `json:"generations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Generations == nil || len(body.Generations) != 0 {
		t.Fatalf("expected empty list, got %v", body.Generations)
	}
}

func TestResetClearsCurrentSession(t *testing.T) {
	copilot := &fakeCopilot{}
	router := newTestRouter(newFakeRepo(), copilot, nil)

	rr := serve(router, http.MethodPost, "/api/reset")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if copilot.callCount() != 1 {
		t.Fatalf("expected exactly one reset call, got %d", copilot.callCount())
	}
	if copilot.lastSession != "tab-ephemeral" {
		t.Fatalf("expected session id tab-ephemeral, got %q", copilot.lastSession)
	}
}

func TestResetRetriesOnBusyDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.DatabaseMaxRetries = 3
	cfg.Retry.DatabaseRetryBaseDelay = time.Millisecond
	copilot := &fakeCopilot{errs: []error{errors.New("database is locked"), nil}}
	router := newTestRouter(newFakeRepo(), copilot, cfg)

	rr := serve(router, http.MethodPost, "/api/reset")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if copilot.callCount() != 2 {
		t.Fatalf("expected a retry after SQLITE_BUSY, got %d calls", copilot.callCount())
	}
}

func TestResetReturnsSuccessWhenResetFails(t *testing.T) {
	copilot := &fakeCopilot{errs: []error{errors.New("agent unavailable")}}
	router := newTestRouter(newFakeRepo(), copilot, nil)

	rr := serve(router, http.MethodPost, "/api/reset")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if copilot.callCount() != 1 {
		t.Fatalf("non-conflict errors must not be retried, got %d calls", copilot.callCount())
	}
}

func TestResetRejectsSessionWithRunningGeneration(t *testing.T) {
	const anonID = "anon_0123456789abcdef0123456789abcdef"

	noop := codegen.GeneratorFunc(func(context.Context, codegen.GenerateRequest) (string, error) { return "", nil })
	accept := codegen.ValidatorFunc(func(context.Context, codegen.ValidateRequest) (codegen.ValidationResult, error) {
		return codegen.ValidationResult{IsValid: true}, nil
	})
	loop, err := codegen.NewLoop(noop, accept, codegen.Config{MaxAttempts: 1, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	repo := newFakeRepo()
	locker := lock.NewLocal()
	svc, err := agent.NewService(agent.Deps{
		Loop:        loop,
		Repo:        repo,
		Locker:      locker,
		Logger:      logging.NewNop(),
		LockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	unlock, err := locker.Lock(context.Background(), anonID+":tab-ephemeral", time.Minute)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	router := newTestRouter(repo, svc, nil)

	reset := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
		req.Header.Set(identity.SessionHeaderName, "tab-ephemeral")
		req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: anonID})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := reset()
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409 while a run holds the session, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != agent.ErrSessionBusy.Error() {
		t.Fatalf("unexpected error body: %v", body)
	}
	if repo.deleteCount() != 0 {
		t.Fatalf("busy session must not be deleted, got %d deletes", repo.deleteCount())
	}

	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if rr := reset(); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 once the run finished, got %d", rr.Code)
	}
	if repo.deleteCount() != 1 {
		t.Fatalf("expected one delete after the run finished, got %d", repo.deleteCount())
	}
}

func TestHealth(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(repo, &fakeCopilot{}, nil)

	if rr := serve(router, http.MethodGet, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	repo.pingErr = errors.New("closed")
	rr := serve(router, http.MethodGet, "/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Checks["database"] != "unreachable" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
