package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(h http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/copilot/chat", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := CORS([]string{"http://localhost:5173/"})(next)

	rec := corsRequest(h, http.MethodPost, "http://localhost:5173")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials for explicit origin")
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-DSL-Session-ID, Last-Event-ID" {
		t.Errorf("allow-headers = %q", got)
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Error("expected Vary: Origin")
	}

	rec = corsRequest(h, http.MethodOptions, "http://evil.example")
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unexpected allow-origin for unknown origin")
	}
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	h := CORS([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := corsRequest(h, http.MethodGet, "http://any.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://any.example" {
		t.Error("wildcard should echo the origin")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard must not allow credentials")
	}

	rec = corsRequest(h, http.MethodGet, "")
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("same-origin requests need no CORS headers")
	}
}
