package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"index.html":    {Data: []byte("<html>copilot</html>")},
		"assets/app.js": {Data: []byte("console.log(1)")},
	}
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestSPAHandlerServesAssets(t *testing.T) {
	rec := serve(t, spaHandler(testFS()), "/assets/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestSPAHandlerFallsBackToIndex(t *testing.T) {
	h := spaHandler(testFS())
	for _, target := range []string{"/", "/sessions/abc", "/assets"} {
		rec := serve(t, h, target)
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Contains(t, rec.Body.String(), "copilot", target)
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"), target)
	}

	rec := serve(t, h, "/index.html")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
}

func TestEmbeddedPage(t *testing.T) {
	rec := serve(t, SPAHandler(), "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ws/chat")
}
