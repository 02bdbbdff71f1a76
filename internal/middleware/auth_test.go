package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"imagesearch/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(h http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminToken(t *testing.T) {
	h := middleware.AdminToken("secret")(ok)

	assert.Equal(t, http.StatusNoContent, serve(h, middleware.AdminTokenHeader, "secret").Code)

	rec := serve(h, middleware.AdminTokenHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "auth.token.unauthorized", body["code"])

	assert.Equal(t, http.StatusUnauthorized, serve(h, "", "").Code)
}

func TestAdminTokenEmptyRejectsEverything(t *testing.T) {
	h := middleware.AdminToken("")(ok)
	assert.Equal(t, http.StatusUnauthorized, serve(h, middleware.AdminTokenHeader, "").Code)
}

func TestAccessToken(t *testing.T) {
	open := middleware.AccessToken("", false)(ok)
	assert.Equal(t, http.StatusNoContent, serve(open, "", "").Code)

	protected := middleware.AccessToken("letmein", true)(ok)
	assert.Equal(t, http.StatusUnauthorized, serve(protected, "", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(protected, middleware.AccessTokenHeader, "letmein").Code)
}

func TestPermissiveAccessToken(t *testing.T) {
	var passed bool
	h := middleware.PermissiveAccessToken("letmein", true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		passed = middleware.AccessPassed(r.Context())
	}))

	serve(h, "", "")
	assert.False(t, passed)
	serve(h, middleware.AccessTokenHeader, "letmein")
	assert.True(t, passed)
}

func TestCorsAllowsAnyOrigin(t *testing.T) {
	h := middleware.CorsMiddleware([]string{"*"})(ok)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://gallery.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://gallery.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
