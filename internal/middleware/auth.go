package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"imagesearch/internal/apperr"
)

const (
	AdminTokenHeader  = "X-Admin-Token"
	AccessTokenHeader = "X-Access-Token"
)

type ctxKey int

const accessPassedKey ctxKey = iota

// TokenMatches compares in constant time. An empty expected token never
// matches.
func TokenMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// AdminToken rejects requests without the admin token.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !TokenMatches(r.Header.Get(AdminTokenHeader), token) {
				slog.Warn("admin token rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				unauthorized(w, "Admin token is not present or invalid.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccessToken enforces the access token when the deployment is protected.
func AccessToken(token string, protected bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if protected && !TokenMatches(r.Header.Get(AccessTokenHeader), token) {
				unauthorized(w, "Access token is not present or invalid.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PermissiveAccessToken never rejects; it records whether the request
// would pass the access check, readable with AccessPassed.
func PermissiveAccessToken(token string, protected bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed := !protected || TokenMatches(r.Header.Get(AccessTokenHeader), token)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accessPassedKey, passed)))
		})
	}
}

func AccessPassed(ctx context.Context) bool {
	passed, _ := ctx.Value(accessPassedKey).(bool)
	return passed
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"message": msg,
		"code":    string(apperr.CodeAuthUnauthorized),
	})
}
