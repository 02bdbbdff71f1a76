package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

// CorsMiddleware allows the configured origins. A "*" entry allows any
// origin; credentials are then echoed back per request origin.
func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", AdminTokenHeader, AccessTokenHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if slices.Contains(origins, "*") {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return cors.Handler(opts)
}
