package handlers

import (
	"net/http"
	"time"

	"imagesearch/internal/middleware"
	"imagesearch/internal/models"
)

type welcomeResponse struct {
	Message        string         `json:"message"`
	ServerTime     time.Time      `json:"serverTime"`
	Authorization  statusFlags    `json:"authorization"`
	AdminAPI       adminFlags     `json:"adminApi"`
	AvailableBasis []models.Basis `json:"availableBasis"`
}

type statusFlags struct {
	Required bool `json:"required"`
	Passed   bool `json:"passed"`
}

type adminFlags struct {
	Available bool `json:"available"`
	Passed    bool `json:"passed"`
}

// Welcome describes what the caller may do. It sits behind
// PermissiveAccessToken.
func Welcome(cfg RouterConfig, bases []models.Basis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminPassed := cfg.AdminEnabled && middleware.TokenMatches(r.Header.Get(middleware.AdminTokenHeader), cfg.AdminToken)
		writeJSON(w, http.StatusOK, welcomeResponse{
			Message:        "Welcome to the image search API!",
			ServerTime:     time.Now(),
			Authorization:  statusFlags{Required: cfg.AccessProtected, Passed: middleware.AccessPassed(r.Context())},
			AdminAPI:       adminFlags{Available: cfg.AdminEnabled, Passed: adminPassed},
			AvailableBasis: bases,
		})
	}
}
