// Package handlers implements the HTTP surface: the admin API, the search
// API, image listing and static file serving.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"imagesearch/internal/apperr"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	ImageID string `json:"imageId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError renders err as {message, code}. Duplicates and not-found
// errors also carry the affected image id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = apperr.Wrap(err, apperr.CodeRequestInvalid, "request body too large")
	}

	status := apperr.HTTPStatus(err)
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternalFailure
	}
	body := errorBody{Message: err.Error(), Code: string(code)}
	if id, ok := apperr.FieldsOf(err)["image_id"].(string); ok {
		body.ImageID = id
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
		body.Message = http.StatusText(status)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, body)
}
