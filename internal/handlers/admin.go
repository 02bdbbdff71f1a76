package handlers

import (
	"net/http"

	"imagesearch/internal/models"
	"imagesearch/internal/services"
)

type messageResponse struct {
	Message string `json:"message"`
}

func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.processor.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Image deleted."})
}

func (h *AdminHandler) UpdateOpt(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var update models.OptionalUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.processor.UpdateOptional(r.Context(), id, update); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Image updated."})
}

type validateRequest struct {
	Hashes []string `json:"hashes"`
}

type validateResponse struct {
	Message     string                `json:"message"`
	Validations []services.Validation `json:"validations"`
}

// DuplicationValidate reports, per SHA1 hash, whether the image is
// already indexed or queued.
func (h *AdminHandler) DuplicationValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.processor.Validate(r.Context(), req.Hashes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Message:     "Validation completed.",
		Validations: out,
	})
}

type serverInfoResponse struct {
	Message          string `json:"message"`
	ImageCount       int    `json:"imageCount"`
	IndexQueueLength int    `json:"indexQueueLength"`
}

func (h *AdminHandler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Count(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, serverInfoResponse{
		Message:          "Successfully get server information!",
		ImageCount:       n,
		IndexQueueLength: h.processor.QueueLength(),
	})
}
