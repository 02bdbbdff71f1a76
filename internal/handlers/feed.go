package handlers

import (
	"net/http"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/services"

	"github.com/google/uuid"
)

const (
	StatusMapped  = "mapped"
	StatusInQueue = "in_queue"
)

// FeedHandler pages through and looks up indexed images.
type FeedHandler struct {
	engine    *services.SearchEngine
	processor *services.ImageProcessor
}

func NewFeedHandler(engine *services.SearchEngine, processor *services.ImageProcessor) *FeedHandler {
	return &FeedHandler{
		engine:    engine,
		processor: processor,
	}
}

type feedResponse struct {
	Message        string               `json:"message"`
	Images         []models.ImageRecord `json:"images"`
	NextPageOffset *uuid.UUID           `json:"nextPageOffset"`
}

// Feed lists images in id order. prevOffsetId is the nextPageOffset of the
// previous page.
func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := filterParams(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	count, err := intParam(q, "count", defaultImageCount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if count < 1 || count > maxCount {
		writeError(w, r, invalid("count must be between 1 and %d", maxCount))
		return
	}

	var cursor *uuid.UUID
	if raw := q.Get("prevOffsetId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, invalid("prevOffsetId must be a uuid"))
			return
		}
		cursor = &id
	}

	images, next, err := h.engine.Scroll(r.Context(), filter, count, cursor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{
		Message:        "Success",
		Images:         images,
		NextPageOffset: next,
	})
}

type imageResponse struct {
	Message   string              `json:"message"`
	ImgStatus string              `json:"imgStatus"`
	Img       *models.ImageRecord `json:"img"`
}

// Image returns one record, or reports that it is still queued.
func (h *FeedHandler) Image(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Checked before the store: a queued image may be indexed concurrently.
	queued := h.processor.InFlight(id)
	rec, err := h.engine.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, imageResponse{Message: "Success", ImgStatus: StatusMapped, Img: &rec})
	case apperr.IsNotFound(err) && queued:
		writeJSON(w, http.StatusOK, imageResponse{Message: "Image is queued for indexing", ImgStatus: StatusInQueue})
	default:
		writeError(w, r, err)
	}
}
