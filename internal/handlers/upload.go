package handlers

import (
	"io"
	"net/http"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/services"
)

// MaxUploadSize bounds multipart bodies carrying an image.
const MaxUploadSize = 50 * 1024 * 1024 // 50 MB for images, this should be enough ...

// AdminHandler serves the admin API.
type AdminHandler struct {
	processor *services.ImageProcessor
	engine    *services.SearchEngine
}

func NewAdminHandler(processor *services.ImageProcessor, engine *services.SearchEngine) *AdminHandler {
	return &AdminHandler{
		processor: processor,
		engine:    engine,
	}
}

type uploadResponse struct {
	Message string `json:"message"`
	ImageID string `json:"imageId"`
}

// Upload admits the multipart "image" field. Record fields and indexing
// options come from the query string.
func (h *AdminHandler) Upload(w http.ResponseWriter, r *http.Request) {
	data, format, err := readImage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	draft, opts, err := uploadParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	draft.Format = format

	id, err := h.processor.Admit(r.Context(), data, draft, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Message: "Image uploaded and queued for indexing.",
		ImageID: id.String(),
	})
}

// readImage reads the multipart "image" field and detects its format from
// the part's content type or file name. The body size is bounded by the
// router.
func readImage(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid multipart form")
	}

	file, fh, err := r.FormFile("image")
	if err != nil {
		return nil, "", apperr.Wrap(err, apperr.CodeRequestInvalid, "missing image field")
	}
	defer file.Close()

	format, err := services.ImageFormat(fh.Header.Get("Content-Type"), fh.Filename)
	if err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", apperr.Wrap(err, apperr.CodeRequestInvalid, "failed to read file")
	}
	return data, format, nil
}

func uploadParams(r *http.Request) (services.Draft, services.UploadOptions, error) {
	q := r.URL.Query()
	draft := services.Draft{
		URL:          q.Get("url"),
		ThumbnailURL: q.Get("thumbnailUrl"),
		Categories:   listParam(q, "categories"),
		Comments:     q.Get("comments"),
	}
	var opts services.UploadOptions
	var err error

	if draft.Starred, err = boolParam(q, "starred", false); err != nil {
		return draft, opts, err
	}
	if draft.Local, err = boolParam(q, "local", false); err != nil {
		return draft, opts, err
	}
	if opts.SkipOCR, err = boolParam(q, "skipOcr", false); err != nil {
		return draft, opts, err
	}

	policy := q.Get("localThumbnail")
	if policy == "" && !draft.Local {
		policy = string(models.ThumbnailNever)
	}
	if opts.Thumbnail, err = models.ParseThumbnailPolicy(policy); err != nil {
		return draft, opts, apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid localThumbnail")
	}
	return draft, opts, nil
}
