package handlers

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/services"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type SearchHandler struct {
	engine *services.SearchEngine
}

func NewSearchHandler(engine *services.SearchEngine) *SearchHandler {
	return &SearchHandler{engine: engine}
}

type searchResponse struct {
	QueryID uuid.UUID             `json:"queryId"`
	Message string                `json:"message"`
	Result  []models.SearchResult `json:"result"`
}

// searchFunc runs one search with the request's shared filter and paging.
type searchFunc func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error)

func (h *SearchHandler) serve(fn searchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter, err := filterParams(q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		count, skip, err := paging(q, defaultCount)
		if err != nil {
			writeError(w, r, err)
			return
		}

		results, err := fn(r, filter, count, skip)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if results == nil {
			results = []models.SearchResult{}
		}
		writeJSON(w, http.StatusOK, searchResponse{
			QueryID: uuid.New(),
			Message: "Search success.",
			Result:  results,
		})
	}
}

func (h *SearchHandler) Text() http.HandlerFunc {
	return h.serve(func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
		q := r.URL.Query()
		basis, err := basisParam(q)
		if err != nil {
			return nil, err
		}
		exact, err := boolParam(q, "exact", false)
		if err != nil {
			return nil, err
		}
		return h.engine.TextSearch(r.Context(), chi.URLParam(r, "prompt"), basis, exact, filter, limit, skip)
	})
}

func (h *SearchHandler) Image() http.HandlerFunc {
	return h.serve(func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
		data, _, err := readImage(r)
		if err != nil {
			return nil, err
		}
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid image")
		}
		return h.engine.ImageSearch(r.Context(), img, filter, limit, skip)
	})
}

func (h *SearchHandler) Similar() http.HandlerFunc {
	return h.serve(func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
		id, err := idParam(r, "id")
		if err != nil {
			return nil, err
		}
		basis, err := basisParam(r.URL.Query())
		if err != nil {
			return nil, err
		}
		return h.engine.SimilarSearch(r.Context(), id, basis, filter, limit, skip)
	})
}

func (h *SearchHandler) Advanced() http.HandlerFunc {
	return h.serve(func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
		basis, err := basisParam(r.URL.Query())
		if err != nil {
			return nil, err
		}
		var criteria services.AdvancedCriteria
		if err := decodeBody(r, &criteria); err != nil {
			return nil, err
		}
		return h.engine.AdvancedSearch(r.Context(), basis, criteria, filter, limit, skip)
	})
}

type hybridRequest struct {
	Vision *services.AdvancedCriteria `json:"vision"`
	OCR    *services.AdvancedCriteria `json:"ocr"`
}

func (h *SearchHandler) Hybrid() http.HandlerFunc {
	return h.serve(func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
		var req hybridRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return h.engine.HybridSearch(r.Context(), req.Vision, req.OCR, filter, limit, skip)
	})
}

// Random picks a fresh direction unless a seed is given.
func (h *SearchHandler) Random() http.HandlerFunc {
	return h.serve(func(r *http.Request, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
		seed := rand.Uint64()
		if raw := r.URL.Query().Get("seed"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, invalid("seed must be an unsigned integer")
			}
			seed = v
		}
		return h.engine.RandomSearch(r.Context(), seed, filter, limit, skip)
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid request body")
	}
	return nil
}
