package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxCount          = 100
	defaultCount      = 10
	defaultImageCount = 15
)

func invalid(format string, args ...any) error {
	return apperr.Errorf(apperr.CodeRequestInvalid, format, args...)
}

// paging reads count (1..100) and skip (>= 0).
func paging(q url.Values, def int) (count, skip int, err error) {
	if count, err = intParam(q, "count", def); err != nil {
		return 0, 0, err
	}
	if count < 1 || count > maxCount {
		return 0, 0, invalid("count must be between 1 and %d", maxCount)
	}
	if skip, err = intParam(q, "skip", 0); err != nil {
		return 0, 0, err
	}
	if skip < 0 {
		return 0, 0, invalid("skip must not be negative")
	}
	return count, skip, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("%s must be an integer", name)
	}
	return v, nil
}

func optionalInt(q url.Values, name string) (*int, error) {
	if q.Get(name) == "" {
		return nil, nil
	}
	v, err := intParam(q, name, 0)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func boolParam(q url.Values, name string, def bool) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalid("%s must be a boolean", name)
	}
	return v, nil
}

func optionalBool(q url.Values, name string) (*bool, error) {
	if q.Get(name) == "" {
		return nil, nil
	}
	v, err := boolParam(q, name, false)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// listParam splits a comma-separated value, dropping blanks.
func listParam(q url.Values, name string) []string {
	var out []string
	for _, s := range strings.Split(q.Get(name), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// filterParams reads the shared search filter query parameters.
func filterParams(q url.Values) (models.FilterParams, error) {
	var f models.FilterParams
	var err error

	if raw := q.Get("preferredRatio"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil || ratio <= 0 {
			return f, invalid("preferredRatio must be a positive number")
		}
		f.PreferredRatio = &ratio
	}
	if raw := q.Get("ratioTolerance"); raw != "" {
		tol, err := strconv.ParseFloat(raw, 64)
		if err != nil || tol <= 0 || tol >= 1 {
			return f, invalid("ratioTolerance must be between 0 and 1")
		}
		f.RatioTolerance = tol
	}
	if f.MinWidth, err = optionalInt(q, "minWidth"); err != nil {
		return f, err
	}
	if f.MinHeight, err = optionalInt(q, "minHeight"); err != nil {
		return f, err
	}
	if f.Starred, err = optionalBool(q, "starred"); err != nil {
		return f, err
	}
	f.Categories = listParam(q, "categories")
	f.CategoriesNegative = listParam(q, "categoriesNegative")
	return f, nil
}

func basisParam(q url.Values) (models.Basis, error) {
	b, err := models.ParseBasis(q.Get("basis"))
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid basis")
	}
	return b, nil
}

func idParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, invalid("%s must be a uuid", name)
	}
	return id, nil
}
