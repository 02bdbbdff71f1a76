package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Basis selects the embedding space a query or stored vector belongs to.
type Basis string

const (
	BasisVision Basis = "vision"
	BasisOCR    Basis = "ocr"
)

// VectorName is the named vector slot holding this basis in the store.
func (b Basis) VectorName() string {
	switch b {
	case BasisOCR:
		return "text_contain_vector"
	default:
		return "image_vector"
	}
}

func ParseBasis(s string) (Basis, error) {
	switch Basis(strings.ToLower(s)) {
	case "", BasisVision:
		return BasisVision, nil
	case BasisOCR:
		return BasisOCR, nil
	}
	return "", fmt.Errorf("unknown basis %q", s)
}

// MixStrategy is how multiple reference vectors are combined.
type MixStrategy string

const (
	MixAverage MixStrategy = "average"
	MixBest    MixStrategy = "best"
)

func ParseMixStrategy(s string) (MixStrategy, error) {
	switch MixStrategy(strings.ToLower(s)) {
	case "", MixAverage:
		return MixAverage, nil
	case MixBest:
		return MixBest, nil
	}
	return "", fmt.Errorf("unknown mix strategy %q", s)
}

// Criterion references either an existing point or a literal vector.
type Criterion struct {
	ID     *uuid.UUID
	Vector []float32
}

func IDCriterion(id uuid.UUID) Criterion {
	return Criterion{ID: &id}
}

func VectorCriterion(v []float32) Criterion {
	return Criterion{Vector: v}
}

func (c Criterion) validate() error {
	if (c.ID == nil) == (len(c.Vector) == 0) {
		return fmt.Errorf("criterion must set exactly one of id or vector")
	}
	return nil
}

// BasisQuery is the positive/negative criteria for one basis.
type BasisQuery struct {
	Positive []Criterion
	Negative []Criterion
	Mix      MixStrategy
}

// Query maps each searched basis to its criteria. Two entries make a
// hybrid query.
type Query map[Basis]BasisQuery

func (q Query) Validate() error {
	if len(q) == 0 || len(q) > 2 {
		return fmt.Errorf("query must have one or two bases, got %d", len(q))
	}
	for basis, bq := range q {
		if basis != BasisVision && basis != BasisOCR {
			return fmt.Errorf("unknown basis %q", basis)
		}
		if len(bq.Positive) == 0 {
			return fmt.Errorf("basis %s: at least one positive criterion is required", basis)
		}
		for _, c := range append(append([]Criterion{}, bq.Positive...), bq.Negative...) {
			if err := c.validate(); err != nil {
				return fmt.Errorf("basis %s: %w", basis, err)
			}
		}
	}
	return nil
}

// Bases returns the query's bases in a stable order.
func (q Query) Bases() []Basis {
	var out []Basis
	for _, b := range []Basis{BasisVision, BasisOCR} {
		if _, ok := q[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// FilterParams restricts results. A nil field means "no constraint".
type FilterParams struct {
	MinWidth           *int
	MinHeight          *int
	PreferredRatio     *float64
	RatioTolerance     float64
	Starred            *bool
	Categories         []string
	CategoriesNegative []string
	OCRText            *string
}

// DefaultRatioTolerance applies when a preferred ratio is set without a
// tolerance.
const DefaultRatioTolerance = 0.1

// RatioRange returns the inclusive aspect-ratio window, if any.
func (f FilterParams) RatioRange() (lo, hi float64, ok bool) {
	if f.PreferredRatio == nil {
		return 0, 0, false
	}
	tol := f.RatioTolerance
	if tol <= 0 {
		tol = DefaultRatioTolerance
	}
	r := *f.PreferredRatio
	return r * (1 - tol), r * (1 + tol), true
}

// SearchResult is one ranked hit. Scores are only comparable between
// results of the same query.
type SearchResult struct {
	Img   ImageRecord `json:"img"`
	Score float32     `json:"score"`
}

// ThumbnailPolicy decides whether the worker renders a thumbnail.
type ThumbnailPolicy string

const (
	ThumbnailIfNecessary ThumbnailPolicy = "if_necessary"
	ThumbnailAlways      ThumbnailPolicy = "always"
	ThumbnailNever       ThumbnailPolicy = "never"
)

func ParseThumbnailPolicy(s string) (ThumbnailPolicy, error) {
	switch ThumbnailPolicy(strings.ToLower(s)) {
	case "", ThumbnailIfNecessary:
		return ThumbnailIfNecessary, nil
	case ThumbnailAlways:
		return ThumbnailAlways, nil
	case ThumbnailNever:
		return ThumbnailNever, nil
	}
	return "", fmt.Errorf("unknown thumbnail policy %q", s)
}

// OptionalUpdate is an admin edit of the mutable payload fields.
type OptionalUpdate struct {
	Starred      *bool     `json:"starred"`
	Categories   *[]string `json:"categories"`
	URL          *string   `json:"url"`
	ThumbnailURL *string   `json:"thumbnailUrl"`
	Comments     *string   `json:"comments"`
}

func (u OptionalUpdate) Empty() bool {
	return u.Starred == nil && u.Categories == nil && u.URL == nil && u.ThumbnailURL == nil && u.Comments == nil
}

// Payload returns only the fields the update sets, keyed as in the store.
func (u OptionalUpdate) Payload() map[string]any {
	out := map[string]any{}
	if u.Starred != nil {
		out["starred"] = *u.Starred
	}
	if u.Categories != nil {
		cats := make([]any, len(*u.Categories))
		for i, c := range *u.Categories {
			cats[i] = c
		}
		out["categories"] = cats
	}
	if u.URL != nil {
		out["url"] = *u.URL
	}
	if u.ThumbnailURL != nil {
		out["thumbnail_url"] = *u.ThumbnailURL
	}
	if u.Comments != nil {
		out["comments"] = *u.Comments
	}
	return out
}
