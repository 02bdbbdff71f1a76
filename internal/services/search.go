package services

import (
	"context"
	"image"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/google/uuid"
)

// SearchEngine translates multi-basis queries into vector store requests
// and turns the hits into servable results.
type SearchEngine struct {
	store      vectordb.Store
	provider   EmbeddingProvider
	storage    storage.Storage
	presignTTL time.Duration
	ocrEnabled bool
	dimension  int
}

type SearchOptions struct {
	PresignTTL time.Duration
	// OCREnabled allows queries on the ocr basis.
	OCREnabled bool
	// Dimension of the vision space, used by random search.
	Dimension int
}

func NewSearchEngine(store vectordb.Store, provider EmbeddingProvider, st storage.Storage, opts SearchOptions) *SearchEngine {
	if opts.Dimension <= 0 {
		opts.Dimension = clipDim
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = time.Hour
	}
	return &SearchEngine{
		store:      store,
		provider:   provider,
		storage:    st,
		presignTTL: opts.PresignTTL,
		ocrEnabled: opts.OCREnabled,
		dimension:  opts.Dimension,
	}
}

// OCREnabled reports whether the ocr basis can be searched.
func (e *SearchEngine) OCREnabled() bool {
	return e.ocrEnabled
}

// AvailableBases lists the bases queries may use.
func (e *SearchEngine) AvailableBases() []models.Basis {
	if e.ocrEnabled {
		return []models.Basis{models.BasisVision, models.BasisOCR}
	}
	return []models.Basis{models.BasisVision}
}

// Search runs q with filter and returns results limit..limit+skip in score
// order. A single basis runs directly; two bases are fused with RRF over
// prefetches of 2*(limit+skip) candidates each.
func (e *SearchEngine) Search(ctx context.Context, q models.Query, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	req, err := e.BuildRequest(q, filter, limit, skip)
	if err != nil {
		return nil, err
	}
	hits, err := e.store.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.results(ctx, hits)
}

// BuildRequest validates q and compiles it into a store request without
// executing it.
func (e *SearchEngine) BuildRequest(q models.Query, filter models.FilterParams, limit, skip int) (vectordb.Request, error) {
	if err := e.checkBasis(q.Bases()...); err != nil {
		return vectordb.Request{}, err
	}
	if err := q.Validate(); err != nil {
		return vectordb.Request{}, apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid query")
	}
	if limit <= 0 {
		return vectordb.Request{}, apperr.New(apperr.CodeRequestInvalid, "limit must be positive")
	}
	if skip < 0 {
		return vectordb.Request{}, apperr.New(apperr.CodeRequestInvalid, "skip must not be negative")
	}

	req := vectordb.Request{Filter: CompileFilter(filter), Limit: limit, Offset: skip}
	bases := q.Bases()
	if len(bases) == 1 {
		req.Query = translate(bases[0], q[bases[0]])
		return req, nil
	}

	fusion := vectordb.Fusion{}
	for _, b := range bases {
		fusion.Prefetch = append(fusion.Prefetch, vectordb.Prefetch{
			Query: translate(b, q[b]),
			Limit: 2 * (limit + skip),
		})
	}
	req.Query = fusion
	return req, nil
}

func (e *SearchEngine) checkBasis(bases ...models.Basis) error {
	for _, b := range bases {
		if b == models.BasisOCR && !e.ocrEnabled {
			return apperr.New(apperr.CodeRequestBasisDenied, "ocr search is disabled", apperr.Field("basis", string(b)))
		}
	}
	return nil
}

// translate emits Nearest for a single positive criterion and Recommend
// otherwise.
func translate(basis models.Basis, bq models.BasisQuery) vectordb.QueryKind {
	using := basis.VectorName()
	if len(bq.Positive) == 1 && len(bq.Negative) == 0 {
		return vectordb.Nearest{Using: using, Target: reference(bq.Positive[0])}
	}
	rec := vectordb.Recommend{Using: using, Strategy: vectordb.StrategyAverage}
	if bq.Mix == models.MixBest {
		rec.Strategy = vectordb.StrategyBest
	}
	for _, c := range bq.Positive {
		rec.Positive = append(rec.Positive, reference(c))
	}
	for _, c := range bq.Negative {
		rec.Negative = append(rec.Negative, reference(c))
	}
	return rec
}

func reference(c models.Criterion) vectordb.Reference {
	if c.ID != nil {
		return vectordb.RefID(*c.ID)
	}
	return vectordb.RefVector(c.Vector)
}

// CompileFilter turns filter params into store conditions. Unset params add
// no condition; nil means no filter at all.
func CompileFilter(f models.FilterParams) *vectordb.Filter {
	out := &vectordb.Filter{}
	if f.MinWidth != nil {
		w := float64(*f.MinWidth)
		out.Must = append(out.Must, vectordb.Range("width", &w, nil))
	}
	if f.MinHeight != nil {
		h := float64(*f.MinHeight)
		out.Must = append(out.Must, vectordb.Range("height", &h, nil))
	}
	if lo, hi, ok := f.RatioRange(); ok {
		out.Must = append(out.Must, vectordb.Range("aspect_ratio", &lo, &hi))
	}
	if f.Starred != nil {
		out.Must = append(out.Must, vectordb.Match("starred", *f.Starred))
	}
	if f.OCRText != nil {
		out.Must = append(out.Must, vectordb.Text("ocr_text_lower", strings.ToLower(*f.OCRText)))
	}
	if len(f.Categories) > 0 {
		out.Must = append(out.Must, vectordb.MatchAny("categories", f.Categories))
	}
	if len(f.CategoriesNegative) > 0 {
		out.MustNot = append(out.MustNot, vectordb.MatchAny("categories", f.CategoriesNegative))
	}
	if out.Empty() {
		return nil
	}
	return out
}

func (e *SearchEngine) results(ctx context.Context, hits []vectordb.ScoredPoint) ([]models.SearchResult, error) {
	out := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		rec, err := models.RecordFromPayload(h.ID, h.Payload)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeVectorDBFailure, "decode payload", apperr.FieldImageID(h.ID))
		}
		if err := e.Resolve(ctx, &rec); err != nil {
			return nil, err
		}
		out = append(out, models.SearchResult{Img: rec, Score: h.Score})
	}
	return out, nil
}

// Resolve rewrites the URLs of locally hosted files into presigned URLs
// when the backend is object storage. Filesystem URLs are served as is.
func (e *SearchEngine) Resolve(ctx context.Context, rec *models.ImageRecord) error {
	if e.storage == nil || e.storage.Kind() != storage.KindS3 {
		return nil
	}
	if rec.Local {
		u, err := e.storage.PresignURL(ctx, rec.FileName(), e.presignTTL)
		if err != nil {
			return err
		}
		rec.URL = u
	}
	if rec.LocalThumbnail {
		u, err := e.storage.PresignURL(ctx, models.ThumbnailPath(rec.ID), e.presignTTL)
		if err != nil {
			return err
		}
		rec.ThumbnailURL = u
	}
	return nil
}

// Get returns the stored record with resolved URLs.
func (e *SearchEngine) Get(ctx context.Context, id uuid.UUID) (models.ImageRecord, error) {
	points, err := e.store.Retrieve(ctx, []uuid.UUID{id}, false)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if len(points) == 0 {
		return models.ImageRecord{}, apperr.New(apperr.CodeImageNotFound, "image not found", apperr.FieldImageID(id))
	}
	rec, err := models.RecordFromPayload(id, points[0].Payload)
	if err != nil {
		return models.ImageRecord{}, apperr.Wrap(err, apperr.CodeVectorDBFailure, "decode payload", apperr.FieldImageID(id))
	}
	return rec, e.Resolve(ctx, &rec)
}

// Scroll pages through records in id order. A non-nil offset that does not
// exist is a not-found error.
func (e *SearchEngine) Scroll(ctx context.Context, filter models.FilterParams, count int, offset *uuid.UUID) ([]models.ImageRecord, *uuid.UUID, error) {
	if offset != nil {
		found, err := e.store.ValidateIDs(ctx, []uuid.UUID{*offset})
		if err != nil {
			return nil, nil, err
		}
		if len(found) == 0 {
			return nil, nil, apperr.New(apperr.CodeImageNotFound, "offset id not found", apperr.FieldImageID(*offset))
		}
	}
	points, next, err := e.store.Scroll(ctx, CompileFilter(filter), count, offset)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.ImageRecord, 0, len(points))
	for _, p := range points {
		rec, err := models.RecordFromPayload(p.ID, p.Payload)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeVectorDBFailure, "decode payload", apperr.FieldImageID(p.ID))
		}
		if err := e.Resolve(ctx, &rec); err != nil {
			return nil, nil, err
		}
		out = append(out, rec)
	}
	return out, next, nil
}

// Count returns the number of indexed images.
func (e *SearchEngine) Count(ctx context.Context) (int, error) {
	return e.store.Count(ctx, nil)
}

// TextSearch embeds prompt in basis. With exact set, results must also
// contain prompt in their OCR text.
func (e *SearchEngine) TextSearch(ctx context.Context, prompt string, basis models.Basis, exact bool, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	if err := e.checkBasis(basis); err != nil {
		return nil, err
	}
	vec, err := e.textVector(ctx, basis, prompt)
	if err != nil {
		return nil, err
	}
	if exact {
		filter.OCRText = &prompt
	}
	slog.Debug("text search", "basis", basis, "exact", exact, "limit", limit, "skip", skip)
	q := models.Query{basis: {Positive: []models.Criterion{models.VectorCriterion(vec)}}}
	return e.Search(ctx, q, filter, limit, skip)
}

// ImageSearch finds images visually similar to img.
func (e *SearchEngine) ImageSearch(ctx context.Context, img image.Image, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	vec, err := e.provider.ImageVector(ctx, img)
	if err != nil {
		return nil, err
	}
	q := models.Query{models.BasisVision: {Positive: []models.Criterion{models.VectorCriterion(vec)}}}
	return e.Search(ctx, q, filter, limit, skip)
}

// SimilarSearch finds images similar to the stored image id in basis. The
// image itself is not part of the results.
func (e *SearchEngine) SimilarSearch(ctx context.Context, id uuid.UUID, basis models.Basis, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	q := models.Query{basis: {Positive: []models.Criterion{models.IDCriterion(id)}}}
	return e.Search(ctx, q, filter, limit, skip)
}

// MaxCriteria bounds the positive and the negative prompts of one basis.
const MaxCriteria = 16

// AdvancedCriteria is a set of text prompts describing what results should
// and should not look like.
type AdvancedCriteria struct {
	Positive []string           `json:"criteria"`
	Negative []string           `json:"negativeCriteria"`
	Mode     models.MixStrategy `json:"mode"`
}

// AdvancedSearch embeds every prompt in basis and runs a recommend query.
func (e *SearchEngine) AdvancedSearch(ctx context.Context, basis models.Basis, criteria AdvancedCriteria, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	if err := e.checkBasis(basis); err != nil {
		return nil, err
	}
	bq, err := e.basisQuery(ctx, basis, criteria)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, models.Query{basis: bq}, filter, limit, skip)
}

// HybridSearch combines independent vision and ocr criteria. Either may be
// nil, but not both.
func (e *SearchEngine) HybridSearch(ctx context.Context, vision, ocr *AdvancedCriteria, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	if vision == nil && ocr == nil {
		return nil, apperr.New(apperr.CodeRequestInvalid, "hybrid search needs vision or ocr criteria")
	}
	if ocr != nil {
		if err := e.checkBasis(models.BasisOCR); err != nil {
			return nil, err
		}
	}
	q := models.Query{}
	for basis, criteria := range map[models.Basis]*AdvancedCriteria{models.BasisVision: vision, models.BasisOCR: ocr} {
		if criteria == nil {
			continue
		}
		bq, err := e.basisQuery(ctx, basis, *criteria)
		if err != nil {
			return nil, err
		}
		q[basis] = bq
	}
	return e.Search(ctx, q, filter, limit, skip)
}

// RandomSearch returns images near a random direction of the vision space.
// The same seed picks the same direction.
func (e *SearchEngine) RandomSearch(ctx context.Context, seed uint64, filter models.FilterParams, limit, skip int) ([]models.SearchResult, error) {
	vec := RandomUnitVector(seed, e.dimension)
	q := models.Query{models.BasisVision: {Positive: []models.Criterion{models.VectorCriterion(vec)}}}
	return e.Search(ctx, q, filter, limit, skip)
}

// RandomUnitVector draws a normally distributed vector of length dim and
// scales it to unit length.
func RandomUnitVector(seed uint64, dim int) []float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	vec := make([]float32, dim)
	var sum float64
	for i := range vec {
		v := r.NormFloat64()
		vec[i] = float32(v)
		sum += v * v
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func (e *SearchEngine) basisQuery(ctx context.Context, basis models.Basis, criteria AdvancedCriteria) (models.BasisQuery, error) {
	if len(criteria.Positive) == 0 {
		return models.BasisQuery{}, apperr.New(apperr.CodeRequestInvalid, "at least one positive criterion is required",
			apperr.Field("basis", string(basis)))
	}
	if len(criteria.Positive) > MaxCriteria || len(criteria.Negative) > MaxCriteria {
		return models.BasisQuery{}, apperr.Errorf(apperr.CodeRequestInvalid, "at most %d criteria per side", MaxCriteria)
	}
	mix, err := models.ParseMixStrategy(string(criteria.Mode))
	if err != nil {
		return models.BasisQuery{}, apperr.Wrap(err, apperr.CodeRequestInvalid, "invalid mode")
	}
	bq := models.BasisQuery{Mix: mix}
	for _, text := range criteria.Positive {
		vec, err := e.textVector(ctx, basis, text)
		if err != nil {
			return models.BasisQuery{}, err
		}
		bq.Positive = append(bq.Positive, models.VectorCriterion(vec))
	}
	for _, text := range criteria.Negative {
		vec, err := e.textVector(ctx, basis, text)
		if err != nil {
			return models.BasisQuery{}, err
		}
		bq.Negative = append(bq.Negative, models.VectorCriterion(vec))
	}
	return bq, nil
}

func (e *SearchEngine) textVector(ctx context.Context, basis models.Basis, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.CodeRequestInvalid, "empty text criterion")
	}
	if basis == models.BasisOCR {
		return e.provider.OCRTextVector(ctx, text)
	}
	return e.provider.TextVector(ctx, text)
}
