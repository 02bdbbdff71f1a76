package vectordb

import (
	"bytes"
	"math"
	"sort"

	"imagesearch/internal/apperr"

	"github.com/google/uuid"
)

// RRFK is the rank constant of reciprocal rank fusion.
const RRFK = 60

// Cosine returns the cosine similarity of a and b, 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func mean(vs [][]float32) []float32 {
	out := make([]float32, len(vs[0]))
	for _, v := range vs {
		for i := range out {
			out[i] += v[i]
		}
	}
	n := float32(len(vs))
	for i := range out {
		out[i] /= n
	}
	return out
}

// AverageTarget is the single search vector of an average-strategy
// recommendation: avg(pos) + (avg(pos) - avg(neg)), or avg(pos) without
// negatives.
func AverageTarget(pos, neg [][]float32) []float32 {
	p := mean(pos)
	if len(neg) == 0 {
		return p
	}
	n := mean(neg)
	out := make([]float32, len(p))
	for i := range p {
		out[i] = p[i] + (p[i] - n[i])
	}
	return out
}

// BestScore scores a candidate under the best strategy. With p the best
// positive and n the best negative similarity, the score is p when p > n
// and -n² otherwise.
func BestScore(v []float32, pos, neg [][]float32) float32 {
	p := float32(math.Inf(-1))
	for _, r := range pos {
		p = max(p, Cosine(v, r))
	}
	if len(neg) == 0 {
		return p
	}
	n := float32(math.Inf(-1))
	for _, r := range neg {
		n = max(n, Cosine(v, r))
	}
	if p > n {
		return p
	}
	return -(n * n)
}

// FuseRRF merges ranked lists by summing 1/(RRFK+rank) per id, with 1-based
// ranks, and paginates the merged ranking. Ties are ordered by id. The
// payload of the first occurrence wins.
func FuseRRF(lists [][]ScoredPoint, offset, limit int) []ScoredPoint {
	scores := make(map[uuid.UUID]float64)
	payloads := make(map[uuid.UUID]map[string]any)
	for _, list := range lists {
		for i, sp := range list {
			scores[sp.ID] += 1 / float64(RRFK+i+1)
			if _, ok := payloads[sp.ID]; !ok {
				payloads[sp.ID] = sp.Payload
			}
		}
	}
	fused := make([]ScoredPoint, 0, len(scores))
	for id, s := range scores {
		fused = append(fused, ScoredPoint{ID: id, Score: float32(s), Payload: payloads[id]})
	}
	sort.Slice(fused, func(i, j int) bool {
		si, sj := scores[fused[i].ID], scores[fused[j].ID]
		if si != sj {
			return si > sj
		}
		return compareIDs(fused[i].ID, fused[j].ID) < 0
	})
	return paginate(fused, offset, limit)
}

func paginate(points []ScoredPoint, offset, limit int) []ScoredPoint {
	if offset >= len(points) {
		return []ScoredPoint{}
	}
	points = points[offset:]
	if limit > 0 && limit < len(points) {
		points = points[:limit]
	}
	return points
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// resolved is a Nearest or Recommend query with id references replaced by
// stored vectors.
type resolved struct {
	using    string
	pos, neg [][]float32
	strategy Strategy
	exclude  map[uuid.UUID]bool
}

// vectorLookup returns the named vector of each id; a missing point is
// absent from the map and a point without the vector maps to nil.
type vectorLookup func(ids []uuid.UUID, using string) (map[uuid.UUID][]float32, error)

func resolve(q QueryKind, lookup vectorLookup) (resolved, error) {
	var r resolved
	var pos, neg []Reference
	switch t := q.(type) {
	case Nearest:
		r.using, pos, r.strategy = t.Using, []Reference{t.Target}, StrategyAverage
	case Recommend:
		r.using, pos, neg, r.strategy = t.Using, t.Positive, t.Negative, t.Strategy
		if r.strategy == "" {
			r.strategy = StrategyAverage
		}
	default:
		return r, apperr.Errorf(apperr.CodeRequestInvalid, "vectordb: unsupported sub-query %T", q)
	}
	if len(pos) == 0 {
		return r, apperr.New(apperr.CodeRequestInvalid, "vectordb: at least one positive reference is required")
	}

	var ids []uuid.UUID
	for _, ref := range append(append([]Reference{}, pos...), neg...) {
		if ref.ID != nil {
			ids = append(ids, *ref.ID)
		}
	}
	var vectors map[uuid.UUID][]float32
	if len(ids) > 0 {
		var err error
		if vectors, err = lookup(ids, r.using); err != nil {
			return r, err
		}
	}
	r.exclude = make(map[uuid.UUID]bool, len(ids))
	conv := func(refs []Reference) ([][]float32, error) {
		out := make([][]float32, 0, len(refs))
		for _, ref := range refs {
			if ref.ID == nil {
				out = append(out, ref.Vector)
				continue
			}
			v, ok := vectors[*ref.ID]
			if !ok {
				return nil, apperr.New(apperr.CodeImageNotFound, "vectordb: referenced point not found", apperr.FieldImageID(*ref.ID))
			}
			if len(v) == 0 {
				return nil, apperr.New(apperr.CodeRequestInvalid, "vectordb: referenced point has no "+r.using, apperr.FieldImageID(*ref.ID))
			}
			r.exclude[*ref.ID] = true
			out = append(out, v)
		}
		return out, nil
	}
	var err error
	if r.pos, err = conv(pos); err != nil {
		return r, err
	}
	if r.neg, err = conv(neg); err != nil {
		return r, err
	}
	dim := len(r.pos[0])
	for _, v := range append(append([][]float32{}, r.pos...), r.neg...) {
		if len(v) != dim || dim == 0 {
			return r, apperr.Errorf(apperr.CodeRequestInvalid, "vectordb: reference vectors must share one non-zero dimension")
		}
	}
	return r, nil
}

// target is the single search vector when the query reduces to a plain
// nearest search, nil for the best strategy.
func (r resolved) target() []float32 {
	if r.strategy == StrategyBest {
		return nil
	}
	return AverageTarget(r.pos, r.neg)
}

func (r resolved) scorer() func(v []float32) float32 {
	if t := r.target(); t != nil {
		return func(v []float32) float32 { return Cosine(v, t) }
	}
	return func(v []float32) float32 { return BestScore(v, r.pos, r.neg) }
}

func excludedIDs(m map[uuid.UUID]bool) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}
