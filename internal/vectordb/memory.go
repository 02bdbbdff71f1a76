package vectordb

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"imagesearch/internal/apperr"

	"github.com/google/uuid"
)

// Memory is a brute-force in-process Store. Payloads are JSON-normalised
// on write so reads look the same as from PostgreSQL.
type Memory struct {
	mu      sync.RWMutex
	vectors []string
	points  map[uuid.UUID]Point
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store accepting the given vector names.
func NewMemory(vectorNames ...string) *Memory {
	return &Memory{vectors: vectorNames, points: make(map[uuid.UUID]Point)}
}

func (m *Memory) knownVector(name string) bool {
	for _, v := range m.vectors {
		if v == name {
			return true
		}
	}
	return false
}

func clonePoint(p Point, withVectors bool) Point {
	out := Point{ID: p.ID, Payload: make(map[string]any, len(p.Payload))}
	for k, v := range p.Payload {
		out.Payload[k] = v
	}
	if withVectors {
		out.Vectors = make(map[string][]float32, len(p.Vectors))
		for k, v := range p.Vectors {
			out.Vectors[k] = append([]float32(nil), v...)
		}
	}
	return out
}

func normalise(payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeRequestInvalid, "vectordb: encode payload")
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeRequestInvalid, "vectordb: decode payload")
	}
	return out, nil
}

func (m *Memory) Retrieve(_ context.Context, ids []uuid.UUID, withVectors bool) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.points[id]; ok {
			out = append(out, clonePoint(p, withVectors))
		}
	}
	return out, nil
}

func (m *Memory) ValidateIDs(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := m.points[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, points []Point) error {
	staged := make([]Point, 0, len(points))
	for _, p := range points {
		payload, err := normalise(p.Payload)
		if err != nil {
			return err
		}
		vecs := make(map[string][]float32, len(p.Vectors))
		for name, v := range p.Vectors {
			if !m.knownVector(name) {
				return apperr.Errorf(apperr.CodeRequestInvalid, "vectordb: unknown vector %q", name)
			}
			if len(v) > 0 {
				vecs[name] = append([]float32(nil), v...)
			}
		}
		staged = append(staged, Point{ID: p.ID, Vectors: vecs, Payload: payload})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range staged {
		m.points[p.ID] = p
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *Memory) SetPayload(_ context.Context, id uuid.UUID, fields map[string]any) error {
	norm, err := normalise(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[id]
	if !ok {
		return apperr.New(apperr.CodeImageNotFound, "vectordb: point not found", apperr.FieldImageID(id))
	}
	merged := make(map[string]any, len(p.Payload)+len(norm))
	for k, v := range p.Payload {
		merged[k] = v
	}
	for k, v := range norm {
		merged[k] = v
	}
	p.Payload = merged
	m.points[id] = p
	return nil
}

// sorted returns the points matching filter in id order.
func (m *Memory) sorted(filter *Filter) []Point {
	out := make([]Point, 0, len(m.points))
	for _, p := range m.points {
		if filter.Matches(p.Payload) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return compareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

func (m *Memory) Scroll(_ context.Context, filter *Filter, limit int, offset *uuid.UUID) ([]Point, *uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var page []Point
	for _, p := range m.sorted(filter) {
		if offset != nil && compareIDs(p.ID, *offset) < 0 {
			continue
		}
		if limit > 0 && len(page) == limit {
			next := p.ID
			return page, &next, nil
		}
		page = append(page, clonePoint(p, false))
	}
	return page, nil, nil
}

func (m *Memory) Count(_ context.Context, filter *Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if filter.Empty() {
		return len(m.points), nil
	}
	n := 0
	for _, p := range m.points {
		if filter.Matches(p.Payload) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) lookup(ids []uuid.UUID, using string) (map[uuid.UUID][]float32, error) {
	out := make(map[uuid.UUID][]float32, len(ids))
	for _, id := range ids {
		if p, ok := m.points[id]; ok {
			out[id] = p.Vectors[using]
		}
	}
	return out, nil
}

func (m *Memory) Query(_ context.Context, req Request) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch q := req.Query.(type) {
	case Fusion:
		lists := make([][]ScoredPoint, 0, len(q.Prefetch))
		for _, pf := range q.Prefetch {
			list, err := m.rank(pf.Query, req.Filter, pf.Limit, 0)
			if err != nil {
				return nil, err
			}
			lists = append(lists, list)
		}
		return FuseRRF(lists, req.Offset, req.Limit), nil
	default:
		return m.rank(req.Query, req.Filter, req.Limit, req.Offset)
	}
}

func (m *Memory) rank(q QueryKind, filter *Filter, limit, offset int) ([]ScoredPoint, error) {
	var using string
	switch t := q.(type) {
	case Nearest:
		using = t.Using
	case Recommend:
		using = t.Using
	}
	if !m.knownVector(using) {
		return nil, apperr.Errorf(apperr.CodeRequestInvalid, "vectordb: unknown vector %q", using)
	}
	r, err := resolve(q, m.lookup)
	if err != nil {
		return nil, err
	}
	score := r.scorer()

	hits := make([]ScoredPoint, 0, len(m.points))
	for _, p := range m.points {
		v := p.Vectors[using]
		if len(v) == 0 || r.exclude[p.ID] || !filter.Matches(p.Payload) {
			continue
		}
		hits = append(hits, ScoredPoint{ID: p.ID, Score: score(v), Payload: clonePoint(p, false).Payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return compareIDs(hits[i].ID, hits[j].ID) < 0
	})
	return paginate(hits, offset, limit), nil
}
