package vectordb_test

import (
	"context"
	"testing"

	"imagesearch/internal/apperr"
	"imagesearch/internal/vectordb"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vision = "image_vector"
	ocr    = "text_contain_vector"
)

func id(b byte) uuid.UUID { return uuid.UUID{b} }

func f(v float64) *float64 { return &v }

// seed stores four points on the unit circle of the vision space.
func seed(t *testing.T) *vectordb.Memory {
	t.Helper()
	m := vectordb.NewMemory(vision, ocr)
	points := []vectordb.Point{
		{ID: id(1), Vectors: map[string][]float32{vision: {1, 0}, ocr: {1, 0}},
			Payload: map[string]any{"width": 100, "starred": true, "categories": []string{"cat"}, "aspect_ratio": 1.0}},
		{ID: id(2), Vectors: map[string][]float32{vision: {0.9, 0.1}},
			Payload: map[string]any{"width": 200, "starred": false, "categories": []string{"dog"}, "aspect_ratio": 1.1}},
		{ID: id(3), Vectors: map[string][]float32{vision: {0, 1}, ocr: {0, 1}},
			Payload: map[string]any{"width": 300, "starred": true, "categories": []string{"cat", "dog"}, "aspect_ratio": 1.1000001}},
		{ID: id(4), Vectors: map[string][]float32{vision: {-1, 0}},
			Payload: map[string]any{"width": 400, "categories": []string{}, "ocr_text_lower": "hello world"}},
	}
	require.NoError(t, m.Upsert(context.Background(), points))
	return m
}

func hitIDs(hits []vectordb.ScoredPoint) []uuid.UUID {
	out := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestMemoryNearestVector(t *testing.T) {
	m := seed(t)
	hits, err := m.Query(context.Background(), vectordb.Request{
		Query: vectordb.Nearest{Using: vision, Target: vectordb.RefVector([]float32{1, 0})},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id(1), id(2), id(3), id(4)}, hitIDs(hits))
	assert.InDelta(t, 1, hits[0].Score, 1e-6)
}

func TestMemoryNearestByIDExcludesReference(t *testing.T) {
	m := seed(t)
	hits, err := m.Query(context.Background(), vectordb.Request{
		Query: vectordb.Nearest{Using: vision, Target: vectordb.RefID(id(1))},
		Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id(2), id(3)}, hitIDs(hits))
}

func TestMemoryNearestSkipsPointsWithoutVector(t *testing.T) {
	m := seed(t)
	hits, err := m.Query(context.Background(), vectordb.Request{
		Query: vectordb.Nearest{Using: ocr, Target: vectordb.RefVector([]float32{1, 0})},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id(1), id(3)}, hitIDs(hits))
}

func TestMemorySingleCriterionRecommendMatchesNearest(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	target := vectordb.RefVector([]float32{0.6, 0.8})

	nearest, err := m.Query(ctx, vectordb.Request{Query: vectordb.Nearest{Using: vision, Target: target}, Limit: 10})
	require.NoError(t, err)
	rec, err := m.Query(ctx, vectordb.Request{Query: vectordb.Recommend{
		Using: vision, Positive: []vectordb.Reference{target}, Strategy: vectordb.StrategyAverage,
	}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, hitIDs(nearest), hitIDs(rec))
}

func TestMemoryRecommendBestPenalisesNegatives(t *testing.T) {
	m := seed(t)
	hits, err := m.Query(context.Background(), vectordb.Request{
		Query: vectordb.Recommend{
			Using:    vision,
			Positive: []vectordb.Reference{vectordb.RefVector([]float32{0, 1})},
			Negative: []vectordb.Reference{vectordb.RefID(id(2))},
			Strategy: vectordb.StrategyBest,
		},
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 3, "the negative reference itself is excluded")
	assert.Equal(t, []uuid.UUID{id(3), id(4), id(1)}, hitIDs(hits))
	assert.Less(t, hits[2].Score, float32(0), "closer to the negative than to any positive")
}

func TestMemoryRecommendUnknownReference(t *testing.T) {
	m := seed(t)
	_, err := m.Query(context.Background(), vectordb.Request{
		Query: vectordb.Recommend{Using: vision, Positive: []vectordb.Reference{vectordb.RefID(id(99))}},
		Limit: 10,
	})
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryFilters(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	query := func(filter *vectordb.Filter) []uuid.UUID {
		hits, err := m.Query(ctx, vectordb.Request{
			Query:  vectordb.Nearest{Using: vision, Target: vectordb.RefVector([]float32{1, 0})},
			Filter: filter,
			Limit:  10,
		})
		require.NoError(t, err)
		return hitIDs(hits)
	}

	assert.Equal(t, []uuid.UUID{id(3), id(4)}, query(&vectordb.Filter{Must: []vectordb.Condition{
		vectordb.Range("width", f(250), nil),
	}}))
	assert.Equal(t, []uuid.UUID{id(1), id(3)}, query(&vectordb.Filter{Must: []vectordb.Condition{
		vectordb.Match("starred", true),
	}}))
	assert.Equal(t, []uuid.UUID{id(1), id(2)}, query(&vectordb.Filter{Must: []vectordb.Condition{
		vectordb.Range("aspect_ratio", f(0.9), f(1.1)),
	}}), "ratio window is inclusive")
	assert.Equal(t, []uuid.UUID{id(1)}, query(&vectordb.Filter{
		Must:    []vectordb.Condition{vectordb.MatchAny("categories", []string{"cat"})},
		MustNot: []vectordb.Condition{vectordb.MatchAny("categories", []string{"dog"})},
	}))
	assert.Equal(t, []uuid.UUID{id(4)}, query(&vectordb.Filter{Must: []vectordb.Condition{
		vectordb.Text("ocr_text_lower", "lo wor"),
	}}))
}

func TestMemoryFusion(t *testing.T) {
	m := seed(t)
	hits, err := m.Query(context.Background(), vectordb.Request{
		Query: vectordb.Fusion{Prefetch: []vectordb.Prefetch{
			{Query: vectordb.Nearest{Using: vision, Target: vectordb.RefVector([]float32{0, 1})}, Limit: 2},
			{Query: vectordb.Nearest{Using: ocr, Target: vectordb.RefVector([]float32{0, 1})}, Limit: 2},
		}},
		Limit: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, id(3), hits[0].ID, "top of both prefetches")
}

func TestMemoryScrollCountSetPayload(t *testing.T) {
	m := seed(t)
	ctx := context.Background()

	page, next, err := m.Scroll(ctx, nil, 3, nil)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	require.NotNil(t, next)
	assert.Equal(t, id(4), *next)

	page, next, err = m.Scroll(ctx, nil, 3, next)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Nil(t, next)

	n, err := m.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = m.Count(ctx, &vectordb.Filter{Must: []vectordb.Condition{vectordb.Match("starred", true)}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.SetPayload(ctx, id(4), map[string]any{"starred": true}))
	points, err := m.Retrieve(ctx, []uuid.UUID{id(4)}, false)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, true, points[0].Payload["starred"])
	assert.Equal(t, float64(400), points[0].Payload["width"])
	assert.Nil(t, points[0].Vectors)

	err = m.SetPayload(ctx, id(99), map[string]any{"starred": true})
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryValidateAndDelete(t *testing.T) {
	m := seed(t)
	ctx := context.Background()

	found, err := m.ValidateIDs(ctx, []uuid.UUID{id(1), id(99)})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id(1)}, found)

	require.NoError(t, m.Delete(ctx, []uuid.UUID{id(1)}))
	found, err = m.ValidateIDs(ctx, []uuid.UUID{id(1)})
	require.NoError(t, err)
	assert.Empty(t, found)

	points, err := m.Retrieve(ctx, []uuid.UUID{id(3)}, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, points[0].Vectors[vision])
}

func TestMemoryRejectsUnknownVector(t *testing.T) {
	m := vectordb.NewMemory(vision)
	err := m.Upsert(context.Background(), []vectordb.Point{{ID: id(1), Vectors: map[string][]float32{"other": {1}}}})
	assert.True(t, apperr.IsInvalidInput(err))
}
