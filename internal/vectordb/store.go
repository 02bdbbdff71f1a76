// Package vectordb is the vector store contract the search engine and the
// ingestion pipeline depend on, with a pgvector-backed PostgreSQL
// implementation, an in-process implementation and a retrying decorator.
//
// A point is keyed by UUID and holds zero or more named vectors plus a JSON
// payload. Queries are one of Nearest, Recommend or Fusion; every query
// takes a Filter and offset/limit pagination. Scores are cosine
// similarities except for Fusion, which returns reciprocal-rank scores.
package vectordb

import (
	"context"

	"github.com/google/uuid"
)

// Point is a stored entity. Vectors missing from the map are absent on the
// point, not zero.
type Point struct {
	ID      uuid.UUID
	Vectors map[string][]float32
	Payload map[string]any
}

// ScoredPoint is a query hit.
type ScoredPoint struct {
	ID      uuid.UUID
	Score   float32
	Payload map[string]any
}

// Reference points at a stored vector by point id, or carries a literal one.
type Reference struct {
	ID     *uuid.UUID
	Vector []float32
}

func RefID(id uuid.UUID) Reference { return Reference{ID: &id} }

func RefVector(v []float32) Reference { return Reference{Vector: v} }

// Strategy combines multiple reference vectors in a Recommend query.
type Strategy string

const (
	// StrategyAverage searches with avg(pos) + (avg(pos) - avg(neg)).
	StrategyAverage Strategy = "average_vector"
	// StrategyBest scores each candidate by its best positive match,
	// penalised when a negative matches better.
	StrategyBest Strategy = "best_score"
)

// QueryKind is implemented by Nearest, Recommend and Fusion.
type QueryKind interface {
	queryKind()
}

// Nearest ranks points by similarity to a single reference on vector Using.
type Nearest struct {
	Using  string
	Target Reference
}

// Recommend ranks points against positive and negative references.
type Recommend struct {
	Using    string
	Positive []Reference
	Negative []Reference
	Strategy Strategy
}

// Prefetch is one sub-query of a Fusion. Query is a Nearest or Recommend.
type Prefetch struct {
	Query QueryKind
	Limit int
}

// Fusion runs every prefetch with the request filter and merges their
// rankings with reciprocal rank fusion.
type Fusion struct {
	Prefetch []Prefetch
}

func (Nearest) queryKind()   {}
func (Recommend) queryKind() {}
func (Fusion) queryKind()    {}

// Request is a ranked query.
type Request struct {
	Query  QueryKind
	Filter *Filter
	Limit  int
	Offset int
}

// Store is the vector store contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Retrieve returns the points that exist among ids, in no particular
	// order. Vectors are populated only when withVectors is set.
	Retrieve(ctx context.Context, ids []uuid.UUID, withVectors bool) ([]Point, error)

	// ValidateIDs returns the subset of ids that exist.
	ValidateIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)

	// Upsert inserts or fully replaces points.
	Upsert(ctx context.Context, points []Point) error

	Delete(ctx context.Context, ids []uuid.UUID) error

	// SetPayload merges fields into the payload of an existing point.
	SetPayload(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// Scroll lists points in id order starting at offset (inclusive). next
	// is the first id of the following page, nil on the last page.
	Scroll(ctx context.Context, filter *Filter, limit int, offset *uuid.UUID) (points []Point, next *uuid.UUID, err error)

	Count(ctx context.Context, filter *Filter) (int, error)

	Query(ctx context.Context, req Request) ([]ScoredPoint, error)
}
