package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"imagesearch/internal/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	pgvector "github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
)

// DB is the subset of *pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Schema describes the points table.
type Schema struct {
	Table     string
	Dimension int
	Vectors   []string
}

// Postgres stores points in one table with a uuid key, one pgvector column
// per named vector and a jsonb payload.
type Postgres struct {
	db     DB
	schema Schema
	table  string
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db DB, schema Schema) *Postgres {
	return &Postgres{db: db, schema: schema, table: pgx.Identifier{schema.Table}.Sanitize()}
}

// Migrate creates the extension, the table and one HNSW cosine index per
// vector column.
func (p *Postgres) Migrate(ctx context.Context) error {
	cols := make([]string, 0, len(p.schema.Vectors))
	for _, v := range p.schema.Vectors {
		cols = append(cols, fmt.Sprintf("%s vector(%d)", pgx.Identifier{v}.Sanitize(), p.schema.Dimension))
	}
	stmt := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %s (
			id      UUID PRIMARY KEY,
			%s,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb
		);`, p.table, strings.Join(cols, ",\n\t\t\t"))
	for _, v := range p.schema.Vectors {
		stmt += fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (%s vector_cosine_ops);`,
			pgx.Identifier{p.schema.Table + "_" + v + "_idx"}.Sanitize(), p.table, pgx.Identifier{v}.Sanitize())
	}
	if _, err := p.db.Exec(ctx, stmt); err != nil {
		return classify(err, "migrate")
	}
	slog.Info("vector table ready", "table", p.schema.Table, "dimension", p.schema.Dimension)
	return nil
}

func (p *Postgres) column(name string) (string, error) {
	for _, v := range p.schema.Vectors {
		if v == name {
			return pgx.Identifier{v}.Sanitize(), nil
		}
	}
	return "", apperr.Errorf(apperr.CodeRequestInvalid, "vectordb: unknown vector %q", name)
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (p *Postgres) Retrieve(ctx context.Context, ids []uuid.UUID, withVectors bool) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cols := "id, payload"
	if withVectors {
		for _, v := range p.schema.Vectors {
			cols += ", " + pgx.Identifier{v}.Sanitize()
		}
	}
	rows, err := p.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ANY($1::uuid[])", cols, p.table),
		idStrings(ids))
	if err != nil {
		return nil, classify(err, "retrieve")
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			id      pgtype.UUID
			payload map[string]any
		)
		dest := []any{&id, &payload}
		vecs := make([]*pgvector.Vector, len(p.schema.Vectors))
		if withVectors {
			for i := range vecs {
				dest = append(dest, &vecs[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify(err, "retrieve")
		}
		pt := Point{ID: uuid.UUID(id.Bytes), Payload: payload}
		if withVectors {
			pt.Vectors = make(map[string][]float32)
			for i, v := range vecs {
				if v != nil {
					pt.Vectors[p.schema.Vectors[i]] = v.Slice()
				}
			}
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "retrieve")
	}
	return out, nil
}

func (p *Postgres) ValidateIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE id = ANY($1::uuid[])", p.table), idStrings(ids))
	if err != nil {
		return nil, classify(err, "validate ids")
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id pgtype.UUID
		err := row.Scan(&id)
		return uuid.UUID(id.Bytes), err
	})
	if err != nil {
		return nil, classify(err, "validate ids")
	}
	return found, nil
}

func (p *Postgres) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	cols := []string{"id"}
	sets := []string{}
	for _, v := range p.schema.Vectors {
		c := pgx.Identifier{v}.Sanitize()
		cols = append(cols, c)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	cols = append(cols, "payload")
	sets = append(sets, "payload = EXCLUDED.payload")
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	placeholders[0] += "::uuid"
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		p.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(sets, ", "))

	batch := &pgx.Batch{}
	for _, pt := range points {
		for name := range pt.Vectors {
			if _, err := p.column(name); err != nil {
				return err
			}
		}
		args := []any{pt.ID.String()}
		for _, v := range p.schema.Vectors {
			if vec := pt.Vectors[v]; len(vec) > 0 {
				args = append(args, pgvector.NewVector(vec))
			} else {
				args = append(args, nil)
			}
		}
		payload := pt.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		args = append(args, payload)
		batch.Queue(stmt, args...)
	}
	if err := p.db.SendBatch(ctx, batch).Close(); err != nil {
		return classify(err, "upsert")
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.db.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1::uuid[])", p.table), idStrings(ids)); err != nil {
		return classify(err, "delete")
	}
	return nil
}

func (p *Postgres) SetPayload(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeRequestInvalid, "vectordb: encode payload")
	}
	tag, err := p.db.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET payload = payload || $1::jsonb WHERE id = $2::uuid", p.table),
		string(data), id.String())
	if err != nil {
		return classify(err, "set payload")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeImageNotFound, "vectordb: point not found", apperr.FieldImageID(id))
	}
	return nil
}

func (p *Postgres) Scroll(ctx context.Context, filter *Filter, limit int, offset *uuid.UUID) ([]Point, *uuid.UUID, error) {
	args := &argList{}
	where := []string{compileFilter(filter, args)}
	if offset != nil {
		where = append(where, "id >= "+args.add(offset.String())+"::uuid")
	}
	stmt := fmt.Sprintf("SELECT id, payload FROM %s WHERE %s ORDER BY id", p.table, strings.Join(where, " AND "))
	if limit > 0 {
		stmt += " LIMIT " + args.add(limit+1)
	}
	rows, err := p.db.Query(ctx, stmt, args.values...)
	if err != nil {
		return nil, nil, classify(err, "scroll")
	}
	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Point, error) {
		var (
			id      pgtype.UUID
			payload map[string]any
		)
		err := row.Scan(&id, &payload)
		return Point{ID: uuid.UUID(id.Bytes), Payload: payload}, err
	})
	if err != nil {
		return nil, nil, classify(err, "scroll")
	}
	if limit > 0 && len(points) > limit {
		next := points[limit].ID
		return points[:limit], &next, nil
	}
	return points, nil, nil
}

func (p *Postgres) Count(ctx context.Context, filter *Filter) (int, error) {
	args := &argList{}
	var n int
	err := p.db.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", p.table, compileFilter(filter, args)),
		args.values...).Scan(&n)
	if err != nil {
		return 0, classify(err, "count")
	}
	return n, nil
}

func (p *Postgres) lookup(ctx context.Context) vectorLookup {
	return func(ids []uuid.UUID, using string) (map[uuid.UUID][]float32, error) {
		col, err := p.column(using)
		if err != nil {
			return nil, err
		}
		rows, err := p.db.Query(ctx,
			fmt.Sprintf("SELECT id, %s FROM %s WHERE id = ANY($1::uuid[])", col, p.table), idStrings(ids))
		if err != nil {
			return nil, classify(err, "resolve references")
		}
		defer rows.Close()
		out := make(map[uuid.UUID][]float32, len(ids))
		for rows.Next() {
			var (
				id  pgtype.UUID
				vec *pgvector.Vector
			)
			if err := rows.Scan(&id, &vec); err != nil {
				return nil, classify(err, "resolve references")
			}
			if vec != nil {
				out[uuid.UUID(id.Bytes)] = vec.Slice()
			} else {
				out[uuid.UUID(id.Bytes)] = nil
			}
		}
		if err := rows.Err(); err != nil {
			return nil, classify(err, "resolve references")
		}
		return out, nil
	}
}

func (p *Postgres) Query(ctx context.Context, req Request) ([]ScoredPoint, error) {
	fusion, ok := req.Query.(Fusion)
	if !ok {
		return p.rank(ctx, req.Query, req.Filter, req.Limit, req.Offset)
	}
	lists := make([][]ScoredPoint, len(fusion.Prefetch))
	g, gctx := errgroup.WithContext(ctx)
	for i, pf := range fusion.Prefetch {
		g.Go(func() error {
			list, err := p.rank(gctx, pf.Query, req.Filter, pf.Limit, 0)
			lists[i] = list
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return FuseRRF(lists, req.Offset, req.Limit), nil
}

// rank builds one similarity query. Average and nearest queries order by
// the pgvector cosine operator so the HNSW index applies; the best
// strategy scores every candidate against every reference.
func (p *Postgres) rank(ctx context.Context, q QueryKind, filter *Filter, limit, offset int) ([]ScoredPoint, error) {
	var using string
	switch t := q.(type) {
	case Nearest:
		using = t.Using
	case Recommend:
		using = t.Using
	}
	col, err := p.column(using)
	if err != nil {
		return nil, err
	}
	r, err := resolve(q, p.lookup(ctx))
	if err != nil {
		return nil, err
	}

	args := &argList{}
	where := []string{col + " IS NOT NULL", compileFilter(filter, args)}
	if len(r.exclude) > 0 {
		where = append(where, "NOT (id = ANY("+args.add(excludedIDs(r.exclude))+"::uuid[]))")
	}

	var stmt string
	if t := r.target(); t != nil {
		ref := args.add(pgvector.NewVector(t))
		stmt = fmt.Sprintf(
			"SELECT id, payload, 1 - (%[1]s <=> %[2]s) AS score FROM %[3]s WHERE %[4]s ORDER BY %[1]s <=> %[2]s, id",
			col, ref, p.table, strings.Join(where, " AND "))
	} else {
		sims := func(vs [][]float32) string {
			parts := make([]string, len(vs))
			for i, v := range vs {
				parts[i] = fmt.Sprintf("1 - (%s <=> %s)", col, args.add(pgvector.NewVector(v)))
			}
			return "GREATEST(" + strings.Join(parts, ", ") + ")"
		}
		pos := sims(r.pos)
		score := "s.p"
		neg := "NULL::float8"
		if len(r.neg) > 0 {
			neg = sims(r.neg)
			score = "CASE WHEN s.p > s.n THEN s.p ELSE -(s.n * s.n) END"
		}
		stmt = fmt.Sprintf(
			"SELECT s.id, s.payload, %s AS score FROM (SELECT id, payload, %s AS p, %s AS n FROM %s WHERE %s) s ORDER BY score DESC, s.id",
			score, pos, neg, p.table, strings.Join(where, " AND "))
	}
	if limit > 0 {
		stmt += " LIMIT " + args.add(limit)
	}
	if offset > 0 {
		stmt += " OFFSET " + args.add(offset)
	}

	rows, err := p.db.Query(ctx, stmt, args.values...)
	if err != nil {
		return nil, classify(err, "query")
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScoredPoint, error) {
		var (
			id      pgtype.UUID
			payload map[string]any
			score   float64
		)
		err := row.Scan(&id, &payload, &score)
		return ScoredPoint{ID: uuid.UUID(id.Bytes), Score: float32(score), Payload: payload}, err
	})
	if err != nil {
		return nil, classify(err, "query")
	}
	return hits, nil
}

// argList collects positional query arguments.
type argList struct {
	values []any
}

func (a *argList) add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// compileFilter renders filter as a SQL boolean expression over the payload
// column, appending its arguments to args. Every predicate is wrapped in
// COALESCE so a missing field is false rather than NULL.
func compileFilter(filter *Filter, args *argList) string {
	if filter.Empty() {
		return "TRUE"
	}
	var parts []string
	for _, c := range filter.Must {
		parts = append(parts, compileCondition(c, args))
	}
	for _, c := range filter.MustNot {
		parts = append(parts, "NOT "+compileCondition(c, args))
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func compileCondition(c Condition, args *argList) string {
	key := args.add(c.Key)
	var expr string
	switch c.Kind {
	case CondRange:
		field := fmt.Sprintf("(payload->>%s)::float8", key)
		var bounds []string
		if c.GTE != nil {
			bounds = append(bounds, field+" >= "+args.add(*c.GTE))
		}
		if c.LTE != nil {
			bounds = append(bounds, field+" <= "+args.add(*c.LTE))
		}
		if len(bounds) == 0 {
			bounds = append(bounds, fmt.Sprintf("jsonb_typeof(payload->%s) = 'number'", key))
		}
		expr = strings.Join(bounds, " AND ")
	case CondMatch:
		data, _ := json.Marshal(map[string]any{c.Key: c.Value})
		expr = "payload @> " + args.add(string(data)) + "::jsonb"
	case CondText:
		expr = fmt.Sprintf("strpos(payload->>%s, %s) > 0", key, args.add(c.Text))
	case CondAny:
		expr = fmt.Sprintf("payload->%s ?| %s::text[]", key, args.add(c.Any))
	default:
		expr = "FALSE"
	}
	return "COALESCE(" + expr + ", false)"
}

// classify maps driver errors onto the transient/database codes. Timeouts,
// broken connections and errors pgconn marks safe to retry are transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if apperr.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	var pgErr *pgconn.PgError
	switch {
	case pgconn.Timeout(err), pgconn.SafeToRetry(err),
		errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return apperr.Wrap(err, apperr.CodeVectorDBTransport, "vectordb: "+op)
	case errors.As(err, &pgErr):
		return apperr.Wrap(err, apperr.CodeVectorDBFailure, "vectordb: "+op,
			apperr.Field("sqlstate", pgErr.Code))
	}
	return apperr.Wrap(err, apperr.CodeVectorDBFailure, "vectordb: "+op)
}
