package vectordb

import (
	"context"
	"log/slog"
	"time"

	"imagesearch/internal/apperr"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Retrying decorates a Store so every call is retried on transient
// transport errors. attempts counts the first try; delay is the fixed pause
// between tries.
type Retrying struct {
	next     Store
	attempts int
	delay    time.Duration
}

var _ Store = (*Retrying)(nil)

func NewRetrying(next Store, attempts int, delay time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &Retrying{next: next, attempts: attempts, delay: delay}
}

func (r *Retrying) backoff() retry.Backoff {
	delay := r.delay
	return retry.WithMaxRetries(uint64(r.attempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	}))
}

func (r *Retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && apperr.IsTransient(err) {
			if attempt < r.attempts {
				slog.Warn("vector store call failed, retrying", "op", op, "attempt", attempt, "error", err)
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && apperr.IsTransient(err) {
		slog.Error("vector store call gave up", "op", op, "attempts", attempt, "error", err)
	}
	return err
}

func (r *Retrying) Retrieve(ctx context.Context, ids []uuid.UUID, withVectors bool) (out []Point, err error) {
	err = r.do(ctx, "retrieve", func(ctx context.Context) error {
		out, err = r.next.Retrieve(ctx, ids, withVectors)
		return err
	})
	return out, err
}

func (r *Retrying) ValidateIDs(ctx context.Context, ids []uuid.UUID) (out []uuid.UUID, err error) {
	err = r.do(ctx, "validate_ids", func(ctx context.Context) error {
		out, err = r.next.ValidateIDs(ctx, ids)
		return err
	})
	return out, err
}

func (r *Retrying) Upsert(ctx context.Context, points []Point) error {
	return r.do(ctx, "upsert", func(ctx context.Context) error {
		return r.next.Upsert(ctx, points)
	})
}

func (r *Retrying) Delete(ctx context.Context, ids []uuid.UUID) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.next.Delete(ctx, ids)
	})
}

func (r *Retrying) SetPayload(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return r.do(ctx, "set_payload", func(ctx context.Context) error {
		return r.next.SetPayload(ctx, id, fields)
	})
}

func (r *Retrying) Scroll(ctx context.Context, filter *Filter, limit int, offset *uuid.UUID) (points []Point, next *uuid.UUID, err error) {
	err = r.do(ctx, "scroll", func(ctx context.Context) error {
		points, next, err = r.next.Scroll(ctx, filter, limit, offset)
		return err
	})
	return points, next, err
}

func (r *Retrying) Count(ctx context.Context, filter *Filter) (n int, err error) {
	err = r.do(ctx, "count", func(ctx context.Context) error {
		n, err = r.next.Count(ctx, filter)
		return err
	})
	return n, err
}

func (r *Retrying) Query(ctx context.Context, req Request) (out []ScoredPoint, err error) {
	err = r.do(ctx, "query", func(ctx context.Context) error {
		out, err = r.next.Query(ctx, req)
		return err
	})
	return out, err
}
