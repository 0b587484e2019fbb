// Package cache memoizes query results in front of the read store. Every
// applied projection clears the whole namespace.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/payalb/course-management/services/course/internal/query/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	Namespace = "courses:"

	scanBatch = 500
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	InvalidateAll(ctx context.Context) error
}

func ByIDKey(courseID int64) string {
	return fmt.Sprintf("%sid:%d", Namespace, courseID)
}

func ListKey(q domain.ListQuery) string {
	return fmt.Sprintf("%spage:%d:%d:%t", Namespace, q.Page, q.Size, q.IncludeArchived)
}

func SearchKey(q domain.SearchQuery) string {
	return fmt.Sprintf(
		"%ssearch:%s:%s:%s:%d:%d:%t",
		Namespace,
		strconv.Quote(q.Keyword),
		bound(q.MinPrice),
		bound(q.MaxPrice),
		q.Page,
		q.Size,
		q.IncludeArchived,
	)
}

func bound(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

// NewRedisCache stores entries with ttl as an upper bound on staleness should
// an invalidation be missed.
func NewRedisCache(client *redis.Client, ttl time.Duration) Cache {
	return &redisCache{
		client: client,
		ttl:    ttl,
		tracer: otel.Tracer("course/query/cache"),
	}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := c.tracer.Start(ctx, "Cache.Get")
	defer span.End()

	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("hit", false))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	span.SetAttributes(attribute.Bool("hit", true))
	return val, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, value []byte) error {
	ctx, span := c.tracer.Start(ctx, "Cache.Put")
	defer span.End()

	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache put %s: %w", key, err)
	}

	return nil
}

func (c *redisCache) InvalidateAll(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Cache.InvalidateAll")
	defer span.End()

	var (
		removed int64
		batch   = make([]string, 0, scanBatch)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += n
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, Namespace+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				span.RecordError(err)
				return fmt.Errorf("cache invalidate: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache scan: %w", err)
	}

	if err := flush(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache invalidate: %w", err)
	}

	span.SetAttributes(attribute.Int64("removed", removed))
	return nil
}
