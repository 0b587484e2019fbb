package service

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/services/course/internal/query/cache"
	"github.com/payalb/course-management/services/course/internal/query/domain"
	"go.uber.org/zap"
)

// cachedCourseQueryService serves reads from the cache and fills it on a miss.
// Cache failures degrade to the read store and never fail a query.
type cachedCourseQueryService struct {
	next   CourseQueryService
	cache  cache.Cache
	logger *zap.Logger
}

func NewCachedCourseQueryService(next CourseQueryService, c cache.Cache, logger *zap.Logger) CourseQueryService {
	return &cachedCourseQueryService{
		next:   next,
		cache:  c,
		logger: logger,
	}
}

func (s *cachedCourseQueryService) GetByID(ctx context.Context, courseID int64) (*domain.CourseView, error) {
	return cached(ctx, s, cache.ByIDKey(courseID), func() (*domain.CourseView, error) {
		return s.next.GetByID(ctx, courseID)
	})
}

func (s *cachedCourseQueryService) List(ctx context.Context, q domain.ListQuery) (*domain.Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	return cached(ctx, s, cache.ListKey(q), func() (*domain.Page, error) {
		return s.next.List(ctx, q)
	})
}

func (s *cachedCourseQueryService) Search(ctx context.Context, q domain.SearchQuery) (*domain.Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	return cached(ctx, s, cache.SearchKey(q), func() (*domain.Page, error) {
		return s.next.Search(ctx, q)
	})
}

func cached[T any](ctx context.Context, s *cachedCourseQueryService, key string, load func() (*T, error)) (*T, error) {
	val, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		mylogger.Warn(ctx, s.logger, "Cache read failed", zap.String("key", key), zap.Error(err))
	}

	if hit {
		var out T
		if err := json.Unmarshal(val, &out); err == nil {
			return &out, nil
		}
		mylogger.Warn(ctx, s.logger, "Dropping undecodable cache entry", zap.String("key", key))
	}

	result, err := load()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		mylogger.Warn(ctx, s.logger, "Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return result, nil
	}

	if err := s.cache.Put(ctx, key, data); err != nil {
		mylogger.Warn(ctx, s.logger, "Cache write failed", zap.String("key", key), zap.Error(err))
	}

	return result, nil
}
