package service

import (
	"context"

	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/services/course/internal/query/domain"
	"github.com/payalb/course-management/services/course/internal/query/repository"
	"go.uber.org/zap"
)

type CourseQueryService interface {
	GetByID(ctx context.Context, courseID int64) (*domain.CourseView, error)
	List(ctx context.Context, q domain.ListQuery) (*domain.Page, error)
	Search(ctx context.Context, q domain.SearchQuery) (*domain.Page, error)
}

type courseQueryService struct {
	repo   repository.CourseViewRepository
	logger *zap.Logger
}

func NewCourseQueryService(repo repository.CourseViewRepository, logger *zap.Logger) CourseQueryService {
	return &courseQueryService{
		repo:   repo,
		logger: logger,
	}
}

func (s *courseQueryService) GetByID(ctx context.Context, courseID int64) (*domain.CourseView, error) {
	return s.repo.GetByID(ctx, courseID)
}

func (s *courseQueryService) List(ctx context.Context, q domain.ListQuery) (*domain.Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	views, total, err := s.repo.List(ctx, q)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to list courses", zap.Error(err))
		return nil, err
	}

	return domain.NewPage(views, q.Page, q.Size, total), nil
}

func (s *courseQueryService) Search(ctx context.Context, q domain.SearchQuery) (*domain.Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	views, total, err := s.repo.Search(ctx, q)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to search courses", zap.String("keyword", q.Keyword), zap.Error(err))
		return nil, err
	}

	return domain.NewPage(views, q.Page, q.Size, total), nil
}
