package service

import (
	"context"
	"fmt"

	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/services/course/internal/query/cache"
	"github.com/payalb/course-management/services/course/internal/query/domain"
	"github.com/payalb/course-management/services/course/internal/query/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Projector folds course events into the read store. It is the only writer
// of course_read_model.
type Projector struct {
	repo   repository.CourseViewRepository
	cache  cache.Cache
	tracer trace.Tracer
	logger *zap.Logger

	applied metric.Int64Counter
	stale   metric.Int64Counter
}

func NewProjector(repo repository.CourseViewRepository, c cache.Cache, logger *zap.Logger) (*Projector, error) {
	meter := otel.Meter("course/query/projector")

	applied, err := meter.Int64Counter(
		"projection_applied_total",
		metric.WithDescription("Course events written to the read store"),
	)
	if err != nil {
		return nil, err
	}

	stale, err := meter.Int64Counter(
		"projection_stale_total",
		metric.WithDescription("Course events discarded as older than the stored row"),
	)
	if err != nil {
		return nil, err
	}

	return &Projector{
		repo:    repo,
		cache:   c,
		tracer:  otel.Tracer("course/query/projector"),
		logger:  logger,
		applied: applied,
		stale:   stale,
	}, nil
}

// Apply is idempotent. An event older than the stored row is discarded. The
// cache is cleared only after a write, and a failed clear is returned so the
// event is redelivered and the clear retried.
func (p *Projector) Apply(ctx context.Context, event *coursedomain.CourseEvent) error {
	ctx, span := p.tracer.Start(ctx, "Projector.Apply")
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("event_type", string(event.EventType)),
	}
	span.SetAttributes(append(attrs, attribute.Int64("course_id", event.CourseID))...)

	written, err := p.repo.Upsert(ctx, domain.FromEvent(event))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("project course %d: %w", event.CourseID, err)
	}

	if !written {
		p.stale.Add(ctx, 1, metric.WithAttributes(attrs...))

		mylogger.Info(
			ctx,
			p.logger,
			"Discarded stale course event",
			zap.Int64("course_id", event.CourseID),
			zap.String("event_type", string(event.EventType)),
			zap.Int64("timestamp", event.Timestamp),
		)

		return nil
	}

	p.applied.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err := p.cache.InvalidateAll(ctx); err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, p.logger, "Failed to invalidate query cache", zap.Int64("course_id", event.CourseID), zap.Error(err))
		return fmt.Errorf("invalidate cache after course %d: %w", event.CourseID, err)
	}

	mylogger.Debug(
		ctx,
		p.logger,
		"Projected course event",
		zap.Int64("course_id", event.CourseID),
		zap.String("event_type", string(event.EventType)),
	)

	return nil
}
