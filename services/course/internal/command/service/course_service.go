package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/mylogger"
	outboxDomain "github.com/payalb/course-management/pkg/outbox/domain"
	"github.com/payalb/course-management/pkg/outbox/worker"
	"github.com/payalb/course-management/pkg/utils"
	"github.com/payalb/course-management/services/course/internal/command/domain"
	"github.com/payalb/course-management/services/course/internal/command/repository"
	"go.uber.org/zap"
)

type CourseService interface {
	Create(ctx context.Context, input *domain.CreateCourseInput) (int64, error)
	Update(ctx context.Context, id int64, input *domain.UpdateCourseInput) error
	Archive(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*domain.Course, error)
}

// OutboxWriter appends a ledger record inside the caller's transaction.
type OutboxWriter interface {
	Save(ctx context.Context, tx pgx.Tx, record *outboxDomain.OutboxRecord) error
}

type courseService struct {
	courseRepo repository.CourseRepository
	outboxRepo OutboxWriter
	db         worker.TxBeginner
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

func NewCourseService(
	courseRepo repository.CourseRepository,
	outboxRepo OutboxWriter,
	db worker.TxBeginner,
	logger *zap.Logger,
) CourseService {
	return &courseService{
		courseRepo: courseRepo,
		outboxRepo: outboxRepo,
		db:         db,
		validate:   utils.NewValidator(),
		logger:     logger,
		now:        time.Now,
	}
}

func (s *courseService) Create(ctx context.Context, input *domain.CreateCourseInput) (int64, error) {
	if err := utils.ValidateStruct(s.validate, input); err != nil {
		mylogger.Warn(ctx, s.logger, "Rejected create course command", zap.Error(err))
		return 0, err
	}

	var id int64
	err := s.withTx(ctx, "Create", func(tx pgx.Tx) error {
		now := s.now()
		course := domain.NewCourse(input, now)

		var err error
		id, err = s.courseRepo.Create(ctx, tx, course)
		if err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, course, coursedomain.CourseCreated, now)
	})
	if err != nil {
		return 0, err
	}

	mylogger.Info(ctx, s.logger, "Course created", zap.Int64("course_id", id))
	return id, nil
}

func (s *courseService) Update(ctx context.Context, id int64, input *domain.UpdateCourseInput) error {
	if err := utils.ValidateStruct(s.validate, input); err != nil {
		mylogger.Warn(ctx, s.logger, "Rejected update course command", zap.Int64("course_id", id), zap.Error(err))
		return err
	}

	return s.mutate(ctx, "Update", id, func(c *domain.Course, now time.Time) error {
		return c.Apply(input, now)
	})
}

func (s *courseService) Archive(ctx context.Context, id int64) error {
	return s.mutate(ctx, "Archive", id, (*domain.Course).Archive)
}

func (s *courseService) Restore(ctx context.Context, id int64) error {
	return s.mutate(ctx, "Restore", id, (*domain.Course).Restore)
}

func (s *courseService) GetByID(ctx context.Context, id int64) (*domain.Course, error) {
	course, err := s.courseRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrCourseNotFound) {
			mylogger.Warn(ctx, s.logger, "Course not found", zap.Int64("course_id", id))
			return nil, err
		}

		mylogger.Error(ctx, s.logger, "Error getting course", zap.Error(err))
		return nil, fmt.Errorf("error getting course by id: %w", err)
	}

	return course, nil
}

// mutate locks the course, applies change and emits one COURSE_UPDATED record
// in the same transaction. A failing change leaves both stores untouched.
func (s *courseService) mutate(ctx context.Context, method string, id int64, change func(*domain.Course, time.Time) error) error {
	err := s.withTx(ctx, method, func(tx pgx.Tx) error {
		course, err := s.courseRepo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := course.NextEventTime(s.now())
		if err := change(course, now); err != nil {
			return err
		}

		if err := s.courseRepo.Update(ctx, tx, course); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, course, coursedomain.CourseUpdated, now)
	})
	if err != nil {
		mylogger.Warn(
			ctx,
			s.logger,
			"Course command failed",
			zap.String("method_name", method),
			zap.Int64("course_id", id),
			zap.Error(err),
		)

		return err
	}

	mylogger.Info(ctx, s.logger, "Course updated", zap.String("method_name", method), zap.Int64("course_id", id))
	return nil
}

func (s *courseService) appendEvent(
	ctx context.Context,
	tx pgx.Tx,
	course *domain.Course,
	eventType coursedomain.CourseEventType,
	at time.Time,
) error {
	payload, err := coursedomain.EncodeCourseEvent(course.Event(eventType, at))
	if err != nil {
		return err
	}

	record := outboxDomain.NewRecord(string(eventType), course.ID, payload)
	if err := s.outboxRepo.Save(ctx, tx, record); err != nil {
		return fmt.Errorf("failed to save outbox record: %w", err)
	}

	mylogger.Debug(
		ctx,
		s.logger,
		"Outbox record appended",
		zap.Int64("outbox_id", record.ID),
		zap.Int64("course_id", course.ID),
		zap.String("event_type", string(eventType)),
	)

	return nil
}

func (s *courseService) withTx(ctx context.Context, method string, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Error starting transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		err := tx.Rollback(cleanupCtx)

		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(
				cleanupCtx,
				s.logger,
				"Error rolling back transaction",
				zap.Error(err),
				zap.String("method_name", method),
			)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		mylogger.Error(ctx, s.logger, "Error committing transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
