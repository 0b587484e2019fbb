package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/payalb/course-management/pkg/db"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/services/course/internal/command/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const courseColumns = `id, name, description, price, tags, instructor_id, status, created_at, updated_at`

type CourseRepository interface {
	Create(ctx context.Context, tx pgx.Tx, course *domain.Course) (int64, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Course, error)
	Update(ctx context.Context, tx pgx.Tx, course *domain.Course) error
	GetByID(ctx context.Context, id int64) (*domain.Course, error)
}

type courseRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewCourseRepository(pool *pgxpool.Pool, logger *zap.Logger) CourseRepository {
	return &courseRepo{
		pool:   pool,
		tracer: otel.Tracer("course/command/repository"),
		logger: logger,
	}
}

func (r *courseRepo) Create(ctx context.Context, tx pgx.Tx, course *domain.Course) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "CourseRepository.Create")
	defer span.End()

	span.SetAttributes(attribute.String("name", course.Name))

	price, err := db.NumericFromDecimal(course.Price)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO courses (name, description, price, tags, instructor_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err = tx.QueryRow(
		ctx,
		query,
		course.Name,
		course.Description,
		price,
		course.Tags,
		course.InstructorID,
		string(course.Status),
		course.CreatedAt,
		course.UpdatedAt,
	).Scan(&course.ID)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error creating course",
			zap.Error(err),
		)

		return 0, fmt.Errorf("error creating course: %w", err)
	}

	return course.ID, nil
}

// GetForUpdate row-locks the course until tx ends.
func (r *courseRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Course, error) {
	ctx, span := r.tracer.Start(ctx, "CourseRepository.GetForUpdate")
	defer span.End()

	span.SetAttributes(attribute.Int64("course_id", id))

	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = $1 FOR UPDATE`

	course, err := scanCourse(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, domain.ErrCourseNotFound) {
			return nil, err
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error locking course %d: %w", id, err)
	}

	return course, nil
}

func (r *courseRepo) Update(ctx context.Context, tx pgx.Tx, course *domain.Course) error {
	ctx, span := r.tracer.Start(ctx, "CourseRepository.Update")
	defer span.End()

	span.SetAttributes(attribute.Int64("course_id", course.ID))

	price, err := db.NumericFromDecimal(course.Price)
	if err != nil {
		return err
	}

	query := `
		UPDATE courses
		SET name = $2,
			description = $3,
			price = $4,
			tags = $5,
			status = $6,
			updated_at = $7
		WHERE id = $1
	`

	commandTag, err := tx.Exec(
		ctx,
		query,
		course.ID,
		course.Name,
		course.Description,
		price,
		course.Tags,
		string(course.Status),
		course.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to update course",
			zap.Int64("course_id", course.ID),
			zap.Error(err),
		)

		return fmt.Errorf("error updating course: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return domain.ErrCourseNotFound
	}

	return nil
}

func (r *courseRepo) GetByID(ctx context.Context, id int64) (*domain.Course, error) {
	ctx, span := r.tracer.Start(ctx, "CourseRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("course_id", id))

	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = $1`

	course, err := scanCourse(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, domain.ErrCourseNotFound) {
			return nil, err
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error getting course: %w", err)
	}

	return course, nil
}

func scanCourse(row pgx.Row) (*domain.Course, error) {
	var (
		c      domain.Course
		price  pgtype.Numeric
		status string
	)

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Description,
		&price,
		&c.Tags,
		&c.InstructorID,
		&status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCourseNotFound
		}
		return nil, err
	}

	c.Price, err = db.DecimalFromNumeric(price)
	if err != nil {
		return nil, err
	}

	c.Status = coursedomain.CourseStatus(status)
	if c.Tags == nil {
		c.Tags = []string{}
	}

	return &c, nil
}
