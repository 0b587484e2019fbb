package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/payalb/course-management/pkg/db"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/services/course/internal/query/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const viewColumns = `id, course_id, name, description, price, tags, instructor_id, status, created_at, updated_at, last_event_at`

type CourseViewRepository interface {
	// Upsert writes view unless the stored row already reflects a newer event.
	// It reports whether the row was written.
	Upsert(ctx context.Context, view *domain.CourseView) (bool, error)
	GetByID(ctx context.Context, courseID int64) (*domain.CourseView, error)
	List(ctx context.Context, q domain.ListQuery) ([]*domain.CourseView, int64, error)
	Search(ctx context.Context, q domain.SearchQuery) ([]*domain.CourseView, int64, error)
}

type courseViewRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewCourseViewRepository(pool *pgxpool.Pool, logger *zap.Logger) CourseViewRepository {
	return &courseViewRepo{
		pool:   pool,
		tracer: otel.Tracer("course/query/repository"),
		logger: logger,
	}
}

func (r *courseViewRepo) Upsert(ctx context.Context, view *domain.CourseView) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "CourseViewRepository.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("course_id", view.CourseID),
		attribute.Int64("last_event_at", view.LastEventAt),
	)

	price, err := db.NumericFromDecimal(view.Price.Decimal)
	if err != nil {
		return false, err
	}

	tags := view.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO course_read_model (
			course_id, name, description, price, tags, instructor_id, status, created_at, updated_at, last_event_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (course_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			tags = EXCLUDED.tags,
			instructor_id = EXCLUDED.instructor_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			last_event_at = EXCLUDED.last_event_at
		WHERE course_read_model.last_event_at <= EXCLUDED.last_event_at
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		view.CourseID,
		view.Name,
		view.Description,
		price,
		tags,
		view.InstructorID,
		string(view.Status),
		view.CreatedAt,
		view.UpdatedAt,
		view.LastEventAt,
	)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error upserting course view",
			zap.Int64("course_id", view.CourseID),
			zap.Error(err),
		)

		return false, fmt.Errorf("error upserting course view %d: %w", view.CourseID, err)
	}

	applied := tag.RowsAffected() > 0
	span.SetAttributes(attribute.Bool("applied", applied))

	return applied, nil
}

func (r *courseViewRepo) GetByID(ctx context.Context, courseID int64) (*domain.CourseView, error) {
	ctx, span := r.tracer.Start(ctx, "CourseViewRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("course_id", courseID))

	query := `SELECT ` + viewColumns + ` FROM course_read_model WHERE course_id = $1`

	rows, err := r.pool.Query(ctx, query, courseID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error querying course view %d: %w", courseID, err)
	}

	view, err := pgx.CollectExactlyOneRow(rows, scanView)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCourseNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error scanning course view %d: %w", courseID, err)
	}

	return view, nil
}

func (r *courseViewRepo) List(ctx context.Context, q domain.ListQuery) ([]*domain.CourseView, int64, error) {
	ctx, span := r.tracer.Start(ctx, "CourseViewRepository.List")
	defer span.End()

	span.SetAttributes(
		attribute.Int("page", q.Page),
		attribute.Int("size", q.Size),
		attribute.Bool("include_archived", q.IncludeArchived),
	)

	var f filter
	if !q.IncludeArchived {
		f.add("status <> %s", string(coursedomain.StatusArchived))
	}

	views, total, err := r.page(ctx, f, q.Size, q.Offset())
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	return views, total, nil
}

func (r *courseViewRepo) Search(ctx context.Context, q domain.SearchQuery) ([]*domain.CourseView, int64, error) {
	ctx, span := r.tracer.Start(ctx, "CourseViewRepository.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("keyword", q.Keyword),
		attribute.Int("page", q.Page),
		attribute.Int("size", q.Size),
	)

	var f filter
	if !q.IncludeArchived {
		f.add("status <> %s", string(coursedomain.StatusArchived))
	}

	if q.Keyword != "" {
		pattern := f.arg("%" + escapeLike(q.Keyword) + "%")
		keyword := f.arg(q.Keyword)

		f.where = append(f.where, fmt.Sprintf(
			`(name ILIKE %[1]s ESCAPE '\' OR description ILIKE %[1]s ESCAPE '\' OR EXISTS (SELECT 1 FROM unnest(tags) AS t(tag) WHERE lower(t.tag) = lower(%[2]s)))`,
			pattern,
			keyword,
		))
	}

	if q.MinPrice != nil {
		price, err := db.NumericFromDecimal(*q.MinPrice)
		if err != nil {
			return nil, 0, err
		}
		f.add("price >= %s", price)
	}

	if q.MaxPrice != nil {
		price, err := db.NumericFromDecimal(*q.MaxPrice)
		if err != nil {
			return nil, 0, err
		}
		f.add("price <= %s", price)
	}

	views, total, err := r.page(ctx, f, q.Size, q.Offset())
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	span.SetAttributes(attribute.Int64("total", total))

	return views, total, nil
}

func (r *courseViewRepo) page(ctx context.Context, f filter, limit, offset int) ([]*domain.CourseView, int64, error) {
	where := f.clause()

	var total int64
	countQuery := `SELECT COUNT(*) FROM course_read_model` + where
	if err := r.pool.QueryRow(ctx, countQuery, f.args...).Scan(&total); err != nil {
		mylogger.Error(ctx, r.logger, "Error counting course views", zap.Error(err))
		return nil, 0, fmt.Errorf("error counting course views: %w", err)
	}

	if total == 0 {
		return []*domain.CourseView{}, 0, nil
	}

	args := append(f.args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM course_read_model%s ORDER BY course_id ASC LIMIT $%d OFFSET $%d`,
		viewColumns,
		where,
		len(f.args)+1,
		len(f.args)+2,
	)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		mylogger.Error(ctx, r.logger, "Error listing course views", zap.Error(err))
		return nil, 0, fmt.Errorf("error listing course views: %w", err)
	}

	views, err := pgx.CollectRows(rows, scanView)
	if err != nil {
		return nil, 0, fmt.Errorf("error scanning course views: %w", err)
	}

	return views, total, nil
}

// filter accumulates AND-ed predicates with positional arguments.
type filter struct {
	where []string
	args  []any
}

func (f *filter) arg(v any) string {
	f.args = append(f.args, v)
	return fmt.Sprintf("$%d", len(f.args))
}

func (f *filter) add(format string, v any) {
	f.where = append(f.where, fmt.Sprintf(format, f.arg(v)))
}

func (f *filter) clause() string {
	if len(f.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.where, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanView(row pgx.CollectableRow) (*domain.CourseView, error) {
	var (
		view   domain.CourseView
		price  pgtype.Numeric
		status string
	)

	err := row.Scan(
		&view.ID,
		&view.CourseID,
		&view.Name,
		&view.Description,
		&price,
		&view.Tags,
		&view.InstructorID,
		&status,
		&view.CreatedAt,
		&view.UpdatedAt,
		&view.LastEventAt,
	)
	if err != nil {
		return nil, err
	}

	amount, err := db.DecimalFromNumeric(price)
	if err != nil {
		return nil, err
	}

	view.Price = coursedomain.NewMoney(amount)
	view.Status = coursedomain.CourseStatus(status)

	if view.Tags == nil {
		view.Tags = []string{}
	}

	return &view, nil
}
