package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/payalb/course-management/pkg/outbox/domain"
	"github.com/payalb/course-management/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const recordColumns = `id, event_type, aggregate_id, payload, status, created_at, published_at, retry_count, error_message`

type outboxRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, logger *zap.Logger) worker.OutboxRepository {
	return &outboxRepo{
		pool:   pool,
		tracer: otel.Tracer("pkg/outbox/repository"),
		logger: logger,
	}
}

func (r *outboxRepo) Save(ctx context.Context, tx pgx.Tx, record *domain.OutboxRecord) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.Save")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("aggregate_id", record.AggregateID),
		attribute.String("event_type", record.EventType),
	)

	query := `
		INSERT INTO outbox_events (event_type, aggregate_id, payload, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, retry_count
	`

	err := tx.QueryRow(
		ctx,
		query,
		record.EventType,
		record.AggregateID,
		record.Payload,
		domain.StatusPending,
	).Scan(&record.ID, &record.CreatedAt, &record.RetryCount)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error saving outbox record: %w", err)
	}

	record.Status = domain.StatusPending

	return nil
}

func (r *outboxRepo) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]*domain.OutboxRecord, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.ClaimPending")
	defer span.End()

	span.SetAttributes(attribute.Int("batch_size", limit))

	query := `
		SELECT ` + recordColumns + `
		FROM outbox_events
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	records, err := r.query(ctx, tx, query, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim pending records: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(records)))

	return records, nil
}

func (r *outboxRepo) ClaimFailedForRetry(ctx context.Context, tx pgx.Tx, maxRetries int, since time.Time, limit int) ([]*domain.OutboxRecord, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.ClaimFailedForRetry")
	defer span.End()

	span.SetAttributes(
		attribute.Int("max_retries", maxRetries),
		attribute.Int("batch_size", limit),
	)

	query := `
		SELECT ` + recordColumns + `
		FROM outbox_events
		WHERE status = 'FAILED'
			AND retry_count < $1
			AND created_at > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	records, err := r.query(ctx, tx, query, maxRetries, since, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim failed records: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(records)))

	return records, nil
}

func (r *outboxRepo) ClaimByID(ctx context.Context, tx pgx.Tx, id int64) (*domain.OutboxRecord, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.ClaimByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("outbox_id", id))

	query := `
		SELECT ` + recordColumns + `
		FROM outbox_events
		WHERE id = $1
		FOR UPDATE
	`

	records, err := r.query(ctx, tx, query, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim record %d: %w", id, err)
	}

	if len(records) == 0 {
		return nil, nil
	}

	return records[0], nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkPublished")
	defer span.End()

	span.SetAttributes(attribute.Int64("outbox_id", id))

	query := `
		UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = $2, error_message = NULL
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`

	tag, err := tx.Exec(ctx, query, id, at)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error marking record %d published: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %d: %w", id, domain.ErrIllegalTransition)
	}

	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkFailed")
	defer span.End()

	errMsg = domain.TruncateError(errMsg)

	span.SetAttributes(
		attribute.Int64("outbox_id", id),
		attribute.String("outbox.error_message", errMsg),
	)

	query := `
		UPDATE outbox_events
		SET status = 'FAILED',
			retry_count = retry_count + 1,
			error_message = $2
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`

	tag, err := tx.Exec(ctx, query, id, errMsg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error marking record %d failed: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %d: %w", id, domain.ErrIllegalTransition)
	}

	return nil
}

func (r *outboxRepo) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.DeleteOlderThan")
	defer span.End()

	query := `
		DELETE FROM outbox_events
		WHERE status = 'PUBLISHED' AND published_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, threshold)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("error deleting published records: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", tag.RowsAffected()))

	return tag.RowsAffected(), nil
}

func (r *outboxRepo) ListExhausted(ctx context.Context, maxRetries int, since time.Time, limit int) ([]*domain.OutboxRecord, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.ListExhausted")
	defer span.End()

	query := `
		SELECT ` + recordColumns + `
		FROM outbox_events
		WHERE status = 'FAILED'
			AND (retry_count >= $1 OR created_at <= $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, maxRetries, since, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list exhausted records: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[domain.OutboxRecord])
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error scanning record: %w", err)
	}

	return records, nil
}

func (r *outboxRepo) query(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]*domain.OutboxRecord, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	records, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[domain.OutboxRecord])
	if err != nil {
		return nil, fmt.Errorf("error scanning record: %w", err)
	}

	return records, nil
}
