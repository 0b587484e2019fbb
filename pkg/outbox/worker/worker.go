package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/payalb/course-management/pkg/apperrors"
	"github.com/payalb/course-management/pkg/config"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/eventbus"
	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/pkg/outbox/domain"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OutboxRepository interface {
	Save(ctx context.Context, tx pgx.Tx, record *domain.OutboxRecord) error
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]*domain.OutboxRecord, error)
	ClaimFailedForRetry(ctx context.Context, tx pgx.Tx, maxRetries int, since time.Time, limit int) ([]*domain.OutboxRecord, error)
	ClaimByID(ctx context.Context, tx pgx.Tx, id int64) (*domain.OutboxRecord, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, errMsg string) error
	DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error)
	ListExhausted(ctx context.Context, maxRetries int, since time.Time, limit int) ([]*domain.OutboxRecord, error)
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Options struct {
	Topic            string
	BatchSize        int
	MaxRetries       int
	DispatchInterval time.Duration
	RetryInterval    time.Duration
	CleanupInterval  time.Duration
	RetryWindow      time.Duration
	Retention        time.Duration
}

func OptionsFromConfig(topic string, cfg config.Outbox) Options {
	return Options{
		Topic:            topic,
		BatchSize:        cfg.BatchSize,
		MaxRetries:       cfg.MaxRetries,
		DispatchInterval: cfg.DispatchInterval,
		RetryInterval:    cfg.RetryInterval,
		CleanupInterval:  cfg.CleanupInterval,
		RetryWindow:      cfg.RetryWindow,
		Retention:        cfg.Retention,
	}
}

// PassResult counts the outcome of one Dispatch or Retry pass.
type PassResult struct {
	Published int
	Failed    int
}

type counters struct {
	published metric.Int64Counter
	failed    metric.Int64Counter
	exhausted metric.Int64Counter
}

// Publisher moves outbox records onto the event bus.
type Publisher struct {
	db      TxBeginner
	repo    OutboxRepository
	bus     eventbus.Publisher
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics counters
	now     func() time.Time
}

func NewPublisher(
	db TxBeginner,
	repo OutboxRepository,
	bus eventbus.Publisher,
	opts Options,
	logger *zap.Logger,
) (*Publisher, error) {
	meter := otel.Meter("pkg/outbox/worker")

	published, err := meter.Int64Counter("outbox_published_total", metric.WithDescription("Outbox records acknowledged by the bus"))
	if err != nil {
		return nil, fmt.Errorf("error creating counter: %w", err)
	}
	failed, err := meter.Int64Counter("outbox_failed_total", metric.WithDescription("Failed outbox delivery attempts"))
	if err != nil {
		return nil, fmt.Errorf("error creating counter: %w", err)
	}
	exhausted, err := meter.Int64Counter("outbox_exhausted_total", metric.WithDescription("Outbox records that ran out of automatic retries"))
	if err != nil {
		return nil, fmt.Errorf("error creating counter: %w", err)
	}

	return &Publisher{
		db:     db,
		repo:   repo,
		bus:    bus,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("pkg/outbox/worker"),
		metrics: counters{
			published: published,
			failed:    failed,
			exhausted: exhausted,
		},
		now: time.Now,
	}, nil
}

// Run starts the dispatch, retry and cleanup schedules and blocks until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	mylogger.Info(
		ctx,
		p.logger,
		"Starting outbox publisher",
		zap.Duration("dispatch_interval", p.opts.DispatchInterval),
		zap.Duration("retry_interval", p.opts.RetryInterval),
		zap.Duration("cleanup_interval", p.opts.CleanupInterval),
	)

	var wg conc.WaitGroup
	wg.Go(func() {
		p.every(ctx, "dispatch", p.opts.DispatchInterval, func(ctx context.Context) error {
			_, err := p.Dispatch(ctx)
			return err
		})
	})
	wg.Go(func() {
		p.every(ctx, "retry", p.opts.RetryInterval, func(ctx context.Context) error {
			_, err := p.Retry(ctx)
			return err
		})
	})
	wg.Go(func() {
		p.every(ctx, "cleanup", p.opts.CleanupInterval, func(ctx context.Context) error {
			_, err := p.Cleanup(ctx)
			return err
		})
	})
	wg.Wait()

	mylogger.Info(ctx, p.logger, "Outbox publisher stopped")
}

func (p *Publisher) every(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			mylogger.Error(
				ctx,
				p.logger,
				"Outbox pass failed",
				zap.String("schedule", name),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch delivers up to BatchSize PENDING records, oldest first.
func (p *Publisher) Dispatch(ctx context.Context) (PassResult, error) {
	return p.pass(ctx, "OutboxPublisher.Dispatch", func(ctx context.Context, tx pgx.Tx) ([]*domain.OutboxRecord, error) {
		return p.repo.ClaimPending(ctx, tx, p.opts.BatchSize)
	})
}

// Retry redelivers FAILED records still inside their retry budget and window.
func (p *Publisher) Retry(ctx context.Context) (PassResult, error) {
	return p.pass(ctx, "OutboxPublisher.Retry", func(ctx context.Context, tx pgx.Tx) ([]*domain.OutboxRecord, error) {
		since := p.now().Add(-p.opts.RetryWindow)
		return p.repo.ClaimFailedForRetry(ctx, tx, p.opts.MaxRetries, since, p.opts.BatchSize)
	})
}

// Cleanup deletes PUBLISHED records older than the retention window.
func (p *Publisher) Cleanup(ctx context.Context) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxPublisher.Cleanup")
	defer span.End()

	deleted, err := p.repo.DeleteOlderThan(ctx, p.now().Add(-p.opts.Retention))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if deleted > 0 {
		mylogger.Info(ctx, p.logger, "Deleted old published outbox records", zap.Int64("deleted", deleted))
	}

	return deleted, nil
}

// Exhausted lists FAILED records the retry schedule will never pick up again.
func (p *Publisher) Exhausted(ctx context.Context, limit int) ([]*domain.OutboxRecord, error) {
	if limit <= 0 {
		limit = p.opts.BatchSize
	}

	return p.repo.ListExhausted(ctx, p.opts.MaxRetries, p.now().Add(-p.opts.RetryWindow), limit)
}

// Replay makes one manual delivery attempt for a FAILED record. The ledger
// update is committed whatever the outcome; a failed attempt is returned.
func (p *Publisher) Replay(ctx context.Context, id int64) error {
	ctx, span := p.tracer.Start(ctx, "OutboxPublisher.Replay")
	defer span.End()

	span.SetAttributes(attribute.Int64("outbox_id", id))

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer p.rollback(ctx, tx, "Replay")

	record, err := p.repo.ClaimByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return apperrors.NotFoundf("outbox record %d", id)
	}
	if record.Status != domain.StatusFailed {
		return apperrors.Conflictf("outbox record %d is %s, only FAILED records can be replayed", id, record.Status)
	}

	deliveryErr, err := p.deliver(ctx, tx, record)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return deliveryErr
}

type claimFunc func(ctx context.Context, tx pgx.Tx) ([]*domain.OutboxRecord, error)

// pass claims records with row locks, delivers them one by one and commits
// all status updates together. A crash before commit leaves the records
// claimable again; any duplicate this produces is absorbed by the projector.
func (p *Publisher) pass(ctx context.Context, name string, claim claimFunc) (PassResult, error) {
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()

	var result PassResult

	tx, err := p.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer p.rollback(ctx, tx, name)

	records, err := claim(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	if len(records) == 0 {
		return result, nil
	}

	mylogger.Info(
		ctx,
		p.logger,
		"Processing outbox records",
		zap.String("pass", name),
		zap.Int("count", len(records)),
	)

	for _, record := range records {
		deliveryErr, err := p.deliver(ctx, tx, record)
		if err != nil {
			span.RecordError(err)
			return PassResult{}, err
		}

		if deliveryErr != nil {
			result.Failed++
		} else {
			result.Published++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return PassResult{}, fmt.Errorf("error committing transaction: %w", err)
	}

	span.SetAttributes(
		attribute.Int("published", result.Published),
		attribute.Int("failed", result.Failed),
	)

	return result, nil
}

// deliver publishes one record and records the outcome in tx. The first
// return value is the delivery failure, the second a ledger failure that
// must abort the pass.
func (p *Publisher) deliver(ctx context.Context, tx pgx.Tx, record *domain.OutboxRecord) (deliveryErr, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", record.EventType))

	deliveryErr = p.publish(ctx, record)
	if deliveryErr == nil {
		now := p.now()
		if err := record.MarkPublished(now); err != nil {
			return nil, err
		}
		if err := p.repo.MarkPublished(ctx, tx, record.ID, now); err != nil {
			return nil, err
		}

		p.metrics.published.Add(ctx, 1, attrs)

		mylogger.Debug(
			ctx,
			p.logger,
			"Outbox record published",
			zap.Int64("outbox_id", record.ID),
			zap.Int64("course_id", record.AggregateID),
			zap.String("event_type", record.EventType),
		)

		return nil, nil
	}

	if err := record.MarkFailed(deliveryErr); err != nil {
		return nil, err
	}
	if err := p.repo.MarkFailed(ctx, tx, record.ID, deliveryErr.Error()); err != nil {
		return nil, err
	}

	p.metrics.failed.Add(ctx, 1, attrs)

	mylogger.Error(
		ctx,
		p.logger,
		"Failed to publish outbox record",
		zap.Int64("outbox_id", record.ID),
		zap.Int64("course_id", record.AggregateID),
		zap.Int("retry_count", record.RetryCount),
		zap.Error(deliveryErr),
	)

	if record.RetryCount >= p.opts.MaxRetries {
		p.metrics.exhausted.Add(ctx, 1, attrs)

		mylogger.Error(
			ctx,
			p.logger,
			"Outbox record exceeded max retries, manual intervention required",
			zap.Int64("outbox_id", record.ID),
			zap.Error(&apperrors.ExhaustedRetryError{
				RecordID:   record.ID,
				RetryCount: record.RetryCount,
				Err:        deliveryErr,
			}),
		)
	}

	return deliveryErr, nil
}

func (p *Publisher) publish(ctx context.Context, record *domain.OutboxRecord) error {
	event, err := coursedomain.DecodeCourseEvent([]byte(record.Payload))
	if err != nil {
		return err
	}

	if event.CourseID != record.AggregateID {
		return &apperrors.SerializationError{
			Err: fmt.Errorf("payload course id %d does not match aggregate id %d", event.CourseID, record.AggregateID),
		}
	}

	return p.bus.Publish(ctx, p.opts.Topic, event.Key(), []byte(record.Payload))
}

func (p *Publisher) rollback(ctx context.Context, tx pgx.Tx, method string) {
	cleanupCtx := context.WithoutCancel(ctx)

	err := tx.Rollback(cleanupCtx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Error(
			cleanupCtx,
			p.logger,
			"Outbox publisher failed to rollback transaction",
			zap.Error(err),
			zap.String("method_name", method),
		)
	}
}
