package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/payalb/course-management/pkg/apperrors"
	"github.com/payalb/course-management/pkg/eventbus"
	"github.com/payalb/course-management/pkg/mylogger"
	"github.com/payalb/course-management/pkg/utils"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	HeaderMessageID   = "message-id"
	HeaderContentType = "content-type"
)

type Producer interface {
	eventbus.Publisher
	Close() error
}

type ProducerOptions struct {
	// Timeout bounds a single Publish call, acknowledgement included.
	Timeout time.Duration
	Breaker gobreaker.Settings
}

type producer struct {
	syncProducer sarama.SyncProducer
	cb           *gobreaker.CircuitBreaker
	timeout      time.Duration
	logger       *zap.Logger
}

type delivery struct {
	partition int32
	offset    int64
}

func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Net.MaxOpenRequests = 1

	return config
}

func NewProducer(brokers []string, opts ProducerOptions, logger *zap.Logger) (Producer, error) {
	p, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}

	return NewProducerFromSync(p, opts, logger), nil
}

// NewProducerFromSync wraps an existing sarama.SyncProducer.
func NewProducerFromSync(sp sarama.SyncProducer, opts ProducerOptions, logger *zap.Logger) Producer {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	settings := opts.Breaker
	if settings.Name == "" {
		settings = DefaultBreakerSettings("kafka-producer", logger)
	}

	return &producer{
		syncProducer: sp,
		cb:           gobreaker.NewCircuitBreaker(settings),
		timeout:      opts.Timeout,
		logger:       logger,
	}
}

func DefaultBreakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(
				"Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

// Publish sends value keyed by key and waits for the in-sync replicas to
// acknowledge it. Every failure, timeout included, is a *apperrors.DeliveryError.
func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: messageHeaders(ctx),
	}

	res, err := utils.ExecuteWithBreaker(p.cb, func() (delivery, error) {
		return p.send(ctx, msg)
	})
	if err != nil {
		if utils.BreakerRejected(err) {
			mylogger.Debug(ctx, p.logger, "Bus circuit open, failing fast", zap.String("topic", topic), zap.String("key", key))
		}
		return &apperrors.DeliveryError{Err: err}
	}

	mylogger.Debug(
		ctx,
		p.logger,
		"Message acknowledged",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", res.partition),
		zap.Int64("offset", res.offset),
	)

	return nil
}

func (p *producer) send(ctx context.Context, msg *sarama.ProducerMessage) (delivery, error) {
	type result struct {
		delivery
		err error
	}

	done := make(chan result, 1)
	go func() {
		partition, offset, err := p.syncProducer.SendMessage(msg)
		done <- result{delivery: delivery{partition: partition, offset: offset}, err: err}
	}()

	select {
	case <-ctx.Done():
		return delivery{}, fmt.Errorf("waiting for ack from topic %s: %w", msg.Topic, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return delivery{}, fmt.Errorf("error sending message: %w", r.err)
		}
		return r.delivery, nil
	}
}

func (p *producer) Close() error {
	return p.syncProducer.Close()
}

func messageHeaders(ctx context.Context) []sarama.RecordHeader {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderMessageID), Value: []byte(uuid.NewString())},
		{Key: []byte(HeaderContentType), Value: []byte("application/json")},
	}
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	return headers
}
