package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"
	"github.com/payalb/course-management/pkg/eventbus"
	"github.com/payalb/course-management/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxRedeliveryInterval = 30 * time.Second

// ConsumerGroup is the sarama-backed eventbus.Subscriber.
type ConsumerGroup struct {
	brokers []string
	logger  *zap.Logger
}

func NewConsumerGroup(brokers []string, logger *zap.Logger) *ConsumerGroup {
	return &ConsumerGroup{
		brokers: brokers,
		logger:  logger,
	}
}

func NewConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	return config
}

// Subscribe joins groupID and blocks until ctx is cancelled. Each partition
// claim is drained sequentially, so events of one course are never handled
// concurrently; a message is marked only after h succeeded.
func (c *ConsumerGroup) Subscribe(ctx context.Context, groupID string, topics []string, h eventbus.Handler) error {
	group, err := sarama.NewConsumerGroup(c.brokers, groupID, NewConsumerConfig())
	if err != nil {
		return fmt.Errorf("error creating consumer group %s: %w", groupID, err)
	}

	defer func() {
		if err := group.Close(); err != nil {
			c.logger.Error("Error closing consumer group", zap.String("group_id", groupID), zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			c.logger.Error("Consumer group error", zap.String("group_id", groupID), zap.Error(err))
		}
	}()

	consumer := &saramaHandler{
		handler:    h,
		logger:     c.logger,
		newBackOff: defaultBackOff,
	}

	for {
		err := group.Consume(ctx, topics, consumer)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}

			mylogger.Error(ctx, c.logger, "Error consuming in consumer loop", zap.Error(err))
		}

		if ctx.Err() != nil {
			mylogger.Info(ctx, c.logger, "Context cancelled, shutting down consumer")
			return nil
		}
	}
}

func defaultBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = maxRedeliveryInterval

	return b
}

type saramaHandler struct {
	handler    eventbus.Handler
	logger     *zap.Logger
	newBackOff func() *backoff.ExponentialBackOff
}

func (h *saramaHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *saramaHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *saramaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.deliver(session.Context(), msg); err != nil {
				// session is ending; the unmarked offset is redelivered to the next owner
				return nil
			}

			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// deliver retries msg with exponential backoff until the handler succeeds or ctx ends.
func (h *saramaHandler) deliver(ctx context.Context, msg *sarama.ConsumerMessage) error {
	b := h.newBackOff()

	for attempt := 1; ; attempt++ {
		spanCtx, span := h.extractTracing(ctx, msg)
		err := h.handler(spanCtx, toMessage(msg))
		if err == nil {
			span.End()
			return nil
		}

		span.RecordError(err)
		span.End()

		mylogger.Error(
			spanCtx,
			h.logger,
			"Failed to process message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = b.MaxInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (h *saramaHandler) extractTracing(ctx context.Context, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[string(header.Key)] = string(header.Value)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	return otel.Tracer("pkg/kafka/consumer").Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
}

func toMessage(msg *sarama.ConsumerMessage) eventbus.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, header := range msg.Headers {
		headers[string(header.Key)] = string(header.Value)
	}

	return eventbus.Message{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

var _ eventbus.Subscriber = (*ConsumerGroup)(nil)
