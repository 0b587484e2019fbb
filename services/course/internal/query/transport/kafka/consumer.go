package kafka

import (
	"context"

	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/eventbus"
	"github.com/payalb/course-management/pkg/mylogger"
	"go.uber.org/zap"
)

type EventApplier interface {
	Apply(ctx context.Context, event *coursedomain.CourseEvent) error
}

// Consumer feeds course events from the bus into the projector. A message is
// acknowledged only once it has been applied.
type Consumer struct {
	subscriber eventbus.Subscriber
	applier    EventApplier
	groupID    string
	topic      string
	logger     *zap.Logger
}

func NewConsumer(subscriber eventbus.Subscriber, applier EventApplier, groupID, topic string, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		applier:    applier,
		groupID:    groupID,
		topic:      topic,
		logger:     logger,
	}
}

// Start blocks until ctx is cancelled or the subscription fails.
func (c *Consumer) Start(ctx context.Context) error {
	mylogger.Info(
		ctx,
		c.logger,
		"Starting course event consumer",
		zap.String("group_id", c.groupID),
		zap.String("topic", c.topic),
	)

	return c.subscriber.Subscribe(ctx, c.groupID, []string{c.topic}, c.HandleMessage)
}

func (c *Consumer) HandleMessage(ctx context.Context, msg eventbus.Message) error {
	event, err := coursedomain.DecodeCourseEvent(msg.Value)
	if err != nil {
		mylogger.Error(
			ctx,
			c.logger,
			"Undecodable course event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)

		return err
	}

	if msg.Key != "" && msg.Key != event.Key() {
		mylogger.Warn(
			ctx,
			c.logger,
			"Course event key does not match payload",
			zap.String("key", msg.Key),
			zap.Int64("course_id", event.CourseID),
		)
	}

	if err := c.applier.Apply(ctx, event); err != nil {
		mylogger.Warn(
			ctx,
			c.logger,
			"Error applying course event",
			zap.Int64("course_id", event.CourseID),
			zap.String("event_type", string(event.EventType)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)

		return err
	}

	return nil
}
