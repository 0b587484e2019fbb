package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/payalb/course-management/pkg/apperrors"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/eventbus"
	"github.com/payalb/course-management/pkg/kafka"
	outboxDomain "github.com/payalb/course-management/pkg/outbox/domain"
	outboxRepository "github.com/payalb/course-management/pkg/outbox/repository"
	"github.com/payalb/course-management/pkg/outbox/worker"
	"github.com/payalb/course-management/pkg/testsuite"
	commandDomain "github.com/payalb/course-management/services/course/internal/command/domain"
	commandRepository "github.com/payalb/course-management/services/course/internal/command/repository"
	commandService "github.com/payalb/course-management/services/course/internal/command/service"
	"github.com/payalb/course-management/services/course/internal/query/cache"
	queryDomain "github.com/payalb/course-management/services/course/internal/query/domain"
	queryRepository "github.com/payalb/course-management/services/course/internal/query/repository"
	queryService "github.com/payalb/course-management/services/course/internal/query/service"
	queryKafka "github.com/payalb/course-management/services/course/internal/query/transport/kafka"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const (
	topic   = "course-events"
	groupID = "course-query-service"
)

// countingViews counts lookups that reach the read store.
type countingViews struct {
	queryRepository.CourseViewRepository
	gets atomic.Int64
}

func (c *countingViews) GetByID(ctx context.Context, courseID int64) (*queryDomain.CourseView, error) {
	c.gets.Add(1)
	return c.CourseViewRepository.GetByID(ctx, courseID)
}

type PipelineSuite struct {
	testsuite.BaseSuite

	logger   *zap.Logger
	commands commandService.CourseService
	ledger   worker.OutboxRepository
	views    *countingViews
	queries  queryService.CourseQueryService
	project  *queryService.Projector
}

func (s *PipelineSuite) SetupSuite() {
	s.SetupInfrastructure(testsuite.Infrastructure{
		CommandMigrations: "../../migrations/command",
		QueryMigrations:   "../../migrations/query",
		Redis:             true,
		Kafka:             true,
	})
	s.logger = zap.NewNop()
}

func (s *PipelineSuite) TearDownSuite() {
	s.TearDownInfrastructure()
}

func (s *PipelineSuite) SetupTest() {
	s.TruncateTable(s.DbPool, "courses")
	s.TruncateTable(s.DbPool, "outbox_events")
	s.TruncateTable(s.ReadDbPool, "course_read_model")
	s.Require().NoError(s.Redis.FlushDB(s.Ctx).Err())

	s.ledger = outboxRepository.NewOutboxRepository(s.DbPool, s.logger)
	s.commands = commandService.NewCourseService(
		commandRepository.NewCourseRepository(s.DbPool, s.logger),
		s.ledger,
		s.DbPool,
		s.logger,
	)

	s.views = &countingViews{CourseViewRepository: queryRepository.NewCourseViewRepository(s.ReadDbPool, s.logger)}
	queryCache := cache.NewRedisCache(s.Redis, time.Minute)
	s.queries = queryService.NewCachedCourseQueryService(
		queryService.NewCourseQueryService(s.views, s.logger),
		queryCache,
		s.logger,
	)

	var err error
	s.project, err = queryService.NewProjector(s.views, queryCache, s.logger)
	s.Require().NoError(err)
}

func (s *PipelineSuite) publisher(bus eventbus.Publisher) *worker.Publisher {
	p, err := worker.NewPublisher(s.DbPool, s.ledger, bus, worker.Options{
		Topic:            topic,
		BatchSize:        100,
		MaxRetries:       3,
		DispatchInterval: time.Second,
		RetryInterval:    time.Second,
		CleanupInterval:  time.Hour,
		RetryWindow:      24 * time.Hour,
		Retention:        7 * 24 * time.Hour,
	}, s.logger)
	s.Require().NoError(err)
	return p
}

func (s *PipelineSuite) consume(sub eventbus.Subscriber) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.Ctx)
	consumer := queryKafka.NewConsumer(sub, s.project, groupID, topic, s.logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Start(ctx)
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *PipelineSuite) outboxRecords() []*outboxDomain.OutboxRecord {
	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	defer func() { _ = tx.Rollback(s.Ctx) }()

	rows, err := tx.Query(s.Ctx, `SELECT id FROM outbox_events ORDER BY id`)
	s.Require().NoError(err)

	var ids []int64
	for rows.Next() {
		var id int64
		s.Require().NoError(rows.Scan(&id))
		ids = append(ids, id)
	}
	s.Require().NoError(rows.Err())

	records := make([]*outboxDomain.OutboxRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.ledger.ClaimByID(s.Ctx, tx, id)
		s.Require().NoError(err)
		records = append(records, record)
	}

	return records
}

func (s *PipelineSuite) createIntroToGo() int64 {
	id, err := s.commands.Create(s.Ctx, &commandDomain.CreateCourseInput{
		Name:         "Intro to Go",
		Description:  "Goroutines and channels",
		Price:        coursedomain.MustMoney("49.99"),
		Tags:         []string{"go", "backend"},
		InstructorID: 7,
	})
	s.Require().NoError(err)
	return id
}

func (s *PipelineSuite) TestCreateReachesCachedReadModel() {
	bus := eventbus.NewMemoryBus()
	publisher := s.publisher(bus)
	stop := s.consume(bus)
	defer stop()

	id := s.createIntroToGo()

	records := s.outboxRecords()
	s.Require().Len(records, 1)
	s.Equal(outboxDomain.StatusPending, records[0].Status)
	s.Equal(string(coursedomain.CourseCreated), records[0].EventType)
	s.Equal(id, records[0].AggregateID)

	result, err := publisher.Dispatch(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Published)

	records = s.outboxRecords()
	s.Equal(outboxDomain.StatusPublished, records[0].Status)
	s.NotNil(records[0].PublishedAt)

	s.Require().Eventually(func() bool {
		return bus.Delivered(groupID, topic) == 1
	}, 10*time.Second, 20*time.Millisecond)

	first, err := s.queries.GetByID(s.Ctx, id)
	s.Require().NoError(err)
	s.Equal(id, first.CourseID)
	s.Equal("Intro to Go", first.Name)
	s.Equal(coursedomain.StatusDraft, first.Status)
	s.True(first.Price.Equal(coursedomain.MustMoney("49.99")))

	second, err := s.queries.GetByID(s.Ctx, id)
	s.Require().NoError(err)
	s.Equal(first.Name, second.Name)
	s.Equal(int64(1), s.views.gets.Load())

	s.Require().NoError(s.commands.Archive(s.Ctx, id))
	_, err = publisher.Dispatch(s.Ctx)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		return bus.Delivered(groupID, topic) == 2
	}, 10*time.Second, 20*time.Millisecond)

	archived, err := s.queries.GetByID(s.Ctx, id)
	s.Require().NoError(err)
	s.Equal(coursedomain.StatusArchived, archived.Status)
	s.Equal(int64(2), s.views.gets.Load())
}

func (s *PipelineSuite) TestRedeliveredEventDoesNotRegress() {
	bus := eventbus.NewMemoryBus()
	publisher := s.publisher(bus)
	stop := s.consume(bus)
	defer stop()

	id := s.createIntroToGo()
	rename := "Go in Depth"
	s.Require().NoError(s.commands.Update(s.Ctx, id, &commandDomain.UpdateCourseInput{Name: &rename}))

	result, err := publisher.Dispatch(s.Ctx)
	s.Require().NoError(err)
	s.Equal(2, result.Published)

	s.Require().Eventually(func() bool {
		return bus.Delivered(groupID, topic) == 2
	}, 10*time.Second, 20*time.Millisecond)

	// a crash between bus ack and ledger commit resends the creation event
	created := s.outboxRecords()[0]
	s.Require().NoError(bus.Publish(s.Ctx, topic, strconv.FormatInt(created.AggregateID, 10), []byte(created.Payload)))

	s.Require().Eventually(func() bool {
		return bus.Delivered(groupID, topic) == 3
	}, 10*time.Second, 20*time.Millisecond)

	view, err := s.queries.GetByID(s.Ctx, id)
	s.Require().NoError(err)
	s.Equal(rename, view.Name)
}

func (s *PipelineSuite) TestRestoreGuardWritesNothing() {
	id := s.createIntroToGo()

	err := s.commands.Restore(s.Ctx, id)
	s.ErrorIs(err, apperrors.ErrConflict)
	s.Len(s.outboxRecords(), 1)

	s.Require().NoError(s.commands.Archive(s.Ctx, id))
	s.Require().NoError(s.commands.Restore(s.Ctx, id))

	records := s.outboxRecords()
	s.Require().Len(records, 3)
	s.Equal(string(coursedomain.CourseUpdated), records[2].EventType)

	event, err := coursedomain.DecodeCourseEvent([]byte(records[2].Payload))
	s.Require().NoError(err)
	s.Equal(coursedomain.StatusDraft, event.Status)
}

func (s *PipelineSuite) TestKafkaTransport() {
	admin, err := sarama.NewClusterAdmin(s.KafkaBrokers, sarama.NewConfig())
	s.Require().NoError(err)
	defer admin.Close()

	err = admin.CreateTopic(topic, &sarama.TopicDetail{NumPartitions: 3, ReplicationFactor: 1}, false)
	if err != nil && !isTopicExists(err) {
		s.Require().NoError(err)
	}

	producer, err := kafka.NewProducer(s.KafkaBrokers, kafka.ProducerOptions{
		Timeout: 10 * time.Second,
		Breaker: kafka.DefaultBreakerSettings("pipeline-test", s.logger),
	}, s.logger)
	s.Require().NoError(err)
	defer producer.Close()

	publisher := s.publisher(producer)
	stop := s.consume(kafka.NewConsumerGroup(s.KafkaBrokers, s.logger))
	defer stop()

	id := s.createIntroToGo()

	s.Require().Eventually(func() bool {
		if _, err := publisher.Dispatch(s.Ctx); err != nil {
			return false
		}
		if _, err := publisher.Retry(s.Ctx); err != nil {
			return false
		}
		return s.outboxRecords()[0].Status == outboxDomain.StatusPublished
	}, 60*time.Second, time.Second)

	s.Require().Eventually(func() bool {
		view, err := s.queries.GetByID(s.Ctx, id)
		return err == nil && view.Name == "Intro to Go"
	}, 60*time.Second, 200*time.Millisecond)
}

func isTopicExists(err error) bool {
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}
